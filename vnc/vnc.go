// Package vnc is the remote display service: a TCP listener that gates
// sessions behind a SASL negotiation and streams committed framebuffer
// revisions, zlib-compressed, to authenticated clients. Client key and
// pointer events flow back and are forwarded to the input device.
package vnc

import "errors"

var (
	// ErrAuthExhausted closes a connection whose failure counter reached
	// the configured threshold.
	ErrAuthExhausted = errors.New("authentication attempts exhausted")

	// ErrProtocolError is a malformed negotiation or stream message. It
	// fails the connection, never the service.
	ErrProtocolError = errors.New("protocol error")

	// ErrAuthFailed is one failed authentication attempt.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnsupportedMechanism means the client selected a mechanism the
	// server did not offer.
	ErrUnsupportedMechanism = errors.New("unsupported mechanism")
)

// Supported SASL mechanism names.
const (
	MechPlain = "PLAIN"
	MechScram = "SCRAM-SHA-256"
)

// DefaultAuthThreshold is the number of failed authentication attempts
// tolerated before the connection is dropped.
const DefaultAuthThreshold = 3
