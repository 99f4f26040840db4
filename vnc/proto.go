package vnc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Stream message types. Every message is framed as
// [1-byte type][4-byte big-endian length][payload].
const (
	// Server to client.
	msgMechList      byte = 0x01
	msgAuthChallenge byte = 0x02
	msgAuthOK        byte = 0x03
	msgAuthFail      byte = 0x04
	msgAuthExhausted byte = 0x05
	msgFrame         byte = 0x10

	// Client to server.
	msgAuthStart    byte = 0x81
	msgAuthResponse byte = 0x82
	msgKeyEvent     byte = 0x90
	msgPointerEvent byte = 0x91
)

// serviceName identifies the stream in the mechanism-list greeting.
const serviceName = "stratovirt-display"

const maxMsgSize = 64 << 20

func writeMsg(w io.Writer, t byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = t
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}

	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}

	return nil
}

func readMsg(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 5)

	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}

	size := binary.BigEndian.Uint32(hdr[1:])
	if size > maxMsgSize {
		return 0, nil, fmt.Errorf("%w: %d byte message", ErrProtocolError, size)
	}

	payload := make([]byte, size)

	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return hdr[0], payload, nil
}

// frameHdrSize covers revision, geometry, format and raw pixel length
// preceding the compressed payload of a msgFrame.
const frameHdrSize = 8 + 4*4

// Frame is one decoded framebuffer update as seen by a client.
type Frame struct {
	Revision uint64
	Width    uint32
	Height   uint32
	Format   uint32
	Pixels   []byte
}

func encodeFrameHdr(revision uint64, width, height, format, rawLen uint32) []byte {
	b := make([]byte, frameHdrSize)
	binary.BigEndian.PutUint64(b[0:8], revision)
	binary.BigEndian.PutUint32(b[8:12], width)
	binary.BigEndian.PutUint32(b[12:16], height)
	binary.BigEndian.PutUint32(b[16:20], format)
	binary.BigEndian.PutUint32(b[20:24], rawLen)

	return b
}

func decodeFrameHdr(b []byte) (revision uint64, width, height, format, rawLen uint32, err error) {
	if len(b) < frameHdrSize {
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: short frame header", ErrProtocolError)
	}

	return binary.BigEndian.Uint64(b[0:8]),
		binary.BigEndian.Uint32(b[8:12]),
		binary.BigEndian.Uint32(b[12:16]),
		binary.BigEndian.Uint32(b[16:20]),
		binary.BigEndian.Uint32(b[20:24]),
		nil
}

// encodeAuthStart packs the selected mechanism and the client-first
// message, NUL separated.
func encodeAuthStart(mech string, initial []byte) []byte {
	out := make([]byte, 0, len(mech)+1+len(initial))
	out = append(out, mech...)
	out = append(out, 0)
	out = append(out, initial...)

	return out
}

func decodeAuthStart(payload []byte) (mech string, initial []byte, err error) {
	for i, c := range payload {
		if c == 0 {
			return string(payload[:i]), payload[i+1:], nil
		}
	}

	return "", nil, fmt.Errorf("%w: auth start without mechanism separator", ErrProtocolError)
}
