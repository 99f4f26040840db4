package vnc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/xdg-go/scram"
)

// Client speaks the display stream protocol. It exists for tooling and for
// exercising the service end to end.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	mechs   []string
	session string
}

// Dial connects and consumes the server greeting.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}

	t, payload, err := readMsg(c.br)
	if err != nil {
		conn.Close()

		return nil, err
	}

	if t != msgMechList {
		conn.Close()

		return nil, fmt.Errorf("%w: greeting message %#x", ErrProtocolError, t)
	}

	parts := strings.SplitN(string(payload), "\x00", 2)
	if len(parts) != 2 || parts[0] != serviceName {
		conn.Close()

		return nil, fmt.Errorf("%w: unexpected greeting", ErrProtocolError)
	}

	c.mechs = strings.Fields(parts[1])

	return c, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Mechanisms are the SASL mechanisms the server offered.
func (c *Client) Mechanisms() []string { return c.mechs }

// Session is the server-assigned session ID, set after authentication.
func (c *Client) Session() string { return c.session }

// AuthPlain authenticates with the PLAIN mechanism.
func (c *Client) AuthPlain(username, password string) error {
	initial := []byte("\x00" + username + "\x00" + password)

	if err := writeMsg(c.bw, msgAuthStart, encodeAuthStart(MechPlain, initial)); err != nil {
		return err
	}

	return c.finishAuth(nil)
}

// AuthScram authenticates with SCRAM-SHA-256.
func (c *Client) AuthScram(username, password string) error {
	client, err := scram.SHA256.NewClient(username, password, "")
	if err != nil {
		return err
	}

	conv := client.NewConversation()

	first, err := conv.Step("")
	if err != nil {
		return err
	}

	if err := writeMsg(c.bw, msgAuthStart, encodeAuthStart(MechScram, []byte(first))); err != nil {
		return err
	}

	return c.finishAuth(conv)
}

// StartAuthRaw sends an arbitrary mechanism selection, for exercising the
// negotiation itself.
func (c *Client) StartAuthRaw(mech string, initial []byte) error {
	if err := writeMsg(c.bw, msgAuthStart, encodeAuthStart(mech, initial)); err != nil {
		return err
	}

	return c.finishAuth(nil)
}

// finishAuth consumes challenges until the server accepts or rejects the
// attempt. conv is nil for single-shot mechanisms.
func (c *Client) finishAuth(conv *scram.ClientConversation) error {
	for {
		t, payload, err := readMsg(c.br)
		if err != nil {
			return err
		}

		switch t {
		case msgAuthOK:
			c.session = string(payload)

			if conv != nil && !conv.Valid() {
				return fmt.Errorf("%w: server signature not verified", ErrAuthFailed)
			}

			return nil
		case msgAuthFail:
			return fmt.Errorf("%w: %s", ErrAuthFailed, payload)
		case msgAuthExhausted:
			return fmt.Errorf("%w: %s", ErrAuthExhausted, payload)
		case msgAuthChallenge:
			if conv == nil {
				return fmt.Errorf("%w: unexpected challenge", ErrProtocolError)
			}

			resp, err := conv.Step(string(payload))
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}

			if conv.Done() {
				// Server-final message: nothing left to send.
				continue
			}

			if err := writeMsg(c.bw, msgAuthResponse, []byte(resp)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: message %#x during authentication", ErrProtocolError, t)
		}
	}
}

// NextFrame blocks for the next framebuffer update and decompresses it.
func (c *Client) NextFrame() (*Frame, error) {
	t, payload, err := readMsg(c.br)
	if err != nil {
		return nil, err
	}

	if t != msgFrame {
		return nil, fmt.Errorf("%w: message %#x on frame stream", ErrProtocolError, t)
	}

	revision, width, height, format, rawLen, err := decodeFrameHdr(payload)
	if err != nil {
		return nil, err
	}

	zr, err := zlib.NewReader(bytes.NewReader(payload[frameHdrSize:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	defer zr.Close()

	pixels := make([]byte, rawLen)
	if _, err := io.ReadFull(zr, pixels); err != nil {
		return nil, fmt.Errorf("%w: truncated frame: %v", ErrProtocolError, err)
	}

	return &Frame{
		Revision: revision,
		Width:    width,
		Height:   height,
		Format:   format,
		Pixels:   pixels,
	}, nil
}

// SendKey reports a key press or release.
func (c *Client) SendKey(code uint16, down bool) error {
	payload := []byte{byte(code >> 8), byte(code), 0}
	if down {
		payload[2] = 1
	}

	return writeMsg(c.bw, msgKeyEvent, payload)
}

// SendPointer reports an absolute pointer position and button mask.
func (c *Client) SendPointer(x, y uint32, buttons byte) error {
	payload := []byte{
		byte(x >> 24), byte(x >> 16), byte(x >> 8), byte(x),
		byte(y >> 24), byte(y >> 16), byte(y >> 8), byte(y),
		buttons,
	}

	return writeMsg(c.bw, msgPointerEvent, payload)
}
