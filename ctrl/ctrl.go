// Package ctrl is the control channel between the VMM core and one device
// backend process: a unix stream socket carrying framed messages, with the
// guest RAM memfd passed as ancillary data on the assignment message.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// The socket preserves ordering and delivery; a closing peer is how backend
// crashes are detected.
package ctrl

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/WenyuanLau/stratovirt/virtio"
)

// MsgType identifies a control protocol message.
type MsgType uint32

const (
	// MsgAssign carries the gob-encoded Assign plus the guest RAM fd.
	MsgAssign MsgType = 1
	// MsgReady: the backend finished setup and will service its queues.
	MsgReady MsgType = 2
	// MsgReset: the guest reset the device; the backend rewinds its rings.
	MsgReset MsgType = 3
	// MsgRemoved: the device left the machine.
	MsgRemoved MsgType = 4
	// MsgKick: the guest notified a queue (2-byte little-endian index).
	MsgKick MsgType = 5
	// MsgIRQ: the backend published used entries on a queue and wants a
	// vring interrupt (2-byte little-endian index).
	MsgIRQ MsgType = 6
	// MsgDisabled: the backend lost its host resource; the device is
	// degraded but not removed.
	MsgDisabled MsgType = 7
	// MsgSurface: a committed framebuffer update from the display backend.
	MsgSurface MsgType = 8
	// MsgInput: one guest input event for the input backend.
	MsgInput MsgType = 9
	// MsgShutdown: the core asks the backend to drain and exit.
	MsgShutdown MsgType = 10
	// MsgHello: first message of a backend, sent before any assignment so
	// the core knows the process came up.
	MsgHello MsgType = 11
)

const headerSize = 12

// maxPayload bounds a frame so a corrupted peer cannot make us allocate
// unbounded memory. Large enough for a full 4k frame.
const maxPayload = 64 << 20

var (
	ErrPayloadTooLarge = errors.New("control message payload too large")
	ErrShortPayload    = errors.New("control message payload truncated")
	ErrBadRect         = errors.New("surface update rect outside the surface")
)

// Conn is one end of a control channel. Send and Recv are each safe for one
// concurrent caller per direction.
type Conn struct {
	conn *net.UnixConn

	wmu sync.Mutex
	rmu sync.Mutex

	// fd received with the most recent message, -1 if none.
	pendingFd int
}

// NewConn wraps an established unix socket.
func NewConn(c *net.UnixConn) *Conn {
	return &Conn{conn: c, pendingFd: -1}
}

// Pair returns both ends of a connected control channel (socketpair). The
// core keeps one end and passes the other to the backend child, or hands it
// to an in-process backend in tests.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	a, err := fdConn(fds[0])
	if err != nil {
		unix.Close(fds[1])

		return nil, nil, err
	}

	b, err := fdConn(fds[1])
	if err != nil {
		a.Close()

		return nil, nil, err
	}

	return a, b, nil
}

// FromFile adopts an inherited socket fd (the backend child's fd 3).
func FromFile(f *os.File) (*Conn, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("adopt control socket: %w", err)
	}

	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()

		return nil, errors.New("control socket is not a unix socket")
	}

	return NewConn(uc), nil
}

func fdConn(fd int) (*Conn, error) {
	f := os.NewFile(uintptr(fd), "ctrl")
	defer f.Close()

	return FromFile(f)
}

// File duplicates the socket for handing to a child process.
func (c *Conn) File() (*os.File, error) {
	return c.conn.File()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Send writes one framed message.
func (c *Conn) Send(t MsgType, payload []byte) error {
	return c.send(t, payload, -1)
}

// SendFd writes one framed message with an fd as ancillary data.
func (c *Conn) SendFd(t MsgType, payload []byte, fd int) error {
	return c.send(t, payload, fd)
}

func (c *Conn) send(t MsgType, payload []byte, fd int) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if fd >= 0 {
		oob := unix.UnixRights(fd)

		if _, _, err := c.conn.WriteMsgUnix(hdr, oob, nil); err != nil {
			return fmt.Errorf("send header: %w", err)
		}
	} else if _, err := c.conn.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// Recv reads the next message. A received fd (from SendFd) is returned with
// the message it accompanied; otherwise fd is -1 and must be ignored.
func (c *Conn) Recv() (t MsgType, payload []byte, fd int, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	hdr := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(hdr, oob)
	if err != nil {
		return 0, nil, -1, err
	}

	fd = -1

	if oobn > 0 {
		fd = parseFd(oob[:oobn])
	}

	if n < headerSize {
		if _, err := io.ReadFull(c.conn, hdr[n:]); err != nil {
			return 0, nil, fd, fmt.Errorf("read header: %w", err)
		}
	}

	t = MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	size := binary.BigEndian.Uint64(hdr[4:12])

	if size > maxPayload {
		return 0, nil, fd, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}

	if size > 0 {
		payload = make([]byte, size)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return 0, nil, fd, fmt.Errorf("read payload: %w", err)
		}
	}

	return t, payload, fd, nil
}

func parseFd(oob []byte) int {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1
	}

	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err == nil && len(fds) > 0 {
			return fds[0]
		}
	}

	return -1
}

// Assign is the backend's startup contract: its device identity, the
// negotiated features, the guest memory geometry and the queue set it owns.
type Assign struct {
	DeviceID uint32
	Features uint64
	MemAddr  uint64
	MemSize  uint64
	Queues   []virtio.QueueConfig
}

// SendAssign encodes a with gob and sends it along with the RAM memfd.
func (c *Conn) SendAssign(a *Assign, memFd int) error {
	buf := new(bytes.Buffer)

	if err := gob.NewEncoder(buf).Encode(a); err != nil {
		return fmt.Errorf("encode assign: %w", err)
	}

	return c.SendFd(MsgAssign, buf.Bytes(), memFd)
}

// DecodeAssign parses a MsgAssign payload.
func DecodeAssign(payload []byte) (*Assign, error) {
	a := &Assign{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(a); err != nil {
		return nil, fmt.Errorf("decode assign: %w", err)
	}

	return a, nil
}

// EncodeQueue builds the payload of MsgKick and MsgIRQ.
func EncodeQueue(q uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, q)

	return b
}

// DecodeQueue parses a MsgKick or MsgIRQ payload.
func DecodeQueue(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, ErrShortPayload
	}

	return binary.LittleEndian.Uint16(payload), nil
}

// SurfaceUpdate is one committed framebuffer change from the display
// backend: the damaged rectangle of revision Revision, with Pixels holding
// Height rows of Width*4 bytes.
type SurfaceUpdate struct {
	Revision uint64
	X        uint32
	Y        uint32
	Width    uint32
	Height   uint32

	// Full geometry of the surface the rectangle belongs to, so the
	// consumer can resize.
	SurfaceWidth  uint32
	SurfaceHeight uint32
	Format        uint32

	Pixels []byte
}

const surfaceHdrSize = 8 + 7*4

// Encode builds a MsgSurface payload.
func (u *SurfaceUpdate) Encode() []byte {
	b := make([]byte, surfaceHdrSize+len(u.Pixels))
	binary.LittleEndian.PutUint64(b[0:8], u.Revision)
	binary.LittleEndian.PutUint32(b[8:12], u.X)
	binary.LittleEndian.PutUint32(b[12:16], u.Y)
	binary.LittleEndian.PutUint32(b[16:20], u.Width)
	binary.LittleEndian.PutUint32(b[20:24], u.Height)
	binary.LittleEndian.PutUint32(b[24:28], u.SurfaceWidth)
	binary.LittleEndian.PutUint32(b[28:32], u.SurfaceHeight)
	binary.LittleEndian.PutUint32(b[32:36], u.Format)
	copy(b[surfaceHdrSize:], u.Pixels)

	return b
}

// DecodeSurfaceUpdate parses a MsgSurface payload.
func DecodeSurfaceUpdate(payload []byte) (*SurfaceUpdate, error) {
	if len(payload) < surfaceHdrSize {
		return nil, ErrShortPayload
	}

	u := &SurfaceUpdate{
		Revision:      binary.LittleEndian.Uint64(payload[0:8]),
		X:             binary.LittleEndian.Uint32(payload[8:12]),
		Y:             binary.LittleEndian.Uint32(payload[12:16]),
		Width:         binary.LittleEndian.Uint32(payload[16:20]),
		Height:        binary.LittleEndian.Uint32(payload[20:24]),
		SurfaceWidth:  binary.LittleEndian.Uint32(payload[24:28]),
		SurfaceHeight: binary.LittleEndian.Uint32(payload[28:32]),
		Format:        binary.LittleEndian.Uint32(payload[32:36]),
		Pixels:        payload[surfaceHdrSize:],
	}

	if uint64(len(u.Pixels)) != uint64(u.Width)*uint64(u.Height)*4 {
		return nil, fmt.Errorf("%w: %d pixels for %dx%d", ErrShortPayload,
			len(u.Pixels)/4, u.Width, u.Height)
	}

	// The rect must lie inside the surface it claims to update. The
	// backend is the untrusted side of this channel.
	if uint64(u.X)+uint64(u.Width) > uint64(u.SurfaceWidth) ||
		uint64(u.Y)+uint64(u.Height) > uint64(u.SurfaceHeight) {
		return nil, fmt.Errorf("%w: %dx%d at %d,%d on %dx%d", ErrBadRect,
			u.Width, u.Height, u.X, u.Y, u.SurfaceWidth, u.SurfaceHeight)
	}

	return u, nil
}
