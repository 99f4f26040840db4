// Package sound is the audio sink backend: a client of the host audio
// daemon's unix socket that forwards guest PCM frames from the tx queue.
// When the daemon is unreachable the device degrades to disabled instead of
// failing the machine.
package sound

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WenyuanLau/stratovirt/backend"
	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/virtio"
)

// Queue indices of the sound device.
const (
	ControlQueue uint16 = 0
	EventQueue   uint16 = 1
	TxQueue      uint16 = 2
	RxQueue      uint16 = 3
)

const dialTimeout = 3 * time.Second

// DaemonSocket resolves the host audio daemon's socket path: an explicit
// configured path wins, then the daemon's environment variable, then the
// runtime-dir default.
func DaemonSocket(configured string) string {
	if configured != "" {
		return configured
	}

	if s := os.Getenv("PULSE_SERVER"); s != "" {
		return filepath.Clean(s)
	}

	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "pulse", "native")
	}

	return fmt.Sprintf("/run/user/%d/pulse/native", os.Getuid())
}

// Sink is the sound device. Guest PCM frames are streamed to the daemon
// socket; each frame is answered with a SndPCMStatus in its writable tail.
type Sink struct {
	socket  string
	harness *backend.Harness
	logger  *logrus.Entry
	conn    net.Conn
}

// NewSink builds the device around the daemon socket path.
func NewSink(socket string) *Sink {
	return &Sink{
		socket: socket,
		logger: logrus.WithField("backend", "sound"),
	}
}

func (s *Sink) Name() string { return "sound" }

// Activate dials the audio daemon. An unreachable daemon disables the
// device without affecting the rest of the machine.
func (s *Sink) Activate(h *backend.Harness) error {
	s.harness = h

	conn, err := net.DialTimeout("unix", s.socket, dialTimeout)
	if err != nil {
		s.logger.WithError(err).WithField("socket", s.socket).Warn("audio daemon unreachable")

		return fmt.Errorf("%w: %v", backend.ErrDisabled, err)
	}

	s.conn = conn

	return nil
}

func (s *Sink) HandleMsg(t ctrl.MsgType, payload []byte) error { return nil }

func (s *Sink) Reset() {}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

func (s *Sink) HandleKick(q uint16) error {
	switch q {
	case TxQueue:
		return s.harness.DrainQueue(q, s.tx)
	case ControlQueue:
		return s.harness.DrainQueue(q, func(chain *virtio.DescChain) uint32 {
			return chain.WriteBack(virtio.SndPCMStatus{Status: virtio.SndStatusOK}.Encode())
		})
	case EventQueue, RxQueue:
		// No capture stream and no device events: buffers are parked
		// until reset.
		return nil
	default:
		return fmt.Errorf("%w: %d", backend.ErrBadQueue, q)
	}
}

func (s *Sink) tx(chain *virtio.DescChain) uint32 {
	xfer, samples, ok := virtio.DecodeSndPCMXfer(chain.ReadAll())
	if !ok {
		return chain.WriteBack(virtio.SndPCMStatus{Status: virtio.SndStatusBadMsg}.Encode())
	}

	if xfer.StreamID != 0 {
		return chain.WriteBack(virtio.SndPCMStatus{Status: virtio.SndStatusBadMsg}.Encode())
	}

	// Disabled device: no daemon connection. Complete the buffer with an
	// I/O error instead of dropping it.
	if s.conn == nil {
		return chain.WriteBack(virtio.SndPCMStatus{Status: virtio.SndStatusIOErr}.Encode())
	}

	if _, err := s.conn.Write(samples); err != nil {
		s.logger.WithError(err).Warn("pcm write to audio daemon failed")

		return chain.WriteBack(virtio.SndPCMStatus{Status: virtio.SndStatusIOErr}.Encode())
	}

	return chain.WriteBack(virtio.SndPCMStatus{Status: virtio.SndStatusOK}.Encode())
}
