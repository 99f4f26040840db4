// Package backend is the harness a device backend runs on, either in its
// own process (re-exec with -backend) or in-process over a socketpair.
//
// The harness owns the control channel and the backend's view of guest
// memory. Devices plug in through the Device interface and only see mapped
// queues and decoded control messages.
package backend

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/memory"
	"github.com/WenyuanLau/stratovirt/virtio"
)

var ErrBadQueue = errors.New("no such queue")

// Device is one virtio device implementation running behind the harness.
type Device interface {
	Name() string

	// Activate is called once the assignment arrived and guest memory and
	// queues are mapped. A device that cannot reach its host resource may
	// return ErrDisabled to degrade instead of failing.
	Activate(h *Harness) error

	// HandleKick services queue q until it is empty.
	HandleKick(q uint16) error

	// HandleMsg receives device-specific control messages.
	HandleMsg(t ctrl.MsgType, payload []byte) error

	// Reset rewinds device state after the guest reset the transport.
	Reset()

	Close() error
}

// ErrDisabled is returned from Activate when the device's host resource is
// unavailable. The harness reports the device as degraded and keeps
// running so the rest of the machine is unaffected.
var ErrDisabled = errors.New("device disabled")

// Harness drives one Device from the control channel.
type Harness struct {
	conn   *ctrl.Conn
	dev    Device
	logger *logrus.Entry

	mem      *memory.GuestMemory
	features uint64
	queues   []*virtio.Queue
}

// New wraps the backend end of a control channel.
func New(conn *ctrl.Conn, dev Device) *Harness {
	return &Harness{
		conn:   conn,
		dev:    dev,
		logger: logrus.WithField("backend", dev.Name()),
	}
}

// Mem is the backend's mapping of guest RAM. Nil before activation.
func (h *Harness) Mem() *memory.GuestMemory { return h.mem }

// Features are the negotiated feature bits.
func (h *Harness) Features() uint64 { return h.features }

// Queue returns queue q as mapped at activation.
func (h *Harness) Queue(q uint16) (*virtio.Queue, error) {
	if int(q) >= len(h.queues) || h.queues[q] == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadQueue, q)
	}

	return h.queues[q], nil
}

// SignalUsed asks the core to deliver a vring interrupt for queue q.
func (h *Harness) SignalUsed(q uint16) error {
	return h.conn.Send(ctrl.MsgIRQ, ctrl.EncodeQueue(q))
}

// Send forwards a device-originated control message to the core.
func (h *Harness) Send(t ctrl.MsgType, payload []byte) error {
	return h.conn.Send(t, payload)
}

// Run processes control messages until the core shuts the channel down.
// The first message out is a hello so the core can tell the process came
// up before any device work happens.
func (h *Harness) Run() error {
	defer h.dev.Close()
	defer h.release()

	if err := h.conn.Send(ctrl.MsgHello, nil); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	for {
		t, payload, fd, err := h.conn.Recv()
		if errors.Is(err, io.EOF) {
			h.logger.Info("control channel closed, exiting")

			return nil
		}

		if err != nil {
			return fmt.Errorf("control channel: %w", err)
		}

		switch t {
		case ctrl.MsgAssign:
			err = h.assign(payload, fd)
		case ctrl.MsgKick:
			err = h.kick(payload)
		case ctrl.MsgReset:
			h.reset()
		case ctrl.MsgShutdown:
			h.logger.Info("shutdown requested")

			return nil
		default:
			err = h.dev.HandleMsg(t, payload)
		}

		if err != nil {
			return fmt.Errorf("%s: %w", h.dev.Name(), err)
		}
	}
}

func (h *Harness) assign(payload []byte, fd int) error {
	a, err := ctrl.DecodeAssign(payload)
	if err != nil {
		return err
	}

	if fd < 0 {
		return errors.New("assignment without memory fd")
	}

	mem, err := memory.FromFd(fd, a.MemAddr, a.MemSize)
	if err != nil {
		unix.Close(fd)

		return fmt.Errorf("map guest memory: %w", err)
	}

	h.release()
	h.mem = mem
	h.features = a.Features
	h.queues = make([]*virtio.Queue, len(a.Queues))

	for i, cfg := range a.Queues {
		if !cfg.Ready {
			continue
		}

		q, err := virtio.NewQueue(mem, cfg)
		if err != nil {
			return fmt.Errorf("queue %d: %w", i, err)
		}

		h.queues[i] = q
	}

	if err := h.dev.Activate(h); err != nil {
		if errors.Is(err, ErrDisabled) {
			h.logger.WithError(err).Warn("device degraded")

			return h.conn.Send(ctrl.MsgDisabled, nil)
		}

		return fmt.Errorf("activate: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"device": a.DeviceID,
		"queues": len(a.Queues),
	}).Info("activated")

	return h.conn.Send(ctrl.MsgReady, nil)
}

func (h *Harness) kick(payload []byte) error {
	q, err := ctrl.DecodeQueue(payload)
	if err != nil {
		return err
	}

	// The guest controls when notifies arrive: one before assignment or
	// aimed at a queue that was never made ready is dropped, not fatal.
	if h.mem == nil {
		h.logger.WithField("queue", q).Warn("kick before assignment, dropped")

		return nil
	}

	if int(q) >= len(h.queues) || h.queues[q] == nil {
		h.logger.WithField("queue", q).Warn("kick for unready queue, dropped")

		return nil
	}

	return h.dev.HandleKick(q)
}

func (h *Harness) reset() {
	h.dev.Reset()

	for _, q := range h.queues {
		if q != nil {
			q.Reset()
		}
	}
}

func (h *Harness) release() {
	if h.mem != nil {
		h.mem.Close()
		h.mem = nil
	}

	h.queues = nil
}

// DrainQueue pops every available chain on q, passes it to handle, and
// publishes the used entry. Malformed chains are completed with length zero
// so the ring keeps moving.
func (h *Harness) DrainQueue(q uint16, handle func(*virtio.DescChain) uint32) error {
	queue, err := h.Queue(q)
	if err != nil {
		return err
	}

	pushed := false

	for {
		avail, err := queue.Available()
		if err != nil {
			return err
		}

		if !avail {
			break
		}

		chain, err := queue.Pop()
		if errors.Is(err, virtio.ErrMalformedDescriptor) {
			h.logger.WithError(err).Warn("dropping malformed chain")

			if err := queue.PushUsed(chain.Head, 0); err != nil {
				return err
			}

			pushed = true

			continue
		}

		if err != nil {
			return err
		}

		written := handle(chain)

		if err := queue.PushUsed(chain.Head, written); err != nil {
			return err
		}

		pushed = true
	}

	if pushed {
		return h.SignalUsed(q)
	}

	return nil
}
