// Package input is the input injector backend: it turns remote display
// key and pointer events into evdev records on the guest's event queue.
package input

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/WenyuanLau/stratovirt/backend"
	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/virtio"
)

// Queue indices of the input device.
const (
	EventQueue  uint16 = 0
	StatusQueue uint16 = 1
)

// maxPending bounds buffered events while the guest is slow to supply
// receive buffers. Oldest events are dropped first.
const maxPending = 1024

// Injector is the input device. Events arrive as MsgInput control messages
// from the core and are written into guest-supplied buffers on the event
// queue, one record per buffer, each burst terminated by a SYN_REPORT.
type Injector struct {
	harness *backend.Harness
	logger  *logrus.Entry
	pending []virtio.InputEvent
	dropped uint64
}

func NewInjector() *Injector {
	return &Injector{logger: logrus.WithField("backend", "input")}
}

func (d *Injector) Name() string { return "input" }

func (d *Injector) Activate(h *backend.Harness) error {
	d.harness = h

	return nil
}

func (d *Injector) Reset() {
	d.pending = nil
}

func (d *Injector) Close() error { return nil }

func (d *Injector) HandleKick(q uint16) error {
	switch q {
	case EventQueue:
		return d.deliver()
	case StatusQueue:
		// Status buffers (keyboard LEDs) are consumed and dropped.
		return d.harness.DrainQueue(q, func(chain *virtio.DescChain) uint32 {
			return 0
		})
	default:
		return fmt.Errorf("%w: %d", backend.ErrBadQueue, q)
	}
}

func (d *Injector) HandleMsg(t ctrl.MsgType, payload []byte) error {
	if t != ctrl.MsgInput {
		return nil
	}

	for len(payload) >= virtio.InputEventSize {
		ev, _ := virtio.DecodeInputEvent(payload)
		payload = payload[virtio.InputEventSize:]

		if len(d.pending) >= maxPending {
			d.pending = d.pending[1:]
			d.dropped++

			if d.dropped%256 == 1 {
				d.logger.WithField("dropped", d.dropped).Warn("guest event queue backlogged")
			}
		}

		d.pending = append(d.pending, ev)
	}

	return d.deliver()
}

// deliver moves pending events into available event-queue buffers.
func (d *Injector) deliver() error {
	queue, err := d.harness.Queue(EventQueue)
	if err != nil {
		return err
	}

	pushed := false

	for len(d.pending) > 0 {
		chain, err := queue.Pop()
		if errors.Is(err, virtio.ErrMalformedDescriptor) {
			d.logger.WithError(err).Warn("dropping malformed event buffer")

			if err := queue.PushUsed(chain.Head, 0); err != nil {
				return err
			}

			pushed = true

			continue
		}

		if err != nil {
			return err
		}

		if chain == nil {
			break
		}

		n := chain.WriteBack(d.pending[0].Encode())
		d.pending = d.pending[1:]

		if err := queue.PushUsed(chain.Head, n); err != nil {
			return err
		}

		pushed = true
	}

	if pushed {
		return d.harness.SignalUsed(EventQueue)
	}

	return nil
}

// Key encodes a key press or release burst.
func Key(code uint16, pressed bool) []virtio.InputEvent {
	return burst(virtio.InputEvent{Type: virtio.EvKey, Code: code, Value: boolVal(pressed)})
}

// Button encodes a pointer button burst.
func Button(btn uint16, pressed bool) []virtio.InputEvent {
	return burst(virtio.InputEvent{Type: virtio.EvKey, Code: btn, Value: boolVal(pressed)})
}

// PointerAbs encodes an absolute pointer position burst.
func PointerAbs(x, y uint32) []virtio.InputEvent {
	return burst(
		virtio.InputEvent{Type: virtio.EvAbs, Code: virtio.AbsX, Value: x},
		virtio.InputEvent{Type: virtio.EvAbs, Code: virtio.AbsY, Value: y},
	)
}

// PointerRel encodes a relative pointer motion burst.
func PointerRel(dx, dy int32) []virtio.InputEvent {
	return burst(
		virtio.InputEvent{Type: virtio.EvRel, Code: virtio.RelX, Value: uint32(dx)},
		virtio.InputEvent{Type: virtio.EvRel, Code: virtio.RelY, Value: uint32(dy)},
	)
}

func burst(evs ...virtio.InputEvent) []virtio.InputEvent {
	return append(evs, virtio.InputEvent{Type: virtio.EvSyn, Code: virtio.SynReport})
}

func boolVal(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}

// EncodeEvents packs a burst into a MsgInput payload.
func EncodeEvents(evs []virtio.InputEvent) []byte {
	out := make([]byte, 0, len(evs)*virtio.InputEventSize)

	for _, ev := range evs {
		out = append(out, ev.Encode()...)
	}

	return out
}
