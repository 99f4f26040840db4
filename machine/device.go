package machine

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/metrics"
	"github.com/WenyuanLau/stratovirt/virtio"
)

// DeviceState is where a device sits between launch and removal.
type DeviceState int

const (
	// DevicePending: the backend is launched but has not said hello.
	DevicePending DeviceState = iota
	// DeviceUp: the backend process answered; the guest may negotiate.
	DeviceUp
	// DeviceReady: negotiation finished, the backend services queues.
	DeviceReady
	// DeviceDisabled: the backend lost its host resource; the device
	// stays visible but performs no I/O.
	DeviceDisabled
	// DeviceRemoved: the backend crashed or left; register reads go
	// dead, writes are dropped.
	DeviceRemoved
)

func (s DeviceState) String() string {
	switch s {
	case DevicePending:
		return "pending"
	case DeviceUp:
		return "up"
	case DeviceReady:
		return "ready"
	case DeviceDisabled:
		return "disabled"
	case DeviceRemoved:
		return "removed"
	default:
		return fmt.Sprintf("devicestate(%d)", int(s))
	}
}

// DeviceConfig describes one virtio device to attach.
type DeviceConfig struct {
	Name        string
	DeviceID    uint32
	Features    uint64
	NumQueues   int
	ConfigSpace []byte
}

// Device is one attached virtio-mmio device and the supervision state of
// its backend process.
type Device struct {
	name   string
	id     uint32
	base   uint64
	irq    uint32
	mmio   *virtio.MMIODevice
	conn   *ctrl.Conn
	handle Handle
	logger *logrus.Entry

	m *Machine

	mu    sync.Mutex
	state DeviceState

	hello chan struct{}
	gone  chan struct{}
}

// Name is the device's configured name.
func (d *Device) Name() string { return d.name }

// Base is the device's mmio window base address.
func (d *Device) Base() uint64 { return d.base }

// IRQ is the interrupt line assigned to the device.
func (d *Device) IRQ() uint32 { return d.irq }

// State reports the supervision state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = s
}

// Read implements sysbus.Device. A removed device reads as dead silicon.
func (d *Device) Read(offset uint64, data []byte) error {
	if d.State() == DeviceRemoved {
		for i := range data {
			data[i] = 0
		}

		return nil
	}

	return d.mmio.Read(offset, data)
}

// Write implements sysbus.Device.
func (d *Device) Write(offset uint64, data []byte) error {
	if d.State() == DeviceRemoved {
		return nil
	}

	return d.mmio.Write(offset, data)
}

// monitor consumes backend-originated control messages until the channel
// closes. A closing channel is the crash signal: the device transitions to
// removed and the rest of the machine keeps running.
func (d *Device) monitor() {
	defer close(d.gone)

	for {
		t, payload, fd, err := d.conn.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				d.logger.WithError(err).Warn("control channel error")
			}

			d.crashed()

			return
		}

		if fd >= 0 {
			// No backend-to-core message carries an fd. Close it so a
			// misbehaving backend cannot exhaust the fd table.
			d.logger.Warn("unexpected fd from backend")
			_ = unix.Close(fd)
		}

		switch t {
		case ctrl.MsgHello:
			if d.State() == DevicePending {
				d.setState(DeviceUp)
				close(d.hello)
			}
		case ctrl.MsgReady:
			d.setState(DeviceReady)
			d.logger.Info("device ready")
		case ctrl.MsgDisabled:
			d.setState(DeviceDisabled)
			d.logger.Warn("device disabled")
		case ctrl.MsgRemoved:
			d.setState(DeviceRemoved)
			d.logger.Warn("device removed by backend")
		case ctrl.MsgIRQ:
			if _, err := ctrl.DecodeQueue(payload); err != nil {
				d.logger.WithError(err).Warn("bad interrupt request")

				continue
			}

			d.mmio.SignalVring()

			if err := d.m.vm.PulseIRQ(d.irq); err != nil {
				d.logger.WithError(err).Warn("interrupt injection failed")
			}
		case ctrl.MsgSurface:
			u, err := ctrl.DecodeSurfaceUpdate(payload)
			if err != nil {
				d.logger.WithError(err).Warn("bad surface update")

				continue
			}

			d.m.hub.Apply(u)
		default:
			d.logger.WithField("type", t).Warn("unexpected control message")
		}
	}
}

func (d *Device) crashed() {
	if d.State() == DeviceRemoved {
		return
	}

	if d.m.lifecycle.current() == StateShuttingDown ||
		d.m.lifecycle.current() == StateTerminated {
		return
	}

	d.setState(DeviceRemoved)
	metrics.BackendCrashes.WithLabelValues(d.name).Inc()
	d.logger.Warn("backend exited, device removed")
}

// send forwards a core-originated message, dropping it if the backend is
// gone.
func (d *Device) send(t ctrl.MsgType, payload []byte) {
	if d.State() == DeviceRemoved {
		return
	}

	if err := d.conn.Send(t, payload); err != nil {
		d.logger.WithError(err).Warn("control send failed")
	}
}

// AwaitHello blocks until the backend process reported in.
func (d *Device) awaitHello(cancel <-chan struct{}) error {
	select {
	case <-d.hello:
		return nil
	case <-d.gone:
		return fmt.Errorf("backend %s exited before hello", d.name)
	case <-cancel:
		return fmt.Errorf("backend %s did not report in", d.name)
	}
}
