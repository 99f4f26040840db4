// Package machine is the VMM core: it owns guest memory and the vCPUs,
// dispatches trapped I/O and MMIO to device backends, and drives the guest
// lifecycle from creation to teardown.
//
// Device backends run in their own processes (see backend and ctrl); the
// machine only ever touches them through their control channels, so a
// misbehaving backend degrades one device instead of the whole guest.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/display"
	"github.com/WenyuanLau/stratovirt/hv"
	"github.com/WenyuanLau/stratovirt/input"
	"github.com/WenyuanLau/stratovirt/memory"
	"github.com/WenyuanLau/stratovirt/metrics"
	"github.com/WenyuanLau/stratovirt/serial"
	"github.com/WenyuanLau/stratovirt/sysbus"
	"github.com/WenyuanLau/stratovirt/virtio"
)

// Guest physical layout of the mmio device windows.
const (
	MMIOBase = 0x0a00_0000
	firstIRQ = 5
)

// Timeouts for backend startup and shutdown drain.
const (
	DefaultStartTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// TrapPolicy decides what an access to an unregistered address does.
type TrapPolicy int

const (
	// TrapFatal kills the guest on an unhandled trap.
	TrapFatal TrapPolicy = iota
	// TrapIgnore injects a no-op: reads return zero, writes vanish.
	TrapIgnore
)

// Config assembles a machine.
type Config struct {
	MemSize uint64
	VCPUs   int
	Devices []DeviceConfig

	TrapPolicy      TrapPolicy
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration

	// SerialOut receives guest console output; nil disables the UART.
	SerialOut io.Writer

	// TraceEvery disassembles one guest instruction every N exits when
	// the hypervisor exposes registers. Zero disables tracing.
	TraceEvery int
}

// Machine is one guest instance.
type Machine struct {
	cfg    Config
	vm     hv.VM
	mem    *memory.GuestMemory
	bus    *sysbus.Bus
	hub    *display.Hub
	serial *serial.Serial
	logger *logrus.Entry

	devices []*Device
	vcpus   []hv.VCPU

	lifecycle lifecycle
	gate      pauseGate

	runCtx    context.Context
	runCancel context.CancelFunc
	runGroup  *errgroup.Group

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a machine on the given hypervisor: guest RAM is allocated and
// mapped, devices are launched through the launcher and attached to the
// system bus, vCPUs are created. The machine is in StateCreated; nothing
// runs until Start.
func New(vm hv.VM, cfg Config, launcher Launcher) (*Machine, error) {
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 1
	}

	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	mem, err := memory.New(cfg.MemSize)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:    cfg,
		vm:     vm,
		mem:    mem,
		bus:    sysbus.New(),
		hub:    display.NewHub(),
		logger: logrus.WithField("component", "machine"),
	}

	for _, r := range mem.Regions() {
		if err := vm.MapRegion(r.GuestAddr, r.Bytes()); err != nil {
			mem.Close()

			return nil, fmt.Errorf("map guest memory: %w", err)
		}
	}

	if cfg.SerialOut != nil {
		m.serial = serial.New(cfg.SerialOut, func() {
			if err := vm.PulseIRQ(serial.IRQ); err != nil {
				m.logger.WithError(err).Warn("serial interrupt failed")
			}
		})
	}

	for i, dc := range cfg.Devices {
		if err := m.attach(i, dc, launcher); err != nil {
			m.teardownDevices()
			mem.Close()

			return nil, err
		}
	}

	for i := 0; i < cfg.VCPUs; i++ {
		vcpu, err := vm.CreateVCPU(i)
		if err != nil {
			m.teardownDevices()
			mem.Close()

			return nil, fmt.Errorf("create vcpu %d: %w", i, err)
		}

		m.vcpus = append(m.vcpus, vcpu)
	}

	return m, nil
}

// attach launches one backend and puts its mmio window on the bus.
func (m *Machine) attach(index int, dc DeviceConfig, launcher Launcher) error {
	conn, handle, err := launcher.Launch(dc.Name)
	if err != nil {
		return fmt.Errorf("launch %s: %w", dc.Name, err)
	}

	dev := &Device{
		name:   dc.Name,
		id:     dc.DeviceID,
		base:   MMIOBase + uint64(index)*virtio.MMIORegionSize,
		irq:    firstIRQ + uint32(index),
		conn:   conn,
		handle: handle,
		logger: m.logger.WithField("device", dc.Name),
		m:      m,
		hello:  make(chan struct{}),
		gone:   make(chan struct{}),
	}

	mmio := virtio.NewMMIODevice(dc.DeviceID, dc.Features, dc.NumQueues, dc.ConfigSpace)

	mmio.OnNotify = func(queue uint16) {
		metrics.QueueKicks.WithLabelValues(dev.name).Inc()
		dev.send(ctrl.MsgKick, ctrl.EncodeQueue(queue))
	}

	mmio.OnActivate = func(features uint64, queues []virtio.QueueConfig) error {
		assign := &ctrl.Assign{
			DeviceID: dev.id,
			Features: features,
			MemAddr:  m.mem.Regions()[0].GuestAddr,
			MemSize:  m.mem.Size(),
			Queues:   queues,
		}

		return conn.SendAssign(assign, m.mem.Regions()[0].Fd())
	}

	mmio.OnReset = func() {
		dev.send(ctrl.MsgReset, nil)
	}

	dev.mmio = mmio

	if err := m.bus.Register(dc.Name, dev.base, virtio.MMIORegionSize, dev); err != nil {
		conn.Close()

		return err
	}

	m.devices = append(m.devices, dev)

	go dev.monitor()

	return nil
}

// Mem is the guest address space.
func (m *Machine) Mem() *memory.GuestMemory { return m.mem }

// Hub is the committed-frame stream the remote display service consumes.
func (m *Machine) Hub() *display.Hub { return m.hub }

// Serial is the guest console UART, nil when not configured.
func (m *Machine) Serial() *serial.Serial { return m.serial }

// State reports the lifecycle position.
func (m *Machine) State() State { return m.lifecycle.current() }

// Devices lists the attached devices.
func (m *Machine) Devices() []*Device { return m.devices }

// Device looks up an attached device by name.
func (m *Machine) Device(name string) *Device {
	for _, d := range m.devices {
		if d.name == name {
			return d
		}
	}

	return nil
}

// InjectInput forwards an event burst to the input device, if one is
// attached and alive.
func (m *Machine) InjectInput(events []virtio.InputEvent) {
	for _, d := range m.devices {
		if d.id != virtio.DeviceIDInput {
			continue
		}

		d.send(ctrl.MsgInput, input.EncodeEvents(events))

		return
	}
}

// Start waits for every backend to report in, then moves to Running and
// launches the vCPU loops.
func (m *Machine) Start(ctx context.Context) error {
	cancel := make(chan struct{})
	timer := time.AfterFunc(m.cfg.StartTimeout, func() { close(cancel) })

	defer timer.Stop()

	for _, d := range m.devices {
		if err := d.awaitHello(cancel); err != nil {
			return err
		}
	}

	if err := m.lifecycle.to(StateRunning); err != nil {
		return err
	}

	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.runGroup, _ = errgroup.WithContext(m.runCtx)

	for _, vcpu := range m.vcpus {
		vcpu := vcpu
		m.runGroup.Go(func() error {
			return m.runVCPU(vcpu)
		})
	}

	m.logger.WithFields(logrus.Fields{
		"vcpus":   len(m.vcpus),
		"devices": len(m.devices),
		"memory":  m.cfg.MemSize,
	}).Info("machine running")

	return nil
}

// Pause stops exit dispatch at the next instruction boundary: in-flight
// device transactions complete before Pause returns.
func (m *Machine) Pause() error {
	if err := m.lifecycle.to(StatePaused); err != nil {
		return err
	}

	m.gate.pause()
	m.logger.Info("machine paused")

	return nil
}

// Resume continues a paused machine.
func (m *Machine) Resume() error {
	if err := m.lifecycle.to(StateRunning); err != nil {
		return err
	}

	m.gate.resume()
	m.logger.Info("machine resumed")

	return nil
}

// Wait blocks until the vCPU loops stop.
func (m *Machine) Wait() error {
	if m.runGroup == nil {
		return nil
	}

	return m.runGroup.Wait()
}

// Shutdown is reachable from any non-terminal state. It stops the vCPUs,
// asks every backend to drain within the configured timeout, and releases
// guest memory. Safe to call more than once.
func (m *Machine) Shutdown() error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown()
	})

	return m.shutdownErr
}

func (m *Machine) shutdown() error {
	if err := m.lifecycle.to(StateShuttingDown); err != nil {
		return err
	}

	m.logger.Info("shutting down")

	// Paused vCPU loops must drain too.
	m.gate.resume()

	if m.runCancel != nil {
		m.runCancel()
	}

	// A vCPU blocked inside the hypervisor never observes the cancelled
	// context on its own.
	for _, vcpu := range m.vcpus {
		if intr, ok := vcpu.(hv.Interrupter); ok {
			intr.Interrupt()
		}
	}

	var errs *multierror.Error

	if err := m.vm.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if m.runGroup != nil {
		joined := make(chan error, 1)

		go func() { joined <- m.runGroup.Wait() }()

		select {
		case err := <-joined:
			if err != nil {
				errs = multierror.Append(errs, err)
			}
		case <-time.After(m.cfg.ShutdownTimeout):
			errs = multierror.Append(errs, errors.New("vcpu threads did not stop"))
		}
	}

	for _, d := range m.devices {
		if err := m.stopDevice(d); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	m.hub.Close()

	if err := m.mem.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := m.lifecycle.to(StateTerminated); err != nil {
		errs = multierror.Append(errs, err)
	}

	m.logger.Info("terminated")

	return errs.ErrorOrNil()
}

// stopDevice asks the backend to exit and waits out the drain timeout
// before killing it.
func (m *Machine) stopDevice(d *Device) error {
	d.send(ctrl.MsgShutdown, nil)
	d.conn.Close()

	done := make(chan error, 1)

	go func() { done <- d.handle.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(m.cfg.ShutdownTimeout):
		if err := d.handle.Kill(); err != nil {
			return fmt.Errorf("drain timeout, kill failed: %w", err)
		}

		return fmt.Errorf("drain timeout, backend killed")
	}
}

func (m *Machine) teardownDevices() {
	for _, d := range m.devices {
		d.conn.Close()

		if d.handle != nil {
			_ = d.handle.Kill()
		}
	}
}

// runVCPU is one vCPU's loop: run the guest until it exits, dispatch the
// exit, repeat. Dispatch happens inside the pause gate so a pause lands
// between instructions with no backend mid-transaction.
func (m *Machine) runVCPU(vcpu hv.VCPU) error {
	// Pin the run loop to one OS thread; KVM expects KVM_RUN to stay on it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tracer := newTracer(m, vcpu)

	for {
		select {
		case <-m.runCtx.Done():
			return nil
		default:
		}

		exit, err := vcpu.Run()
		if err != nil {
			m.logger.WithError(err).WithField("vcpu", vcpu.ID()).Error("run failed")

			return err
		}

		tracer.tick()

		m.gate.enter()
		stop, err := m.handleExit(vcpu, exit)
		m.gate.leave()

		if err != nil {
			return err
		}

		if stop {
			return nil
		}
	}
}

func (m *Machine) handleExit(vcpu hv.VCPU, exit *hv.Exit) (stop bool, err error) {
	metrics.VMExits.WithLabelValues(exitLabel(exit.Reason)).Inc()

	switch exit.Reason {
	case hv.ExitMMIORead:
		return false, m.mmio(exit.Addr, exit.Data, false)
	case hv.ExitMMIOWrite:
		return false, m.mmio(exit.Addr, exit.Data, true)
	case hv.ExitIOIn, hv.ExitIOOut:
		return false, m.portIO(exit)
	case hv.ExitHalt:
		return false, nil
	case hv.ExitIntr, hv.ExitUnknown:
		return false, nil
	case hv.ExitShutdown:
		m.logger.WithField("vcpu", vcpu.ID()).Info("vcpu stopped")

		return true, nil
	default:
		return true, fmt.Errorf("unhandled exit reason %d", exit.Reason)
	}
}

func (m *Machine) mmio(addr uint64, data []byte, write bool) error {
	var err error

	if write {
		err = m.bus.Write(addr, data)
	} else {
		err = m.bus.Read(addr, data)
	}

	return m.applyTrapPolicy(addr, data, write, err)
}

func (m *Machine) portIO(exit *hv.Exit) error {
	if m.serial != nil &&
		exit.Port >= serial.COM1Addr && exit.Port < serial.COM1Addr+serial.PortCount {
		if exit.Reason == hv.ExitIOIn {
			return m.serial.In(exit.Port, exit.Data)
		}

		return m.serial.Out(exit.Port, exit.Data)
	}

	return m.applyTrapPolicy(exit.Port, exit.Data, exit.Reason == hv.ExitIOOut, sysbus.ErrUnhandledTrap)
}

// applyTrapPolicy resolves an unhandled access per configuration: fatal to
// the guest, or a no-op whose reads return zero.
func (m *Machine) applyTrapPolicy(addr uint64, data []byte, write bool, err error) error {
	if err == nil {
		return nil
	}

	if !errors.Is(err, sysbus.ErrUnhandledTrap) {
		return err
	}

	if m.cfg.TrapPolicy == TrapFatal {
		return fmt.Errorf("%w: %#x", sysbus.ErrUnhandledTrap, addr)
	}

	if !write {
		for i := range data {
			data[i] = 0
		}
	}

	m.logger.WithFields(logrus.Fields{
		"addr":  fmt.Sprintf("%#x", addr),
		"write": write,
	}).Debug("ignored unhandled trap")

	return nil
}

func exitLabel(r hv.ExitReason) string {
	switch r {
	case hv.ExitMMIORead:
		return "mmio_read"
	case hv.ExitMMIOWrite:
		return "mmio_write"
	case hv.ExitIOIn:
		return "io_in"
	case hv.ExitIOOut:
		return "io_out"
	case hv.ExitHalt:
		return "halt"
	case hv.ExitShutdown:
		return "shutdown"
	case hv.ExitIntr:
		return "intr"
	default:
		return "unknown"
	}
}

// pauseGate blocks exit dispatch while the machine is paused and lets
// Pause wait for in-flight dispatch to finish.
type pauseGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	inflight int
}

func (g *pauseGate) init() {
	if g.cond == nil {
		g.cond = sync.NewCond(&g.mu)
	}
}

func (g *pauseGate) enter() {
	g.mu.Lock()
	g.init()

	for g.paused {
		g.cond.Wait()
	}

	g.inflight++
	g.mu.Unlock()
}

func (g *pauseGate) leave() {
	g.mu.Lock()
	g.init()
	g.inflight--
	g.cond.Broadcast()
	g.mu.Unlock()
}

// pause returns once no dispatch is in flight.
func (g *pauseGate) pause() {
	g.mu.Lock()
	g.init()
	g.paused = true

	for g.inflight > 0 {
		g.cond.Wait()
	}

	g.mu.Unlock()
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	g.init()
	g.paused = false
	g.cond.Broadcast()
	g.mu.Unlock()
}
