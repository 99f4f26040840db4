package hv

import (
	"fmt"
	"sync"
)

// Fake is an in-process VM used by the module tests. The test plays the
// guest: it injects MMIO and port accesses, which the machine's run loop
// receives as ordinary exits, and it observes injected interrupts.
type Fake struct {
	mu      sync.Mutex
	vcpus   map[int]*FakeVCPU
	regions map[uint64][]byte
	closed  bool

	irqs chan uint32
}

func NewFake() *Fake {
	return &Fake{
		vcpus:   make(map[int]*FakeVCPU),
		regions: make(map[uint64][]byte),
		irqs:    make(chan uint32, 256),
	}
}

func (f *Fake) MapRegion(guestAddr uint64, host []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrVMClosed
	}

	f.regions[guestAddr] = host

	return nil
}

// MappedRegions returns the guest addresses handed to MapRegion.
func (f *Fake) MappedRegions() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]uint64, 0, len(f.regions))
	for addr := range f.regions {
		out = append(out, addr)
	}

	return out
}

func (f *Fake) CreateVCPU(id int) (VCPU, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrVMClosed
	}

	v := &FakeVCPU{
		id:     id,
		queue:  make(chan fakeExit),
		closed: make(chan struct{}),
	}

	f.vcpus[id] = v

	return v, nil
}

func (f *Fake) PulseIRQ(line uint32) error {
	select {
	case f.irqs <- line:
	default:
	}

	return nil
}

// IRQs observes the interrupt lines the machine pulsed.
func (f *Fake) IRQs() <-chan uint32 { return f.irqs }

// Close makes every vCPU report ExitShutdown.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true

	for _, v := range f.vcpus {
		v.shutdown()
	}

	return nil
}

func (f *Fake) vcpu(id int) (*FakeVCPU, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.vcpus[id]
	if !ok {
		return nil, fmt.Errorf("fake vcpu %d not created", id)
	}

	return v, nil
}

// MMIOWrite injects a guest store on vCPU 0 and returns once the machine
// has dispatched it (the vCPU re-entered Run).
func (f *Fake) MMIOWrite(addr uint64, data []byte) error {
	return f.inject(&Exit{Reason: ExitMMIOWrite, Addr: addr, Data: data})
}

// MMIORead injects a guest load on vCPU 0; data holds the device's answer
// when it returns.
func (f *Fake) MMIORead(addr uint64, data []byte) error {
	return f.inject(&Exit{Reason: ExitMMIORead, Addr: addr, Data: data})
}

// IOOut injects a port write on vCPU 0.
func (f *Fake) IOOut(port uint64, data []byte) error {
	return f.inject(&Exit{Reason: ExitIOOut, Port: port, Data: data})
}

// Halt makes vCPU 0's next exit a halt.
func (f *Fake) Halt() error {
	return f.inject(&Exit{Reason: ExitHalt})
}

func (f *Fake) inject(exit *Exit) error {
	v, err := f.vcpu(0)
	if err != nil {
		return err
	}

	return v.inject(exit)
}

type fakeExit struct {
	exit *Exit
	done chan struct{}
}

// FakeVCPU delivers injected exits to the machine's run loop. Run blocks
// until the test injects an access, and completing the previous exit is
// signalled by the loop calling Run again.
type FakeVCPU struct {
	id int

	queue   chan fakeExit
	pending *fakeExit

	closeOnce sync.Once
	closed    chan struct{}
}

func (v *FakeVCPU) ID() int { return v.id }

func (v *FakeVCPU) Run() (*Exit, error) {
	if v.pending != nil {
		close(v.pending.done)
		v.pending = nil
	}

	select {
	case fe := <-v.queue:
		v.pending = &fe

		return fe.exit, nil
	case <-v.closed:
		return &Exit{Reason: ExitShutdown}, nil
	}
}

func (v *FakeVCPU) inject(exit *Exit) error {
	fe := fakeExit{exit: exit, done: make(chan struct{})}

	select {
	case v.queue <- fe:
	case <-v.closed:
		return ErrVMClosed
	}

	select {
	case <-fe.done:
		return nil
	case <-v.closed:
		return ErrVMClosed
	}
}

func (v *FakeVCPU) shutdown() {
	v.closeOnce.Do(func() { close(v.closed) })
}
