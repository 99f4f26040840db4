// Package hv is the narrow surface the VMM core consumes from the host
// virtualization API: map guest memory, create vCPUs, run until exit,
// inject interrupts. The kvm package provides the Linux implementation;
// Fake provides an in-process one for tests.
package hv

import "errors"

// ErrVMClosed is returned by operations on a VM that has been closed.
var ErrVMClosed = errors.New("hypervisor vm closed")

// ExitReason classifies why a vCPU stopped executing guest code.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	// ExitMMIORead: the guest loads from Addr; the handler fills Data
	// before the next Run resumes the guest.
	ExitMMIORead
	// ExitMMIOWrite: the guest stored Data at Addr.
	ExitMMIOWrite
	// ExitIOIn / ExitIOOut: port I/O, used by the serial console.
	ExitIOIn
	ExitIOOut
	// ExitHalt: the guest executed a halt.
	ExitHalt
	// ExitShutdown: the guest or the hypervisor requested teardown.
	ExitShutdown
	// ExitIntr: the run was interrupted by a host signal; resume.
	ExitIntr
)

// Exit describes one intercepted guest access. Data aliases the hypervisor
// run structure: for reads the handler writes the result into it before
// resuming.
type Exit struct {
	Reason ExitReason

	// Addr is the guest physical address for MMIO exits.
	Addr uint64
	// Port is the I/O port for port exits.
	Port uint64
	// Data is the access payload, sized to the access width.
	Data []byte
}

// VCPU is one virtual CPU execution context. Run must be called from a
// single goroutine.
type VCPU interface {
	ID() int
	// Run executes guest code until the next exit.
	Run() (*Exit, error)
}

// Regs is the subset of the architectural register file exposed for
// diagnostics.
type Regs struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
}

// RegReader is implemented by vCPUs that can expose registers. The fake
// hypervisor does not.
type RegReader interface {
	Regs() (Regs, error)
}

// Interrupter is implemented by vCPUs whose Run can be forced to return
// early from another goroutine, for shutdown.
type Interrupter interface {
	Interrupt()
}

// VM is one guest instance.
type VM interface {
	// MapRegion backs [guestAddr, guestAddr+len(host)) with host memory.
	MapRegion(guestAddr uint64, host []byte) error
	CreateVCPU(id int) (VCPU, error)
	// PulseIRQ asserts and deasserts a level-triggered interrupt line.
	PulseIRQ(line uint32) error
	Close() error
}
