// Package kvm implements the hv interface on the Linux KVM API. Only the
// operations the machine consumes are bound: create vm/vcpu, map user
// memory, run until exit, pulse an irqchip line.
package kvm

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/WenyuanLau/stratovirt/hv"
)

const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVCPUMMapSize     = 0xae04
	kvmCreateIRQChip       = 0xae60
	kvmCreateVCPU          = 0xae41
	kvmRun                 = 0xae80
	kvmIRQLine             = 0x4008ae61
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetRegs             = 0x8090ae81

	apiVersion = 12
)

// Exit reasons from the run structure.
const (
	exitUnknown  = 0
	exitIO       = 2
	exitHlt      = 5
	exitMMIO     = 6
	exitShutdown = 8
	exitIntr     = 10
)

const (
	exitIOIn  = 0
	exitIOOut = 1
)

var (
	ErrAPIVersion        = errors.New("unexpected KVM API version")
	ErrCapabilityMissing = errors.New("required KVM capability missing")
	ErrUnexpectedExit    = errors.New("unexpected KVM exit reason")
)

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)

	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// System is an open /dev/kvm handle with its capabilities verified.
type System struct {
	dev *os.File
}

// Open opens the KVM device, checks the API version and probes the
// capabilities the machine depends on.
func Open(path string) (*System, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s := &System{dev: dev}

	v, err := ioctl(dev.Fd(), kvmGetAPIVersion, 0)
	if err != nil {
		dev.Close()

		return nil, fmt.Errorf("GetAPIVersion: %w", err)
	}

	if v != apiVersion {
		dev.Close()

		return nil, fmt.Errorf("%w: %d", ErrAPIVersion, v)
	}

	if err := s.probe(); err != nil {
		dev.Close()

		return nil, err
	}

	return s, nil
}

func (s *System) Close() error {
	return s.dev.Close()
}

// NewVM creates a guest with an in-kernel irqchip.
func (s *System) NewVM() (*VM, error) {
	fd, err := ioctl(s.dev.Fd(), kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	vm := &VM{sysFd: s.dev.Fd(), fd: fd}

	if _, err := ioctl(fd, kvmCreateIRQChip, 0); err != nil {
		vm.Close()

		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}

	return vm, nil
}

type userspaceMemoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

type irqLevel struct {
	irq   uint32
	level uint32
}

// VM implements hv.VM.
type VM struct {
	sysFd uintptr
	fd    uintptr

	nextSlot uint32
}

func (vm *VM) MapRegion(guestAddr uint64, host []byte) error {
	region := &userspaceMemoryRegion{
		slot:          vm.nextSlot,
		guestPhysAddr: guestAddr,
		memorySize:    uint64(len(host)),
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}

	if _, err := ioctl(vm.fd, kvmSetUserMemoryRegion,
		uintptr(unsafe.Pointer(region))); err != nil {
		return fmt.Errorf("SetUserMemoryRegion slot %d: %w", region.slot, err)
	}

	vm.nextSlot++

	return nil
}

func (vm *VM) CreateVCPU(id int) (hv.VCPU, error) {
	fd, err := ioctl(vm.fd, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU %d: %w", id, err)
	}

	mmapSize, err := ioctl(vm.sysFd, kvmGetVCPUMMapSize, 0)
	if err != nil {
		return nil, fmt.Errorf("GetVCPUMMapSize: %w", err)
	}

	buf, err := unix.Mmap(int(fd), 0, int(mmapSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap vcpu %d run: %w", id, err)
	}

	return &VCPU{
		id:  id,
		fd:  fd,
		run: (*runData)(unsafe.Pointer(&buf[0])),
	}, nil
}

// PulseIRQ asserts then deasserts a level-triggered irqchip line.
func (vm *VM) PulseIRQ(line uint32) error {
	for _, level := range []uint32{1, 0} {
		lvl := irqLevel{irq: line, level: level}

		if _, err := ioctl(vm.fd, kvmIRQLine, uintptr(unsafe.Pointer(&lvl))); err != nil {
			return fmt.Errorf("IRQLine %d: %w", line, err)
		}
	}

	return nil
}

func (vm *VM) Close() error {
	return unix.Close(int(vm.fd))
}

// runData mirrors the fixed head of struct kvm_run plus the exit union.
type runData struct {
	requestInterruptWindow     uint8
	immediateExit              uint8
	_                          [6]uint8
	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	_                          [2]uint8
	cr8                        uint64
	apicBase                   uint64
	data                       [32]uint64
}

// mmio decodes the exit union for KVM_EXIT_MMIO:
//
//	u64 phys_addr; u8 data[8]; u32 len; u8 is_write;
func (r *runData) mmio() (addr uint64, data []byte, isWrite bool) {
	addr = r.data[0]
	length := uint32(r.data[2])
	isWrite = byte(r.data[2]>>32) != 0
	data = (*[8]byte)(unsafe.Pointer(&r.data[1]))[:length:length]

	return addr, data, isWrite
}

// io decodes the exit union for KVM_EXIT_IO:
//
//	u8 direction; u8 size; u16 port; u32 count; u64 data_offset;
func (r *runData) io() (direction, size, port, count uint64, offset uint64) {
	direction = r.data[0] & 0xff
	size = r.data[0] >> 8 & 0xff
	port = r.data[0] >> 16 & 0xffff
	count = r.data[0] >> 32
	offset = r.data[1]

	return direction, size, port, count, offset
}

// VCPU implements hv.VCPU. Run must stay on one OS thread; the machine's
// run loop locks it.
type VCPU struct {
	id  int
	fd  uintptr
	run *runData

	tid int32 // atomic, OS thread running KVM_RUN
}

func (v *VCPU) ID() int { return v.id }

// regs mirrors struct kvm_regs.
type regs struct {
	rax, rbx, rcx, rdx uint64
	rsi, rdi, rsp, rbp uint64
	r8, r9, r10, r11   uint64
	r12, r13, r14, r15 uint64
	rip, rflags        uint64
}

// Regs implements hv.RegReader for the instruction tracer.
func (v *VCPU) Regs() (hv.Regs, error) {
	var r regs

	if _, err := ioctl(v.fd, kvmGetRegs, uintptr(unsafe.Pointer(&r))); err != nil {
		return hv.Regs{}, fmt.Errorf("KVM_GET_REGS vcpu %d: %w", v.id, err)
	}

	return hv.Regs{RIP: r.rip, RSP: r.rsp, RFLAGS: r.rflags}, nil
}

func (v *VCPU) Run() (*hv.Exit, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	atomic.StoreInt32(&v.tid, int32(unix.Gettid()))

	if _, err := ioctl(v.fd, kvmRun, 0); err != nil {
		// A host signal interrupts the ioctl; the caller resumes.
		if errors.Is(err, syscall.EINTR) {
			return &hv.Exit{Reason: hv.ExitIntr}, nil
		}

		return nil, fmt.Errorf("KVM_RUN vcpu %d: %w", v.id, err)
	}

	switch v.run.exitReason {
	case exitMMIO:
		addr, data, isWrite := v.run.mmio()

		reason := hv.ExitMMIORead
		if isWrite {
			reason = hv.ExitMMIOWrite
		}

		return &hv.Exit{Reason: reason, Addr: addr, Data: data}, nil
	case exitIO:
		direction, size, port, _, offset := v.run.io()

		data := (*(*[4096]byte)(unsafe.Pointer(v.run)))[offset : offset+size]

		reason := hv.ExitIOIn
		if direction == exitIOOut {
			reason = hv.ExitIOOut
		}

		return &hv.Exit{Reason: reason, Port: port, Data: data}, nil
	case exitHlt:
		return &hv.Exit{Reason: hv.ExitHalt}, nil
	case exitShutdown:
		return &hv.Exit{Reason: hv.ExitShutdown}, nil
	case exitIntr:
		return &hv.Exit{Reason: hv.ExitIntr}, nil
	case exitUnknown:
		return &hv.Exit{Reason: hv.ExitUnknown}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedExit, v.run.exitReason)
	}
}

// Interrupt forces a running or future KVM_RUN to return with ExitIntr.
// immediate_exit makes the next entry bounce; the tgkill covers an ioctl
// already blocked in the kernel. SIGURG is always handled by the Go
// runtime, so it interrupts the syscall without further setup. Safe to
// call from any goroutine.
func (v *VCPU) Interrupt() {
	v.run.immediateExit = 1

	if tid := atomic.LoadInt32(&v.tid); tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
	}
}
