package virtio

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/WenyuanLau/stratovirt/memory"
)

// DriverRing drives the guest side of one split ring. The module tests use
// it in place of a real guest driver: it lays the three tables out in guest
// memory, publishes descriptor chains, and polls the used ring the way the
// driver would.
type DriverRing struct {
	mem  *memory.GuestMemory
	size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	nextDesc uint16
	availIdx uint16
	lastUsed uint16
}

// DriverBuf describes one buffer of a chain to publish.
type DriverBuf struct {
	Addr  uint64
	Len   uint32
	Write bool
}

// UsedElem is one entry read back from the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// NewDriverRing lays out a ring of the given size at base and zeroes it.
func NewDriverRing(mem *memory.GuestMemory, base uint64, size uint16) (*DriverRing, error) {
	if base%16 != 0 {
		return nil, fmt.Errorf("%w: ring base %#x", ErrBadQueueConfig, base)
	}

	n := uint64(size)
	descAddr := base
	availAddr := descAddr + n*descSize
	usedAddr := align4(availAddr + ringHdrSize + n*2 + 2)

	total := usedAddr + ringHdrSize + n*usedElemSize + 2 - base

	b, err := mem.Translate(base, total)
	if err != nil {
		return nil, err
	}

	for i := range b {
		b[i] = 0
	}

	return &DriverRing{
		mem:       mem,
		size:      size,
		descAddr:  descAddr,
		availAddr: availAddr,
		usedAddr:  usedAddr,
	}, nil
}

func align4(v uint64) uint64 { return (v + 3) &^ 3 }

// Config returns the geometry as the driver would program it, ready.
func (r *DriverRing) Config() QueueConfig {
	return QueueConfig{
		MaxSize:   MaxQueueSize,
		Size:      r.size,
		DescAddr:  r.descAddr,
		AvailAddr: r.availAddr,
		UsedAddr:  r.usedAddr,
		Ready:     true,
	}
}

// WriteDesc fills descriptor slot i directly; malformed-chain tests use it
// to build rings PushChain would refuse to.
func (r *DriverRing) WriteDesc(i uint16, addr uint64, length uint32, flags, next uint16) error {
	b, err := r.mem.Translate(r.descAddr+descSize*uint64(i), descSize)
	if err != nil {
		return err
	}

	putLE64(b[0:8], addr)
	putLE32(b[8:12], length)
	putLE16(b[12:14], flags)
	putLE16(b[14:16], next)

	return nil
}

// PushHead publishes an already-written chain head on the available ring.
func (r *DriverRing) PushHead(head uint16) error {
	slot := r.availAddr + ringHdrSize + 2*uint64(r.availIdx%r.size)
	if err := r.mem.WriteUint16(slot, head); err != nil {
		return err
	}

	r.availIdx++

	return r.storeAvailIdx()
}

// PushChain writes bufs as a linked chain in consecutive descriptor slots
// and publishes it. It returns the head index.
func (r *DriverRing) PushChain(bufs ...DriverBuf) (uint16, error) {
	if len(bufs) == 0 || len(bufs) > int(r.size) {
		return 0, fmt.Errorf("%w: chain of %d buffers", ErrBadQueueConfig, len(bufs))
	}

	head := r.nextDesc % r.size

	for i, buf := range bufs {
		idx := (head + uint16(i)) % r.size

		var flags uint16

		if buf.Write {
			flags |= DescFWrite
		}

		next := uint16(0)
		if i < len(bufs)-1 {
			flags |= DescFNext
			next = (idx + 1) % r.size
		}

		if err := r.WriteDesc(idx, buf.Addr, buf.Len, flags, next); err != nil {
			return 0, err
		}
	}

	r.nextDesc += uint16(len(bufs))

	return head, r.PushHead(head)
}

// storeAvailIdx publishes the shadow index with a release store, after the
// descriptor and ring-entry writes.
func (r *DriverRing) storeAvailIdx() error {
	b, err := r.mem.Translate(r.availAddr, 4)
	if err != nil {
		return err
	}

	w := (*uint32)(unsafe.Pointer(&b[0]))
	flags := uint16(atomic.LoadUint32(w))
	atomic.StoreUint32(w, uint32(flags)|uint32(r.availIdx)<<16)

	return nil
}

// PollUsed consumes one used-ring entry if the device published any.
func (r *DriverRing) PollUsed() (*UsedElem, error) {
	b, err := r.mem.Translate(r.usedAddr, 4)
	if err != nil {
		return nil, err
	}

	idx := uint16(atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0]))) >> 16)
	if idx == r.lastUsed {
		return nil, nil
	}

	elem := r.usedAddr + ringHdrSize + usedElemSize*uint64(r.lastUsed%r.size)

	id, err := r.mem.ReadUint32(elem)
	if err != nil {
		return nil, err
	}

	length, err := r.mem.ReadUint32(elem + 4)
	if err != nil {
		return nil, err
	}

	r.lastUsed++

	return &UsedElem{ID: id, Len: length}, nil
}

// UsedIdx reads the device-published used index.
func (r *DriverRing) UsedIdx() (uint16, error) {
	b, err := r.mem.Translate(r.usedAddr, 4)
	if err != nil {
		return 0, err
	}

	return uint16(atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0]))) >> 16), nil
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE64(b []byte, v uint64) {
	putLE32(b[0:4], uint32(v))
	putLE32(b[4:8], uint32(v>>32))
}
