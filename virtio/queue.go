package virtio

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/WenyuanLau/stratovirt/memory"
)

// Split ring layout, guest-driver visible. Field widths and ordering are a
// structural contract with the driver:
//
//	desc[i]:  addr u64 | len u32 | flags u16 | next u16      (16 bytes)
//	avail:    flags u16 | idx u16 | ring[size] u16
//	used:     flags u16 | idx u16 | ring[size] { id u32, len u32 }
//
// All fields are little-endian.
const (
	descSize     = 16
	usedElemSize = 8
	ringHdrSize  = 4
)

// Queue is the device-side consumer of one virtqueue. It is owned by exactly
// one backend; the guest driver owns production of available entries.
type Queue struct {
	mem  *memory.GuestMemory
	size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	// lastAvail is the consumer position in the available ring. It persists
	// across Pop calls so polling is restartable.
	lastAvail uint16
	// usedIdx is the shadow of the guest-visible used index. It only grows.
	usedIdx uint16

	kick chan struct{}
}

// NewQueue checks the driver-programmed configuration and builds the
// device-side consumer. The ring size must be a non-zero power of two no
// larger than MaxQueueSize, and all three tables must be mapped and aligned
// (descriptor table to 16, avail and used rings to 4).
func NewQueue(mem *memory.GuestMemory, cfg QueueConfig) (*Queue, error) {
	if !cfg.Ready {
		return nil, ErrQueueNotReady
	}

	size := cfg.Size
	if size == 0 || size&(size-1) != 0 || size > MaxQueueSize {
		return nil, fmt.Errorf("%w: size %d", ErrBadQueueConfig, size)
	}

	if cfg.DescAddr%16 != 0 || cfg.AvailAddr%4 != 0 || cfg.UsedAddr%4 != 0 {
		return nil, fmt.Errorf("%w: misaligned ring", ErrBadQueueConfig)
	}

	// Fail queue setup, not the first I/O, if a table is not mapped.
	n := uint64(size)
	for _, t := range []struct {
		addr uint64
		len  uint64
	}{
		{cfg.DescAddr, n * descSize},
		{cfg.AvailAddr, ringHdrSize + n*2 + 2},
		{cfg.UsedAddr, ringHdrSize + n*usedElemSize + 2},
	} {
		if _, err := mem.Translate(t.addr, t.len); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadQueueConfig, err)
		}
	}

	return &Queue{
		mem:       mem,
		size:      size,
		descAddr:  cfg.DescAddr,
		availAddr: cfg.AvailAddr,
		usedAddr:  cfg.UsedAddr,
		kick:      make(chan struct{}, 1),
	}, nil
}

// Size returns the ring capacity.
func (q *Queue) Size() uint16 { return q.size }

// ringWord atomically accesses the 32-bit word holding a ring's flags and
// index fields. Both rings are 4-byte aligned (enforced in NewQueue), so the
// word sits within one translated view and the access is atomic.
func (q *Queue) ringWord(addr uint64) (*uint32, error) {
	b, err := q.mem.Translate(addr, 4)
	if err != nil {
		return nil, err
	}

	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

// availIdx reads the guest-published available index with acquire ordering.
func (q *Queue) availIdx() (uint16, error) {
	w, err := q.ringWord(q.availAddr)
	if err != nil {
		return 0, err
	}

	return uint16(atomic.LoadUint32(w) >> 16), nil
}

// Available reports whether the guest has published entries not yet consumed.
func (q *Queue) Available() (bool, error) {
	idx, err := q.availIdx()
	if err != nil {
		return false, err
	}

	return idx != q.lastAvail, nil
}

// Desc is one descriptor of a chain, resolved and bounds-checked.
type Desc struct {
	Addr  uint64
	Len   uint32
	Write bool

	buf []byte
}

// Bytes returns the host view of the descriptor's buffer. Writes are only
// meaningful for device-writable descriptors.
func (d *Desc) Bytes() []byte { return d.buf }

// DescChain is one guest transfer: the head descriptor index plus the
// resolved descriptors in chain order.
type DescChain struct {
	Head uint16
	Desc []Desc
}

// ReadLen returns the total length of the device-readable descriptors.
func (c *DescChain) ReadLen() uint32 {
	var n uint32

	for i := range c.Desc {
		if !c.Desc[i].Write {
			n += c.Desc[i].Len
		}
	}

	return n
}

// ReadAll concatenates the device-readable buffers in chain order.
func (c *DescChain) ReadAll() []byte {
	out := make([]byte, 0, c.ReadLen())

	for i := range c.Desc {
		if !c.Desc[i].Write {
			out = append(out, c.Desc[i].buf...)
		}
	}

	return out
}

// WriteBack copies p into the device-writable descriptors in chain order and
// returns the number of bytes written, which the caller passes to PushUsed.
func (c *DescChain) WriteBack(p []byte) uint32 {
	var n uint32

	for i := range c.Desc {
		if !c.Desc[i].Write || len(p) == 0 {
			continue
		}

		w := copy(c.Desc[i].buf, p)
		p = p[w:]
		n += uint32(w)
	}

	return n
}

// Pop consumes the next published entry and returns its validated chain, or
// (nil, nil) when the ring is empty. On a malformed chain the consumer index
// still advances, the head is returned so the caller can complete it with a
// zero-length used entry, and the error wraps ErrMalformedDescriptor.
func (q *Queue) Pop() (*DescChain, error) {
	idx, err := q.availIdx()
	if err != nil {
		return nil, err
	}

	if idx == q.lastAvail {
		return nil, nil
	}

	slot := q.availAddr + ringHdrSize + 2*uint64(q.lastAvail%q.size)

	head, err := q.mem.ReadUint16(slot)
	if err != nil {
		return nil, err
	}

	q.lastAvail++

	chain, err := q.walkChain(head)
	if err != nil {
		return &DescChain{Head: head}, err
	}

	return chain, nil
}

// Validate re-walks the chain starting at head without consuming anything.
// Validation of an unmodified chain is idempotent.
func (q *Queue) Validate(head uint16) error {
	_, err := q.walkChain(head)

	return err
}

func (q *Queue) walkChain(head uint16) (*DescChain, error) {
	chain := &DescChain{Head: head}

	idx := head

	for hops := uint16(0); ; hops++ {
		if idx >= q.size {
			return nil, fmt.Errorf("%w: descriptor index %d out of range", ErrMalformedDescriptor, idx)
		}

		// A chain longer than the ring necessarily revisits an index.
		if hops >= q.size {
			return nil, fmt.Errorf("%w: circular chain at head %d", ErrMalformedDescriptor, head)
		}

		addr, length, flags, next, err := q.readDesc(idx)
		if err != nil {
			return nil, err
		}

		if flags&DescFIndirect != 0 {
			return nil, fmt.Errorf("%w: indirect descriptors not negotiated", ErrMalformedDescriptor)
		}

		if length == 0 {
			return nil, fmt.Errorf("%w: zero-length descriptor %d", ErrMalformedDescriptor, idx)
		}

		buf, err := q.mem.Translate(addr, uint64(length))
		if err != nil {
			return nil, fmt.Errorf("%w: descriptor %d: %v", ErrMalformedDescriptor, idx, err)
		}

		chain.Desc = append(chain.Desc, Desc{
			Addr:  addr,
			Len:   length,
			Write: flags&DescFWrite != 0,
			buf:   buf,
		})

		if flags&DescFNext == 0 {
			return chain, nil
		}

		idx = next
	}
}

func (q *Queue) readDesc(i uint16) (addr uint64, length uint32, flags, next uint16, err error) {
	b, err := q.mem.Translate(q.descAddr+descSize*uint64(i), descSize)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	addr = le64(b[0:8])
	length = le32(b[8:12])
	flags = le16(b[12:14])
	next = le16(b[14:16])

	return addr, length, flags, next, nil
}

// PushUsed publishes a completed chain to the guest. The element write
// happens before the release store of the used index, so the guest can never
// observe the new index ahead of the element or the buffer contents.
func (q *Queue) PushUsed(head uint16, length uint32) error {
	elem := q.usedAddr + ringHdrSize + usedElemSize*uint64(q.usedIdx%q.size)

	if err := q.mem.WriteUint32(elem, uint32(head)); err != nil {
		return err
	}

	if err := q.mem.WriteUint32(elem+4, length); err != nil {
		return err
	}

	w, err := q.ringWord(q.usedAddr)
	if err != nil {
		return err
	}

	q.usedIdx++

	flags := uint16(atomic.LoadUint32(w))
	atomic.StoreUint32(w, uint32(flags)|uint32(q.usedIdx)<<16)

	return nil
}

// UsedIdx returns the shadow used index (monotonically non-decreasing modulo
// wraparound).
func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

// Kick signals the consumer that the guest published new entries. It never
// blocks; coalescing kicks is fine because Wait rechecks the ring.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Wait blocks until the ring has unconsumed entries or ctx is cancelled.
// The ring is checked before every wait, so a kick between a guest publish
// and the wait cannot be missed.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		avail, err := q.Available()
		if err != nil {
			return err
		}

		if avail {
			return nil
		}

		select {
		case <-q.kick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset rewinds both consumer and producer shadows; used on device reset.
func (q *Queue) Reset() {
	q.lastAvail = 0
	q.usedIdx = 0
}
