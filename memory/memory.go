// Package memory owns the guest physical address space. It keeps an ordered
// table of disjoint guest ranges, each backed by a host mapping, and hands out
// bounds-checked views. Every device access to guest RAM goes through
// Translate; nothing in the VMM dereferences a guest address directly.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfBounds means the range crosses a region boundary or runs past
	// the end of the region covering its start address.
	ErrOutOfBounds = errors.New("guest range out of bounds")
	// ErrUnmapped means no region covers the start address.
	ErrUnmapped = errors.New("guest address not mapped")
	// ErrOverlap means a new region intersects an existing one.
	ErrOverlap = errors.New("guest range overlaps existing region")

	errRegionSize = errors.New("region size must be a non-zero multiple of the page size")
)

const pageSize = 4096

// Region is one contiguous guest physical range and its host backing.
// RAM regions are backed by a memfd so device backends in other processes
// can map the same bytes.
type Region struct {
	GuestAddr uint64
	Size      uint64

	buf []byte
	fd  int
}

// Fd returns the backing memfd, or -1 for regions adopted from a
// caller-provided buffer.
func (r *Region) Fd() int { return r.fd }

// Bytes returns the full host view of the region.
func (r *Region) Bytes() []byte { return r.buf }

// GuestMemory is the ordered set of mapped regions. Reads are shared between
// all device backends; the region table itself only changes under the write
// lock (hot-plug, teardown).
type GuestMemory struct {
	mu      sync.RWMutex
	regions []*Region
}

// New creates an address space with a single RAM region of ramSize bytes at
// guest physical 0, backed by an anonymous memfd.
func New(ramSize uint64) (*GuestMemory, error) {
	m := &GuestMemory{}

	if _, err := m.Map(0, ramSize); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

// FromFd builds the backend-side view of an address space whose RAM fd was
// received over the control socket. Ownership of the fd transfers on
// success: Close unmaps the region and closes it.
func FromFd(fd int, guestAddr, size uint64) (*GuestMemory, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, errRegionSize
	}

	buf, err := unix.Mmap(fd, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap guest ram fd %d: %w", fd, err)
	}

	m := &GuestMemory{}
	m.regions = append(m.regions, &Region{
		GuestAddr: guestAddr,
		Size:      size,
		buf:       buf,
		fd:        fd,
	})

	return m, nil
}

// Map adds a region of size bytes at guestAddr, backed by a fresh memfd.
// Fails with ErrOverlap if the range intersects an existing region.
func (m *GuestMemory) Map(guestAddr, size uint64) (*Region, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, errRegionSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if guestAddr < r.GuestAddr+r.Size && r.GuestAddr < guestAddr+size {
			return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, guestAddr, guestAddr+size)
		}
	}

	fd, err := unix.MemfdCreate("guest-ram", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("ftruncate guest ram: %w", err)
	}

	buf, err := unix.Mmap(fd, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("mmap guest ram: %w", err)
	}

	region := &Region{
		GuestAddr: guestAddr,
		Size:      size,
		buf:       buf,
		fd:        fd,
	}

	m.regions = append(m.regions, region)
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].GuestAddr < m.regions[j].GuestAddr
	})

	return region, nil
}

// Unmap removes the region starting exactly at guestAddr. Translated slices
// taken from the region become invalid; callers must not hold views across a
// remap.
func (m *GuestMemory) Unmap(guestAddr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.regions {
		if r.GuestAddr != guestAddr {
			continue
		}

		m.regions = append(m.regions[:i], m.regions[i+1:]...)
		release(r)

		return nil
	}

	return fmt.Errorf("%w: %#x", ErrUnmapped, guestAddr)
}

// Translate resolves [addr, addr+length) to a host slice. The whole range
// must fall inside one region: a range whose start is covered but whose end
// is not fails with ErrOutOfBounds, a range whose start no region covers
// fails with ErrUnmapped. A partial view is never returned.
func (m *GuestMemory) Translate(addr, length uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.find(addr)
	if r == nil {
		return nil, fmt.Errorf("%w: %#x", ErrUnmapped, addr)
	}

	off := addr - r.GuestAddr
	if length > r.Size-off {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfBounds, addr, addr+length)
	}

	return r.buf[off : off+length : off+length], nil
}

// find returns the region covering addr, or nil. Caller holds m.mu.
func (m *GuestMemory) find(addr uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].GuestAddr+m.regions[i].Size > addr
	})

	if i < len(m.regions) && m.regions[i].GuestAddr <= addr {
		return m.regions[i]
	}

	return nil
}

// ReadAt copies guest bytes at addr into p.
func (m *GuestMemory) ReadAt(p []byte, addr uint64) error {
	src, err := m.Translate(addr, uint64(len(p)))
	if err != nil {
		return err
	}

	copy(p, src)

	return nil
}

// WriteAt copies p into guest memory at addr.
func (m *GuestMemory) WriteAt(p []byte, addr uint64) error {
	dst, err := m.Translate(addr, uint64(len(p)))
	if err != nil {
		return err
	}

	copy(dst, p)

	return nil
}

// The ring structures are little-endian on the wire regardless of host order.

func (m *GuestMemory) ReadUint16(addr uint64) (uint16, error) {
	b, err := m.Translate(addr, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (m *GuestMemory) ReadUint32(addr uint64) (uint32, error) {
	b, err := m.Translate(addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

func (m *GuestMemory) ReadUint64(addr uint64) (uint64, error) {
	b, err := m.Translate(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (m *GuestMemory) WriteUint16(addr uint64, v uint16) error {
	b, err := m.Translate(addr, 2)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(b, v)

	return nil
}

func (m *GuestMemory) WriteUint32(addr uint64, v uint32) error {
	b, err := m.Translate(addr, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b, v)

	return nil
}

// Regions returns a snapshot of the region table, ordered by guest address.
func (m *GuestMemory) Regions() []*Region {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Region, len(m.regions))
	copy(out, m.regions)

	return out
}

// Size returns the total number of mapped bytes.
func (m *GuestMemory) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n uint64
	for _, r := range m.regions {
		n += r.Size
	}

	return n
}

// Close unmaps every region and closes the backing fds.
func (m *GuestMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		release(r)
	}

	m.regions = nil

	return nil
}

func release(r *Region) {
	if r.buf != nil {
		_ = unix.Munmap(r.buf)
		r.buf = nil
	}

	if r.fd >= 0 {
		_ = unix.Close(r.fd)
		r.fd = -1
	}
}
