// Package sysbus routes guest MMIO accesses to the device owning the
// address. It replaces a PCI-style bus scan with an ordered region table;
// the microvm machine model is virtio-mmio only.
package sysbus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnhandledTrap means no registered region covers the access. The
	// machine applies the configured policy (fatal to the guest or an
	// injected no-op).
	ErrUnhandledTrap = errors.New("unhandled mmio trap")

	errRegionOverlap = errors.New("mmio region overlaps existing region")
)

// Device is the access surface of one memory-mapped device. Offsets are
// relative to the region base.
type Device interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}

type region struct {
	name string
	base uint64
	size uint64
	dev  Device
}

// Bus is the ordered registry of MMIO regions.
type Bus struct {
	mu      sync.RWMutex
	regions []region
}

func New() *Bus {
	return &Bus{}
}

// Register adds a device region. Regions must not overlap.
func (b *Bus) Register(name string, base, size uint64, dev Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.regions {
		if base < r.base+r.size && r.base < base+size {
			return fmt.Errorf("%w: %s at [%#x, %#x)", errRegionOverlap, name, base, base+size)
		}
	}

	b.regions = append(b.regions, region{name: name, base: base, size: size, dev: dev})
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })

	return nil
}

// Unregister removes the region starting at base, if any.
func (b *Bus) Unregister(base uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.regions {
		if r.base == base {
			b.regions = append(b.regions[:i], b.regions[i+1:]...)

			return
		}
	}
}

func (b *Bus) find(addr uint64, size uint64) (*region, bool) {
	i := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].base+b.regions[i].size > addr
	})

	if i < len(b.regions) && b.regions[i].base <= addr && addr+size <= b.regions[i].base+b.regions[i].size {
		return &b.regions[i], true
	}

	return nil, false
}

// Read dispatches a guest load. Fails with ErrUnhandledTrap if no region
// covers the whole access.
func (b *Bus) Read(addr uint64, data []byte) error {
	b.mu.RLock()
	r, ok := b.find(addr, uint64(len(data)))
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: read %#x", ErrUnhandledTrap, addr)
	}

	return r.dev.Read(addr-r.base, data)
}

// Write dispatches a guest store.
func (b *Bus) Write(addr uint64, data []byte) error {
	b.mu.RLock()
	r, ok := b.find(addr, uint64(len(data)))
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: write %#x", ErrUnhandledTrap, addr)
	}

	return r.dev.Write(addr-r.base, data)
}

// Owner returns the name of the region covering addr, for trap diagnostics.
func (b *Bus) Owner(addr uint64) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if r, ok := b.find(addr, 1); ok {
		return r.name, true
	}

	return "", false
}
