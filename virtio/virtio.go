// Package virtio implements the split virtqueue transport and the
// virtio-mmio register block the guest driver programs. Device semantics
// live in the backend packages; this package only moves buffers.
package virtio

import (
	"encoding/binary"
	"errors"
)

// Device IDs, as the driver reads them from the mmio DEVICE_ID register.
const (
	DeviceIDGPU   = 16
	DeviceIDInput = 18
	DeviceIDSound = 25
)

// Device status bits, written by the driver to the STATUS register.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

// Feature bits.
const (
	FeatureVersion1 = uint64(1) << 32
)

// Descriptor flags.
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// MaxQueueSize is the largest ring this transport offers via QUEUE_NUM_MAX.
const MaxQueueSize = 256

var (
	// ErrMalformedDescriptor is a guest protocol violation: a descriptor
	// chain that is out of range, circular, or zero length. The owning
	// backend drops the chain; it is never fatal to the VMM.
	ErrMalformedDescriptor = errors.New("malformed descriptor chain")

	// ErrBadQueueConfig means the driver programmed a ring the transport
	// cannot accept (size not a power of two, misaligned table, table not
	// mapped).
	ErrBadQueueConfig = errors.New("bad virtqueue configuration")

	// ErrQueueNotReady means I/O was attempted on a queue the driver has
	// not marked ready.
	ErrQueueNotReady = errors.New("virtqueue not ready")
)

// QueueConfig is the driver-programmed geometry of one virtqueue as
// accumulated from mmio register writes.
type QueueConfig struct {
	MaxSize   uint16
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	Ready     bool
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
