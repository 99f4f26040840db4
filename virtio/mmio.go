package virtio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Virtio-mmio register offsets (version 2 layout). The block is
// guest-driver visible; offsets and widths must match the driver exactly.
const (
	regMagicValue       = 0x00
	regVersion          = 0x04
	regDeviceID         = 0x08
	regVendorID         = 0x0c
	regDeviceFeatures   = 0x10
	regDeviceFeaturesSel = 0x14
	regDriverFeatures   = 0x20
	regDriverFeaturesSel = 0x24
	regQueueSel         = 0x30
	regQueueNumMax      = 0x34
	regQueueNum         = 0x38
	regQueueReady       = 0x44
	regQueueNotify      = 0x50
	regInterruptStatus  = 0x60
	regInterruptAck     = 0x64
	regStatus           = 0x70
	regQueueDescLow     = 0x80
	regQueueDescHigh    = 0x84
	regQueueAvailLow    = 0x90
	regQueueAvailHigh   = 0x94
	regQueueUsedLow     = 0xa0
	regQueueUsedHigh    = 0xa4
	regConfigGeneration = 0xfc

	configSpaceOffset = 0x100

	// MMIORegionSize is the size of one device's register window on the
	// system bus.
	MMIORegionSize = 0x200

	mmioMagicValue = 0x74726976 // "virt"
	mmioVersion    = 2
	mmioVendorID   = 0x1af4
)

// Interrupt status bits.
const (
	InterruptVring  = 1 << 0
	InterruptConfig = 1 << 1
)

var (
	errRegAccessSize = errors.New("mmio register access must be 4 bytes")
	errBadRegOffset  = errors.New("access overflows mmio register window")
)

// MMIODevice is the register block of one virtio-mmio device. It accumulates
// the driver's queue programming and feature negotiation, and surfaces the
// moments the VMM core must act on (kick, activate, reset) as callbacks.
type MMIODevice struct {
	DeviceID uint32

	// OnNotify is called when the driver writes QUEUE_NOTIFY.
	OnNotify func(queue uint16)
	// OnActivate is called once when the driver sets DRIVER_OK with
	// negotiation finalized. The device is not ready before this point
	// and no I/O may be dispatched to it.
	OnActivate func(features uint64, queues []QueueConfig) error
	// OnReset is called when the driver writes status 0.
	OnReset func()

	mu sync.Mutex

	features       uint64
	featuresSel    uint32
	driverFeatures uint64
	driverFeatSel  uint32

	queueSel uint32
	queues   []QueueConfig

	status    uint32
	activated uint32 // atomic, nonzero after DRIVER_OK

	intrStatus uint32 // atomic

	config    []byte
	configGen uint32 // atomic
}

// NewMMIODevice builds the register block for a device offering the given
// feature bits (FeatureVersion1 is always offered) and numQueues queues.
// config is the device-specific configuration space served from 0x100.
func NewMMIODevice(deviceID uint32, features uint64, numQueues int, config []byte) *MMIODevice {
	d := &MMIODevice{
		DeviceID: deviceID,
		features: features | FeatureVersion1,
		config:   config,
	}

	d.queues = make([]QueueConfig, numQueues)
	for i := range d.queues {
		d.queues[i] = QueueConfig{MaxSize: MaxQueueSize}
	}

	return d
}

// Queues returns a copy of the driver-programmed queue configurations.
func (d *MMIODevice) Queues() []QueueConfig {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]QueueConfig, len(d.queues))
	copy(out, d.queues)

	return out
}

// Ready reports whether the driver has completed negotiation and set
// DRIVER_OK.
func (d *MMIODevice) Ready() bool {
	return atomic.LoadUint32(&d.activated) != 0
}

// NegotiatedFeatures returns the feature bits accepted by the driver.
func (d *MMIODevice) NegotiatedFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.driverFeatures
}

// SignalVring sets the vring interrupt bit. The caller injects the IRQ.
func (d *MMIODevice) SignalVring() {
	for {
		old := atomic.LoadUint32(&d.intrStatus)
		if atomic.CompareAndSwapUint32(&d.intrStatus, old, old|InterruptVring) {
			return
		}
	}
}

// SignalConfig bumps the config generation and sets the config interrupt bit.
func (d *MMIODevice) SignalConfig() {
	atomic.AddUint32(&d.configGen, 1)

	for {
		old := atomic.LoadUint32(&d.intrStatus)
		if atomic.CompareAndSwapUint32(&d.intrStatus, old, old|InterruptConfig) {
			return
		}
	}
}

// SetConfig replaces the device configuration space under the lock.
func (d *MMIODevice) SetConfig(config []byte) {
	d.mu.Lock()
	d.config = config
	d.mu.Unlock()

	d.SignalConfig()
}

// Read serves a guest load from the register window.
func (d *MMIODevice) Read(offset uint64, data []byte) error {
	if offset >= configSpaceOffset {
		return d.readConfig(offset-configSpaceOffset, data)
	}

	if len(data) != 4 {
		return fmt.Errorf("%w: offset %#x size %d", errRegAccessSize, offset, len(data))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var v uint32

	switch offset {
	case regMagicValue:
		v = mmioMagicValue
	case regVersion:
		v = mmioVersion
	case regDeviceID:
		v = d.DeviceID
	case regVendorID:
		v = mmioVendorID
	case regDeviceFeatures:
		v = uint32(d.features >> (32 * d.featuresSel))
	case regQueueNumMax:
		if q := d.queue(); q != nil {
			v = uint32(q.MaxSize)
		}
	case regQueueReady:
		if q := d.queue(); q != nil && q.Ready {
			v = 1
		}
	case regInterruptStatus:
		v = atomic.LoadUint32(&d.intrStatus)
	case regStatus:
		v = d.status
	case regConfigGeneration:
		v = atomic.LoadUint32(&d.configGen)
	default:
		// Write-only and reserved registers read as zero.
	}

	putLE32(data, v)

	return nil
}

// Write serves a guest store to the register window.
func (d *MMIODevice) Write(offset uint64, data []byte) error {
	if offset >= configSpaceOffset {
		return d.writeConfig(offset-configSpaceOffset, data)
	}

	if len(data) != 4 {
		return fmt.Errorf("%w: offset %#x size %d", errRegAccessSize, offset, len(data))
	}

	v := le32(data)

	// Notify is the hot path and must not serialize with register state.
	// Before DRIVER_OK the device is not ready and a notify is a driver
	// bug; it is dropped, not dispatched.
	if offset == regQueueNotify {
		if atomic.LoadUint32(&d.activated) != 0 && d.OnNotify != nil {
			d.OnNotify(uint16(v))
		}

		return nil
	}

	d.mu.Lock()

	switch offset {
	case regDeviceFeaturesSel:
		d.featuresSel = v & 1
	case regDriverFeatures:
		shift := 32 * d.driverFeatSel
		d.driverFeatures = d.driverFeatures&^(0xffffffff<<shift) | uint64(v)<<shift
	case regDriverFeaturesSel:
		d.driverFeatSel = v & 1
	case regQueueSel:
		d.queueSel = v
	case regQueueNum:
		if q := d.queue(); q != nil {
			q.Size = uint16(v)
		}
	case regQueueDescLow:
		if q := d.queue(); q != nil {
			q.DescAddr = q.DescAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueDescHigh:
		if q := d.queue(); q != nil {
			q.DescAddr = q.DescAddr&0xffffffff | uint64(v)<<32
		}
	case regQueueAvailLow:
		if q := d.queue(); q != nil {
			q.AvailAddr = q.AvailAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueAvailHigh:
		if q := d.queue(); q != nil {
			q.AvailAddr = q.AvailAddr&0xffffffff | uint64(v)<<32
		}
	case regQueueUsedLow:
		if q := d.queue(); q != nil {
			q.UsedAddr = q.UsedAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueUsedHigh:
		if q := d.queue(); q != nil {
			q.UsedAddr = q.UsedAddr&0xffffffff | uint64(v)<<32
		}
	case regQueueReady:
		if q := d.queue(); q != nil {
			q.Ready = v == 1
		}
	case regInterruptAck:
		for {
			old := atomic.LoadUint32(&d.intrStatus)
			if atomic.CompareAndSwapUint32(&d.intrStatus, old, old&^v) {
				break
			}
		}
	case regStatus:
		d.mu.Unlock()

		return d.writeStatus(v)
	}

	d.mu.Unlock()

	return nil
}

func (d *MMIODevice) writeStatus(v uint32) error {
	d.mu.Lock()

	if v == 0 {
		d.status = 0
		atomic.StoreUint32(&d.activated, 0)
		d.driverFeatures = 0
		atomic.StoreUint32(&d.intrStatus, 0)

		for i := range d.queues {
			d.queues[i] = QueueConfig{MaxSize: MaxQueueSize}
		}

		onReset := d.OnReset
		d.mu.Unlock()

		if onReset != nil {
			onReset()
		}

		return nil
	}

	// FEATURES_OK only sticks when the accepted bits are a subset of what
	// the device offered.
	if v&StatusFeaturesOK != 0 && d.driverFeatures&^d.features != 0 {
		v &^= StatusFeaturesOK
	}

	activate := v&StatusDriverOK != 0 && atomic.LoadUint32(&d.activated) == 0 &&
		d.status&StatusDriverOK == 0

	d.status = v

	if activate {
		atomic.StoreUint32(&d.activated, 1)
	}

	features := d.driverFeatures
	queues := make([]QueueConfig, len(d.queues))
	copy(queues, d.queues)
	onActivate := d.OnActivate

	d.mu.Unlock()

	if activate && onActivate != nil {
		if err := onActivate(features, queues); err != nil {
			d.mu.Lock()
			d.status |= StatusNeedsReset
			atomic.StoreUint32(&d.activated, 0)
			d.mu.Unlock()

			return err
		}
	}

	return nil
}

func (d *MMIODevice) queue() *QueueConfig {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}

	return &d.queues[d.queueSel]
}

func (d *MMIODevice) readConfig(offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset+uint64(len(data)) > uint64(len(d.config)) {
		return fmt.Errorf("%w: config offset %#x", errBadRegOffset, offset)
	}

	copy(data, d.config[offset:])

	return nil
}

func (d *MMIODevice) writeConfig(offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset+uint64(len(data)) > uint64(len(d.config)) {
		return fmt.Errorf("%w: config offset %#x", errBadRegOffset, offset)
	}

	copy(d.config[offset:], data)

	return nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
