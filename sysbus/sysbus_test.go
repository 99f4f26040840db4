package sysbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WenyuanLau/stratovirt/sysbus"
)

type recordingDev struct {
	lastOffset uint64
	lastWrite  []byte
}

func (d *recordingDev) Read(offset uint64, data []byte) error {
	d.lastOffset = offset

	for i := range data {
		data[i] = 0xee
	}

	return nil
}

func (d *recordingDev) Write(offset uint64, data []byte) error {
	d.lastOffset = offset
	d.lastWrite = append([]byte(nil), data...)

	return nil
}

func TestBusRouting(t *testing.T) {
	t.Parallel()

	b := sysbus.New()

	d1 := &recordingDev{}
	d2 := &recordingDev{}

	require.NoError(t, b.Register("virtio-gpu", 0x0a00_0000, 0x200, d1))
	require.NoError(t, b.Register("virtio-input", 0x0a00_0200, 0x200, d2))

	require.NoError(t, b.Write(0x0a00_0050, []byte{1, 0, 0, 0}))
	assert.Equal(t, uint64(0x50), d1.lastOffset)
	assert.Equal(t, []byte{1, 0, 0, 0}, d1.lastWrite)

	buf := make([]byte, 4)
	require.NoError(t, b.Read(0x0a00_0204, buf))
	assert.Equal(t, uint64(0x04), d2.lastOffset)
	assert.Equal(t, []byte{0xee, 0xee, 0xee, 0xee}, buf)

	name, ok := b.Owner(0x0a00_0250)
	require.True(t, ok)
	assert.Equal(t, "virtio-input", name)
}

func TestBusUnhandledTrap(t *testing.T) {
	t.Parallel()

	b := sysbus.New()
	require.NoError(t, b.Register("virtio-gpu", 0x0a00_0000, 0x200, &recordingDev{}))

	err := b.Read(0x0b00_0000, make([]byte, 4))
	assert.ErrorIs(t, err, sysbus.ErrUnhandledTrap)

	// An access straddling the end of a region is not handled either.
	err = b.Write(0x0a00_01fe, make([]byte, 4))
	assert.ErrorIs(t, err, sysbus.ErrUnhandledTrap)
}

func TestBusRegisterOverlap(t *testing.T) {
	t.Parallel()

	b := sysbus.New()
	require.NoError(t, b.Register("a", 0x1000, 0x200, &recordingDev{}))
	assert.Error(t, b.Register("b", 0x1100, 0x200, &recordingDev{}))

	b.Unregister(0x1000)
	assert.NoError(t, b.Register("b", 0x1100, 0x200, &recordingDev{}))

	err := b.Read(0x1000, make([]byte, 4))
	assert.ErrorIs(t, err, sysbus.ErrUnhandledTrap)
}
