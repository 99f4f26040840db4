package ctrl_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/virtio"
)

func TestSendRecvOrdering(t *testing.T) {
	t.Parallel()

	a, b, err := ctrl.Pair()
	require.NoError(t, err)

	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(ctrl.MsgKick, ctrl.EncodeQueue(0)))
	require.NoError(t, a.Send(ctrl.MsgKick, ctrl.EncodeQueue(1)))
	require.NoError(t, a.Send(ctrl.MsgReset, nil))

	for i := 0; i < 2; i++ {
		typ, payload, fd, err := b.Recv()
		require.NoError(t, err)
		assert.Equal(t, ctrl.MsgKick, typ)
		assert.Equal(t, -1, fd)

		q, err := ctrl.DecodeQueue(payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(i), q)
	}

	typ, payload, _, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, ctrl.MsgReset, typ)
	assert.Empty(t, payload)
}

func TestAssignPassesMemoryFd(t *testing.T) {
	t.Parallel()

	a, b, err := ctrl.Pair()
	require.NoError(t, err)

	defer a.Close()
	defer b.Close()

	memFd, err := unix.MemfdCreate("guest-ram-test", unix.MFD_CLOEXEC)
	require.NoError(t, err)

	defer unix.Close(memFd)

	require.NoError(t, unix.Ftruncate(memFd, 4096))
	_, err = unix.Pwrite(memFd, []byte("vring"), 0)
	require.NoError(t, err)

	assign := &ctrl.Assign{
		DeviceID: virtio.DeviceIDGPU,
		Features: virtio.FeatureVersion1,
		MemSize:  4096,
		Queues: []virtio.QueueConfig{
			{MaxSize: 256, Size: 8, DescAddr: 0x1000, AvailAddr: 0x1080, UsedAddr: 0x1100, Ready: true},
		},
	}
	require.NoError(t, a.SendAssign(assign, memFd))

	typ, payload, fd, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, ctrl.MsgAssign, typ)
	require.GreaterOrEqual(t, fd, 0)

	defer unix.Close(fd)

	got, err := ctrl.DecodeAssign(payload)
	require.NoError(t, err)
	assert.Equal(t, assign.DeviceID, got.DeviceID)
	assert.Equal(t, assign.Queues, got.Queues)

	buf := make([]byte, 5)
	_, err = unix.Pread(fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "vring", string(buf))
}

func TestSurfaceUpdateRoundTrip(t *testing.T) {
	t.Parallel()

	a, b, err := ctrl.Pair()
	require.NoError(t, err)

	defer a.Close()
	defer b.Close()

	pixels := make([]byte, 2*2*4)
	for i := range pixels {
		pixels[i] = byte(i)
	}

	update := &ctrl.SurfaceUpdate{
		Revision:      7,
		X:             1,
		Y:             2,
		Width:         2,
		Height:        2,
		SurfaceWidth:  64,
		SurfaceHeight: 64,
		Format:        virtio.GPUFormatB8G8R8X8,
		Pixels:        pixels,
	}
	require.NoError(t, a.Send(ctrl.MsgSurface, update.Encode()))

	typ, payload, _, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, ctrl.MsgSurface, typ)

	got, err := ctrl.DecodeSurfaceUpdate(payload)
	require.NoError(t, err)
	assert.Equal(t, update, got)
}

func TestDecodeRejectsShortPayloads(t *testing.T) {
	t.Parallel()

	_, err := ctrl.DecodeQueue([]byte{1})
	assert.ErrorIs(t, err, ctrl.ErrShortPayload)

	_, err = ctrl.DecodeSurfaceUpdate([]byte{0})
	assert.ErrorIs(t, err, ctrl.ErrShortPayload)

	bad := (&ctrl.SurfaceUpdate{Width: 4, Height: 4, Pixels: []byte{0}}).Encode()
	_, err = ctrl.DecodeSurfaceUpdate(bad)
	assert.ErrorIs(t, err, ctrl.ErrShortPayload)
}

func TestDecodeSurfaceRejectsBadRect(t *testing.T) {
	t.Parallel()

	// Pixel count matches the rect, but the rect hangs over the surface
	// edge. A backend sending this must not reach the frame cache.
	oob := (&ctrl.SurfaceUpdate{
		X: 3, Width: 2, Height: 2,
		SurfaceWidth: 4, SurfaceHeight: 4,
		Pixels: make([]byte, 2*2*4),
	}).Encode()
	_, err := ctrl.DecodeSurfaceUpdate(oob)
	assert.ErrorIs(t, err, ctrl.ErrBadRect)

	wrap := (&ctrl.SurfaceUpdate{
		Y: 0xffffffff, Width: 1, Height: 1,
		SurfaceWidth: 4, SurfaceHeight: 4,
		Pixels: make([]byte, 4),
	}).Encode()
	_, err = ctrl.DecodeSurfaceUpdate(wrap)
	assert.ErrorIs(t, err, ctrl.ErrBadRect)
}

func TestRecvAfterPeerClose(t *testing.T) {
	t.Parallel()

	a, b, err := ctrl.Pair()
	require.NoError(t, err)

	defer b.Close()

	require.NoError(t, a.Close())

	_, _, _, err = b.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
