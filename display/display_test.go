package display_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WenyuanLau/stratovirt/backend"
	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/display"
	"github.com/WenyuanLau/stratovirt/memory"
	"github.com/WenyuanLau/stratovirt/virtio"
)

func TestSurfaceCommitRevisionAndIsolation(t *testing.T) {
	t.Parallel()

	s := display.NewSurface(4, 4, display.DefaultFormat)
	assert.Equal(t, uint64(0), s.Revision())

	row := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	s.Draw(0, 0, 2, 1, row, 8)

	// Drawn but uncommitted pixels are invisible.
	snap := s.Snapshot()
	assert.Equal(t, uint64(0), snap.Revision)
	assert.Equal(t, make([]byte, 4*4*4), snap.Pixels)

	u := s.Commit(0, 0, 2, 1)
	assert.Equal(t, uint64(1), u.Revision)
	assert.Equal(t, row, u.Pixels)

	snap = s.Snapshot()
	assert.Equal(t, uint64(1), snap.Revision)
	assert.Equal(t, row, snap.Pixels[:8])

	u = s.Commit(0, 0, 4, 4)
	assert.Equal(t, uint64(2), u.Revision)
}

func TestSurfaceCommitClipsRect(t *testing.T) {
	t.Parallel()

	s := display.NewSurface(4, 4, display.DefaultFormat)

	u := s.Commit(2, 2, 8, 8)
	assert.Equal(t, uint32(2), u.Width)
	assert.Equal(t, uint32(2), u.Height)

	u = s.Commit(100, 100, 1, 1)
	assert.Equal(t, uint32(0), u.Width)
}

type gpuRig struct {
	mem  *memory.GuestMemory
	ring *virtio.DriverRing
	core *ctrl.Conn
	gpu  *display.GPU
}

const (
	gpuCmdAddr  = 0x20000
	gpuRespAddr = 0x21000
	gpuFBAddr   = 0x30000
)

func startGPU(t *testing.T) *gpuRig {
	t.Helper()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	t.Cleanup(func() { mem.Close() })

	ctrlRing, err := virtio.NewDriverRing(mem, 0x1000, 8)
	require.NoError(t, err)

	cursorRing, err := virtio.NewDriverRing(mem, 0x3000, 8)
	require.NoError(t, err)

	core, child, err := ctrl.Pair()
	require.NoError(t, err)

	gpu := display.NewGPU(64, 64)
	done := make(chan error, 1)

	go func() {
		done <- backend.New(child, gpu).Run()
		child.Close()
	}()

	t.Cleanup(func() {
		core.Close()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("gpu backend did not exit")
		}
	})

	typ, _, _, err := core.Recv()
	require.NoError(t, err)
	require.Equal(t, ctrl.MsgHello, typ)

	a := &ctrl.Assign{
		DeviceID: virtio.DeviceIDGPU,
		Features: virtio.FeatureVersion1,
		MemSize:  mem.Size(),
		Queues:   []virtio.QueueConfig{ctrlRing.Config(), cursorRing.Config()},
	}
	require.NoError(t, core.SendAssign(a, mem.Regions()[0].Fd()))

	typ, _, _, err = core.Recv()
	require.NoError(t, err)
	require.Equal(t, ctrl.MsgReady, typ)

	return &gpuRig{mem: mem, ring: ctrlRing, core: core, gpu: gpu}
}

// submit sends one control command through the ring and returns the response
// type plus any surface update emitted before the completion interrupt.
func (r *gpuRig) submit(t *testing.T, cmd []byte) (uint32, *ctrl.SurfaceUpdate) {
	t.Helper()

	require.NoError(t, r.mem.WriteAt(cmd, gpuCmdAddr))

	_, err := r.ring.PushChain(
		virtio.DriverBuf{Addr: gpuCmdAddr, Len: uint32(len(cmd))},
		virtio.DriverBuf{Addr: gpuRespAddr, Len: 256, Write: true},
	)
	require.NoError(t, err)
	require.NoError(t, r.core.Send(ctrl.MsgKick, ctrl.EncodeQueue(0)))

	var update *ctrl.SurfaceUpdate

	for {
		typ, payload, _, err := r.core.Recv()
		require.NoError(t, err)

		switch typ {
		case ctrl.MsgSurface:
			update, err = ctrl.DecodeSurfaceUpdate(payload)
			require.NoError(t, err)
		case ctrl.MsgIRQ:
			elem, err := r.ring.PollUsed()
			require.NoError(t, err)
			require.NotNil(t, elem)

			resp := make([]byte, 4)
			require.NoError(t, r.mem.ReadAt(resp, gpuRespAddr))

			return uint32(resp[0]) | uint32(resp[1])<<8 | uint32(resp[2])<<16 | uint32(resp[3])<<24, update
		default:
			t.Fatalf("unexpected control message %d", typ)
		}
	}
}

func TestGPUScanoutPipeline(t *testing.T) {
	t.Parallel()

	rig := startGPU(t)

	// Fill a 64x64 guest framebuffer with a known pattern.
	fb := make([]byte, 64*64*4)
	for i := range fb {
		fb[i] = byte(i * 7)
	}

	require.NoError(t, rig.mem.WriteAt(fb, gpuFBAddr))

	resp, _ := rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdResourceCreate2D},
		virtio.GPUResourceCreate2D{ResourceID: 1, Format: virtio.GPUFormatB8G8R8X8, Width: 64, Height: 64},
	))
	require.Equal(t, virtio.GPURespOKNoData, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdResourceAttachBacking},
		virtio.GPUResourceAttachBacking{ResourceID: 1, NrEntries: 2},
		virtio.GPUMemEntry{Addr: gpuFBAddr, Length: 8192},
		virtio.GPUMemEntry{Addr: gpuFBAddr + 8192, Length: 64*64*4 - 8192},
	))
	require.Equal(t, virtio.GPURespOKNoData, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdSetScanout},
		virtio.GPUSetScanout{
			Rect:       virtio.GPURect{Width: 64, Height: 64},
			ScanoutID:  0,
			ResourceID: 1,
		},
	))
	require.Equal(t, virtio.GPURespOKNoData, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdTransferToHost2D},
		virtio.GPUTransferToHost2D{
			Rect:       virtio.GPURect{Width: 64, Height: 64},
			ResourceID: 1,
		},
	))
	require.Equal(t, virtio.GPURespOKNoData, resp)

	resp, update := rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdResourceFlush},
		virtio.GPUResourceFlush{
			Rect:       virtio.GPURect{Width: 64, Height: 64},
			ResourceID: 1,
		},
	))
	require.Equal(t, virtio.GPURespOKNoData, resp)
	require.NotNil(t, update)

	assert.Equal(t, uint64(1), update.Revision)
	assert.Equal(t, uint32(64), update.SurfaceWidth)
	assert.Equal(t, fb, update.Pixels)
}

func TestGPURejectsBadCommands(t *testing.T) {
	t.Parallel()

	rig := startGPU(t)

	resp, _ := rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdResourceCreate2D},
		virtio.GPUResourceCreate2D{ResourceID: 0, Format: virtio.GPUFormatB8G8R8X8, Width: 4, Height: 4},
	))
	assert.Equal(t, virtio.GPURespErrInvalidResourceID, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdResourceCreate2D},
		virtio.GPUResourceCreate2D{ResourceID: 1, Format: 99, Width: 4, Height: 4},
	))
	assert.Equal(t, virtio.GPURespErrInvalidParameter, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdSetScanout},
		virtio.GPUSetScanout{ScanoutID: 3, ResourceID: 1},
	))
	assert.Equal(t, virtio.GPURespErrInvalidScanoutID, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdResourceFlush},
		virtio.GPUResourceFlush{ResourceID: 9},
	))
	assert.Equal(t, virtio.GPURespErrInvalidResourceID, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(virtio.GPUCtrlHdr{Type: 0xdead}))
	assert.Equal(t, virtio.GPURespErrUnspec, resp)
}

func TestGPURejectsOverflowingRects(t *testing.T) {
	t.Parallel()

	rig := startGPU(t)

	resp, _ := rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdResourceCreate2D},
		virtio.GPUResourceCreate2D{ResourceID: 1, Format: virtio.GPUFormatB8G8R8X8, Width: 16, Height: 16},
	))
	require.Equal(t, virtio.GPURespOKNoData, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdResourceAttachBacking},
		virtio.GPUResourceAttachBacking{ResourceID: 1, NrEntries: 1},
		virtio.GPUMemEntry{Addr: gpuFBAddr, Length: 16 * 16 * 4},
	))
	require.Equal(t, virtio.GPURespOKNoData, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdSetScanout},
		virtio.GPUSetScanout{
			Rect:       virtio.GPURect{Width: 16, Height: 16},
			ResourceID: 1,
		},
	))
	require.Equal(t, virtio.GPURespOKNoData, resp)

	// X+Width wraps uint32; the sum must be checked without truncation.
	wrap := virtio.GPURect{X: 0xffffffff, Width: 1, Height: 1}

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdTransferToHost2D},
		virtio.GPUTransferToHost2D{Rect: wrap, ResourceID: 1},
	))
	assert.Equal(t, virtio.GPURespErrInvalidParameter, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdResourceFlush},
		virtio.GPUResourceFlush{Rect: wrap, ResourceID: 1},
	))
	assert.Equal(t, virtio.GPURespErrInvalidParameter, resp)

	resp, _ = rig.submit(t, virtio.GPUEncode(
		virtio.GPUCtrlHdr{Type: virtio.GPUCmdTransferToHost2D},
		virtio.GPUTransferToHost2D{
			Rect:       virtio.GPURect{Y: 0xfffffff0, Width: 16, Height: 32},
			ResourceID: 1,
		},
	))
	assert.Equal(t, virtio.GPURespErrInvalidParameter, resp)
}

func TestHubOrderingAndCoalescing(t *testing.T) {
	t.Parallel()

	hub := display.NewHub()
	sub := hub.Subscribe()

	defer sub.Close()

	frame := func(rev uint64, shade byte) *ctrl.SurfaceUpdate {
		pixels := make([]byte, 2*2*4)
		for i := range pixels {
			pixels[i] = shade
		}

		return &ctrl.SurfaceUpdate{
			Revision: rev, Width: 2, Height: 2,
			SurfaceWidth: 2, SurfaceHeight: 2,
			Format: display.DefaultFormat, Pixels: pixels,
		}
	}

	hub.Apply(frame(1, 0x11))
	hub.Apply(frame(2, 0x22))
	hub.Apply(frame(3, 0x33))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Coalesced: the subscriber jumps straight to the newest revision.
	u, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), u.Revision)
	assert.Equal(t, byte(0x33), u.Pixels[0])

	hub.Apply(frame(4, 0x44))

	u, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), u.Revision)

	hub.Close()

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, display.ErrHubClosed)
}

func TestHubApplyClipsRect(t *testing.T) {
	t.Parallel()

	hub := display.NewHub()
	sub := hub.Subscribe()

	defer sub.Close()

	full := make([]byte, 4*4*4)
	for i := range full {
		full[i] = 0x11
	}

	hub.Apply(&ctrl.SurfaceUpdate{
		Revision: 1, Width: 4, Height: 4,
		SurfaceWidth: 4, SurfaceHeight: 4,
		Format: display.DefaultFormat, Pixels: full,
	})

	// A rect reaching past the surface edge must not touch memory past
	// the cached frame.
	over := make([]byte, 2*2*4)
	for i := range over {
		over[i] = 0x22
	}

	hub.Apply(&ctrl.SurfaceUpdate{
		Revision: 2, X: 3, Width: 2, Height: 2,
		SurfaceWidth: 4, SurfaceHeight: 4,
		Format: display.DefaultFormat, Pixels: over,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), u.Revision)

	// Column 3 took the clipped single pixel per row, column 2 is intact.
	assert.Equal(t, byte(0x22), u.Pixels[(0*4+3)*4])
	assert.Equal(t, byte(0x22), u.Pixels[(1*4+3)*4])
	assert.Equal(t, byte(0x11), u.Pixels[(0*4+2)*4])

	// Fully out-of-range origins are a no-op for the pixel data.
	hub.Apply(&ctrl.SurfaceUpdate{
		Revision: 3, X: 100, Y: 100, Width: 2, Height: 2,
		SurfaceWidth: 4, SurfaceHeight: 4,
		Format: display.DefaultFormat, Pixels: over,
	})
	assert.Equal(t, uint64(3), hub.Revision())
}

func TestHubNextBlocksUntilApply(t *testing.T) {
	t.Parallel()

	hub := display.NewHub()
	sub := hub.Subscribe()

	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
