package backend_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WenyuanLau/stratovirt/backend"
	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/memory"
	"github.com/WenyuanLau/stratovirt/virtio"
)

// echoDevice copies each chain's readable bytes into its writable tail.
type echoDevice struct {
	harness   *backend.Harness
	activated chan struct{}
	resets    chan struct{}
	disabled  bool
}

func newEchoDevice() *echoDevice {
	return &echoDevice{
		activated: make(chan struct{}, 1),
		resets:    make(chan struct{}, 4),
	}
}

func (d *echoDevice) Name() string { return "echo" }

func (d *echoDevice) Activate(h *backend.Harness) error {
	if d.disabled {
		return backend.ErrDisabled
	}

	d.harness = h
	d.activated <- struct{}{}

	return nil
}

func (d *echoDevice) HandleKick(q uint16) error {
	return d.harness.DrainQueue(q, func(chain *virtio.DescChain) uint32 {
		return chain.WriteBack(chain.ReadAll())
	})
}

func (d *echoDevice) HandleMsg(t ctrl.MsgType, payload []byte) error { return nil }

func (d *echoDevice) Reset() { d.resets <- struct{}{} }

func (d *echoDevice) Close() error { return nil }

func startBackend(t *testing.T, dev backend.Device) (*ctrl.Conn, chan error) {
	t.Helper()

	core, child, err := ctrl.Pair()
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- backend.New(child, dev).Run()
		child.Close()
	}()

	t.Cleanup(func() {
		core.Close()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("backend did not exit")
		}
	})

	typ, _, _, err := core.Recv()
	require.NoError(t, err)
	require.Equal(t, ctrl.MsgHello, typ)

	return core, done
}

func assign(t *testing.T, core *ctrl.Conn, mem *memory.GuestMemory, cfgs ...virtio.QueueConfig) {
	t.Helper()

	region := mem.Regions()[0]
	a := &ctrl.Assign{
		DeviceID: virtio.DeviceIDGPU,
		Features: virtio.FeatureVersion1,
		MemSize:  mem.Size(),
		Queues:   cfgs,
	}
	require.NoError(t, core.SendAssign(a, region.Fd()))
}

func recvType(t *testing.T, core *ctrl.Conn) (ctrl.MsgType, []byte) {
	t.Helper()

	typ, payload, _, err := core.Recv()
	require.NoError(t, err)

	return typ, payload
}

func TestHarnessEcho(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	defer mem.Close()

	ring, err := virtio.NewDriverRing(mem, 0x1000, 8)
	require.NoError(t, err)

	dev := newEchoDevice()
	core, _ := startBackend(t, dev)

	assign(t, core, mem, ring.Config())

	typ, _ := recvType(t, core)
	require.Equal(t, ctrl.MsgReady, typ)
	<-dev.activated

	const (
		outAddr = 0x10000
		inAddr  = 0x10100
	)

	require.NoError(t, mem.WriteAt([]byte("ping"), outAddr))

	_, err = ring.PushChain(
		virtio.DriverBuf{Addr: outAddr, Len: 4},
		virtio.DriverBuf{Addr: inAddr, Len: 16, Write: true},
	)
	require.NoError(t, err)
	require.NoError(t, core.Send(ctrl.MsgKick, ctrl.EncodeQueue(0)))

	typ, payload := recvType(t, core)
	require.Equal(t, ctrl.MsgIRQ, typ)

	q, err := ctrl.DecodeQueue(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), q)

	elem, err := ring.PollUsed()
	require.NoError(t, err)
	require.NotNil(t, elem)
	assert.Equal(t, uint32(4), elem.Len)

	buf := make([]byte, 4)
	require.NoError(t, mem.ReadAt(buf, inAddr))
	assert.Equal(t, "ping", string(buf))
}

func TestHarnessDropsStrayKicks(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	defer mem.Close()

	ring, err := virtio.NewDriverRing(mem, 0x1000, 8)
	require.NoError(t, err)

	dev := newEchoDevice()
	core, done := startBackend(t, dev)

	// A kick before any assignment: the guest can write QUEUE_NOTIFY
	// whenever it likes, and the harness must not treat it as fatal.
	require.NoError(t, core.Send(ctrl.MsgKick, ctrl.EncodeQueue(0)))

	assign(t, core, mem, ring.Config())

	typ, _ := recvType(t, core)
	require.Equal(t, ctrl.MsgReady, typ)
	<-dev.activated

	// A kick for a queue outside the assigned set is dropped the same way.
	require.NoError(t, core.Send(ctrl.MsgKick, ctrl.EncodeQueue(7)))

	// The harness is still alive and servicing the real queue.
	require.NoError(t, mem.WriteAt([]byte("pong"), 0x10000))

	_, err = ring.PushChain(
		virtio.DriverBuf{Addr: 0x10000, Len: 4},
		virtio.DriverBuf{Addr: 0x10100, Len: 16, Write: true},
	)
	require.NoError(t, err)
	require.NoError(t, core.Send(ctrl.MsgKick, ctrl.EncodeQueue(0)))

	typ, _ = recvType(t, core)
	require.Equal(t, ctrl.MsgIRQ, typ)

	select {
	case err := <-done:
		t.Fatalf("harness exited: %v", err)
	default:
	}
}

func TestHarnessCompletesMalformedChains(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	defer mem.Close()

	ring, err := virtio.NewDriverRing(mem, 0x1000, 8)
	require.NoError(t, err)

	dev := newEchoDevice()
	core, _ := startBackend(t, dev)

	assign(t, core, mem, ring.Config())

	typ, _ := recvType(t, core)
	require.Equal(t, ctrl.MsgReady, typ)

	// Descriptor 0 points at itself: a circular chain.
	require.NoError(t, ring.WriteDesc(0, 0x10000, 8, virtio.DescFNext, 0))
	require.NoError(t, ring.PushHead(0))
	require.NoError(t, core.Send(ctrl.MsgKick, ctrl.EncodeQueue(0)))

	typ, _ = recvType(t, core)
	require.Equal(t, ctrl.MsgIRQ, typ)

	elem, err := ring.PollUsed()
	require.NoError(t, err)
	require.NotNil(t, elem)
	assert.Equal(t, uint32(0), elem.ID)
	assert.Equal(t, uint32(0), elem.Len)
}

func TestHarnessDisabledDevice(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	defer mem.Close()

	ring, err := virtio.NewDriverRing(mem, 0x1000, 8)
	require.NoError(t, err)

	dev := newEchoDevice()
	dev.disabled = true
	core, _ := startBackend(t, dev)

	assign(t, core, mem, ring.Config())

	typ, _ := recvType(t, core)
	assert.Equal(t, ctrl.MsgDisabled, typ)
}

func TestHarnessReset(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	defer mem.Close()

	ring, err := virtio.NewDriverRing(mem, 0x1000, 8)
	require.NoError(t, err)

	dev := newEchoDevice()
	core, _ := startBackend(t, dev)

	assign(t, core, mem, ring.Config())

	typ, _ := recvType(t, core)
	require.Equal(t, ctrl.MsgReady, typ)

	require.NoError(t, core.Send(ctrl.MsgReset, nil))

	select {
	case <-dev.resets:
	case <-time.After(5 * time.Second):
		t.Fatal("device reset not delivered")
	}
}
