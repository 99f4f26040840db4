package virtio_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WenyuanLau/stratovirt/memory"
	"github.com/WenyuanLau/stratovirt/virtio"
)

const (
	ringBase = 0x1000
	dataBase = 0x10000
)

func newRing(t *testing.T, size uint16) (*memory.GuestMemory, *virtio.DriverRing, *virtio.Queue) {
	t.Helper()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	drv, err := virtio.NewDriverRing(mem, ringBase, size)
	require.NoError(t, err)

	q, err := virtio.NewQueue(mem, drv.Config())
	require.NoError(t, err)

	return mem, drv, q
}

func TestQueueConfigValidation(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	defer mem.Close()

	drv, err := virtio.NewDriverRing(mem, ringBase, 8)
	require.NoError(t, err)

	cfg := drv.Config()
	cfg.Ready = false
	_, err = virtio.NewQueue(mem, cfg)
	assert.ErrorIs(t, err, virtio.ErrQueueNotReady)

	cfg = drv.Config()
	cfg.Size = 12
	_, err = virtio.NewQueue(mem, cfg)
	assert.ErrorIs(t, err, virtio.ErrBadQueueConfig)

	cfg = drv.Config()
	cfg.Size = virtio.MaxQueueSize * 2
	_, err = virtio.NewQueue(mem, cfg)
	assert.ErrorIs(t, err, virtio.ErrBadQueueConfig)

	cfg = drv.Config()
	cfg.UsedAddr = 1 << 19
	cfg.UsedAddr++ // misaligned
	_, err = virtio.NewQueue(mem, cfg)
	assert.ErrorIs(t, err, virtio.ErrBadQueueConfig)

	cfg = drv.Config()
	cfg.DescAddr = 1 << 21 // unmapped
	_, err = virtio.NewQueue(mem, cfg)
	assert.ErrorIs(t, err, virtio.ErrBadQueueConfig)
}

func TestPopAndComplete(t *testing.T) {
	t.Parallel()

	mem, drv, q := newRing(t, 8)

	require.NoError(t, mem.WriteAt([]byte("ping"), dataBase))

	head, err := drv.PushChain(
		virtio.DriverBuf{Addr: dataBase, Len: 4},
		virtio.DriverBuf{Addr: dataBase + 0x100, Len: 8, Write: true},
	)
	require.NoError(t, err)

	chain, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, chain)
	assert.Equal(t, head, chain.Head)
	require.Len(t, chain.Desc, 2)
	assert.Equal(t, []byte("ping"), chain.ReadAll())
	assert.Equal(t, uint32(4), chain.ReadLen())

	n := chain.WriteBack([]byte("pong"))
	assert.Equal(t, uint32(4), n)
	require.NoError(t, q.PushUsed(chain.Head, n))

	elem, err := drv.PollUsed()
	require.NoError(t, err)
	require.NotNil(t, elem)
	assert.Equal(t, uint32(head), elem.ID)
	assert.Equal(t, uint32(4), elem.Len)

	b := make([]byte, 4)
	require.NoError(t, mem.ReadAt(b, dataBase+0x100))
	assert.Equal(t, []byte("pong"), b)

	// Ring is drained; position persists across calls.
	chain, err = q.Pop()
	require.NoError(t, err)
	assert.Nil(t, chain)
}

func TestPopIsRestartable(t *testing.T) {
	t.Parallel()

	_, drv, q := newRing(t, 8)

	for i := 0; i < 3; i++ {
		_, err := drv.PushChain(virtio.DriverBuf{Addr: dataBase + uint64(i)*0x100, Len: 4})
		require.NoError(t, err)
	}

	// Consume one, publish more, consume the rest: the consumer index
	// carries over.
	first, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = drv.PushChain(virtio.DriverBuf{Addr: dataBase + 0x400, Len: 4})
	require.NoError(t, err)

	var got int

	for {
		chain, err := q.Pop()
		require.NoError(t, err)

		if chain == nil {
			break
		}

		got++
	}

	assert.Equal(t, 3, got)
}

func TestMalformedChains(t *testing.T) {
	t.Parallel()

	t.Run("zero length", func(t *testing.T) {
		t.Parallel()

		_, drv, q := newRing(t, 8)

		require.NoError(t, drv.WriteDesc(0, dataBase, 0, 0, 0))
		require.NoError(t, drv.PushHead(0))

		chain, err := q.Pop()
		assert.ErrorIs(t, err, virtio.ErrMalformedDescriptor)
		require.NotNil(t, chain)
		assert.Equal(t, uint16(0), chain.Head)
	})

	t.Run("circular", func(t *testing.T) {
		t.Parallel()

		_, drv, q := newRing(t, 8)

		require.NoError(t, drv.WriteDesc(0, dataBase, 4, virtio.DescFNext, 1))
		require.NoError(t, drv.WriteDesc(1, dataBase, 4, virtio.DescFNext, 0))
		require.NoError(t, drv.PushHead(0))

		_, err := q.Pop()
		assert.ErrorIs(t, err, virtio.ErrMalformedDescriptor)
	})

	t.Run("buffer out of range", func(t *testing.T) {
		t.Parallel()

		_, drv, q := newRing(t, 8)

		require.NoError(t, drv.WriteDesc(0, 1<<30, 4, 0, 0))
		require.NoError(t, drv.PushHead(0))

		_, err := q.Pop()
		assert.ErrorIs(t, err, virtio.ErrMalformedDescriptor)
	})

	t.Run("next index out of range", func(t *testing.T) {
		t.Parallel()

		_, drv, q := newRing(t, 8)

		require.NoError(t, drv.WriteDesc(0, dataBase, 4, virtio.DescFNext, 200))
		require.NoError(t, drv.PushHead(0))

		_, err := q.Pop()
		assert.ErrorIs(t, err, virtio.ErrMalformedDescriptor)
	})
}

func TestValidateIsIdempotent(t *testing.T) {
	t.Parallel()

	_, drv, q := newRing(t, 8)

	head, err := drv.PushChain(virtio.DriverBuf{Addr: dataBase, Len: 16})
	require.NoError(t, err)

	require.NoError(t, drv.WriteDesc(4, dataBase, 0, 0, 0))

	for i := 0; i < 3; i++ {
		assert.NoError(t, q.Validate(head))
		assert.ErrorIs(t, q.Validate(4), virtio.ErrMalformedDescriptor)
	}
}

func TestUsedPublicationOrder(t *testing.T) {
	t.Parallel()

	mem, drv, q := newRing(t, 8)

	const n = 3

	chains := make([]*virtio.DescChain, 0, n)

	for i := 0; i < n; i++ {
		_, err := drv.PushChain(virtio.DriverBuf{Addr: dataBase + uint64(i)*0x100, Len: 8, Write: true})
		require.NoError(t, err)

		chain, err := q.Pop()
		require.NoError(t, err)
		require.NotNil(t, chain)
		chains = append(chains, chain)
	}

	// Complete out of submission order. After every publication the guest
	// must see fully written buffers for exactly the published entries.
	fill := []byte{0xa5, 0xa5, 0xa5, 0xa5, 0xa5, 0xa5, 0xa5, 0xa5}

	for _, i := range []int{2, 0, 1} {
		chains[i].WriteBack(fill)
		require.NoError(t, q.PushUsed(chains[i].Head, 8))

		for {
			elem, err := drv.PollUsed()
			require.NoError(t, err)

			if elem == nil {
				break
			}

			b := make([]byte, 8)
			require.NoError(t, mem.ReadAt(b, dataBase+uint64(elem.ID)*0x100))
			assert.Equal(t, fill, b, "used entry %d published before its buffer write", elem.ID)
		}
	}

	idx, err := drv.UsedIdx()
	require.NoError(t, err)
	assert.Equal(t, uint16(n), idx)
}

func TestWaitCheckedThenWait(t *testing.T) {
	t.Parallel()

	_, drv, q := newRing(t, 8)

	// Entries published before Wait must satisfy it without any kick.
	_, err := drv.PushChain(virtio.DriverBuf{Addr: dataBase, Len: 4})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, q.Wait(ctx))

	chain, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, chain)

	// Empty ring: Wait blocks until a publish followed by a kick.
	done := make(chan error, 1)

	go func() {
		done <- q.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)

	_, err = drv.PushChain(virtio.DriverBuf{Addr: dataBase, Len: 4})
	require.NoError(t, err)
	q.Kick()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait missed the kick")
	}

	// Cancellation unblocks an idle wait.
	_, err = q.Pop()
	require.NoError(t, err)

	cancelCtx, cancelNow := context.WithCancel(context.Background())

	go func() {
		done <- q.Wait(cancelCtx)
	}()

	cancelNow()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestQueueReset(t *testing.T) {
	t.Parallel()

	_, drv, q := newRing(t, 8)

	_, err := drv.PushChain(virtio.DriverBuf{Addr: dataBase, Len: 4})
	require.NoError(t, err)

	chain, err := q.Pop()
	require.NoError(t, err)
	require.NoError(t, q.PushUsed(chain.Head, 0))
	require.Equal(t, uint16(1), q.UsedIdx())

	q.Reset()
	assert.Equal(t, uint16(0), q.UsedIdx())
}
