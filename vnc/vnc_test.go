package vnc_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/display"
	"github.com/WenyuanLau/stratovirt/virtio"
	"github.com/WenyuanLau/stratovirt/vnc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type serviceRig struct {
	hub    *display.Hub
	server *vnc.Server
	addr   string

	mu     sync.Mutex
	bursts [][]virtio.InputEvent
}

func (r *serviceRig) inject(events []virtio.InputEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bursts = append(r.bursts, events)
}

func (r *serviceRig) burstCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.bursts)
}

func startService(t *testing.T, cfg vnc.Config) *serviceRig {
	t.Helper()

	store := vnc.NewUserStore()
	require.NoError(t, store.Add("operator", "correct horse"))

	rig := &serviceRig{hub: display.NewHub()}

	cfg.Addr = "127.0.0.1:0"
	rig.server = vnc.NewServer(cfg, store, rig.hub, rig.inject)
	require.NoError(t, rig.server.Listen())
	rig.addr = rig.server.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- rig.server.Serve(ctx) }()

	t.Cleanup(func() {
		rig.hub.Close()
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})

	return rig
}

func frame(rev uint64, shade byte) *ctrl.SurfaceUpdate {
	pixels := make([]byte, 64*64*4)
	for i := range pixels {
		pixels[i] = shade
	}

	return &ctrl.SurfaceUpdate{
		Revision: rev, Width: 64, Height: 64,
		SurfaceWidth: 64, SurfaceHeight: 64,
		Format: display.DefaultFormat, Pixels: pixels,
	}
}

func TestScramSessionStreamsOrderedFrames(t *testing.T) {
	rig := startService(t, vnc.Config{})

	rig.hub.Apply(frame(1, 0xaa))

	client, err := vnc.Dial(rig.addr)
	require.NoError(t, err)

	defer client.Close()

	assert.Contains(t, client.Mechanisms(), vnc.MechScram)
	require.NoError(t, client.AuthScram("operator", "correct horse"))
	assert.NotEmpty(t, client.Session())

	f, err := client.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Revision)
	assert.Equal(t, uint32(64), f.Width)
	assert.Equal(t, byte(0xaa), f.Pixels[0])
	assert.Len(t, f.Pixels, 64*64*4)

	last := f.Revision

	for rev := uint64(2); rev <= 5; rev++ {
		rig.hub.Apply(frame(rev, byte(rev)))

		f, err := client.NextFrame()
		require.NoError(t, err)
		assert.Greater(t, f.Revision, last)
		last = f.Revision
	}
}

func TestScramRejectsBadPassword(t *testing.T) {
	rig := startService(t, vnc.Config{})

	client, err := vnc.Dial(rig.addr)
	require.NoError(t, err)

	defer client.Close()

	err = client.AuthScram("operator", "wrong")
	assert.ErrorIs(t, err, vnc.ErrAuthFailed)
}

func TestPlainAuth(t *testing.T) {
	rig := startService(t, vnc.Config{})
	rig.hub.Apply(frame(1, 0x01))

	client, err := vnc.Dial(rig.addr)
	require.NoError(t, err)

	defer client.Close()

	require.NoError(t, client.AuthPlain("operator", "correct horse"))

	f, err := client.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Revision)
}

func TestAuthExhaustedExactlyAtThreshold(t *testing.T) {
	rig := startService(t, vnc.Config{AuthThreshold: 3})

	client, err := vnc.Dial(rig.addr)
	require.NoError(t, err)

	defer client.Close()

	for i := 0; i < 2; i++ {
		err := client.AuthPlain("operator", "bad")
		assert.ErrorIs(t, err, vnc.ErrAuthFailed)
	}

	err = client.AuthPlain("operator", "bad")
	assert.ErrorIs(t, err, vnc.ErrAuthExhausted)
}

func TestRecoveryBeforeThreshold(t *testing.T) {
	rig := startService(t, vnc.Config{AuthThreshold: 3})
	rig.hub.Apply(frame(1, 0x01))

	client, err := vnc.Dial(rig.addr)
	require.NoError(t, err)

	defer client.Close()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, client.AuthPlain("operator", "bad"), vnc.ErrAuthFailed)
	}

	require.NoError(t, client.AuthPlain("operator", "correct horse"))

	f, err := client.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Revision)
}

func TestUnsupportedMechanismRejected(t *testing.T) {
	rig := startService(t, vnc.Config{})

	client, err := vnc.Dial(rig.addr)
	require.NoError(t, err)

	defer client.Close()

	err = client.StartAuthRaw("DIGEST-MD5", nil)
	assert.ErrorIs(t, err, vnc.ErrAuthFailed)
}

func TestMechanismRestriction(t *testing.T) {
	rig := startService(t, vnc.Config{Mechanisms: []string{vnc.MechScram}})

	client, err := vnc.Dial(rig.addr)
	require.NoError(t, err)

	defer client.Close()

	assert.Equal(t, []string{vnc.MechScram}, client.Mechanisms())

	err = client.AuthPlain("operator", "correct horse")
	assert.ErrorIs(t, err, vnc.ErrAuthFailed)
}

func TestMalformedNegotiationFailsConnection(t *testing.T) {
	rig := startService(t, vnc.Config{})

	conn, err := net.Dial("tcp", rig.addr)
	require.NoError(t, err)

	defer conn.Close()

	// Skip the greeting and send a stream message before authenticating.
	greeting := make([]byte, 5)
	_, err = conn.Read(greeting)
	require.NoError(t, err)

	_, err = conn.Write([]byte{0x90, 0, 0, 0, 3, 0, 30, 1})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	buf := make([]byte, 4096)

	for {
		if _, err = conn.Read(buf); err != nil {
			break
		}
	}

	assert.Error(t, err)
}

func TestInputForwarding(t *testing.T) {
	rig := startService(t, vnc.Config{})
	rig.hub.Apply(frame(1, 0x01))

	client, err := vnc.Dial(rig.addr)
	require.NoError(t, err)

	defer client.Close()

	require.NoError(t, client.AuthPlain("operator", "correct horse"))

	require.NoError(t, client.SendKey(30, true))
	require.NoError(t, client.SendKey(30, false))
	require.NoError(t, client.SendPointer(10, 20, 1))

	require.Eventually(t, func() bool {
		return rig.burstCount() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	rig.mu.Lock()
	defer rig.mu.Unlock()

	press := rig.bursts[0]
	require.Len(t, press, 2)
	assert.Equal(t, virtio.EvKey, press[0].Type)
	assert.Equal(t, uint16(30), press[0].Code)
	assert.Equal(t, uint32(1), press[0].Value)
	assert.Equal(t, virtio.EvSyn, press[1].Type)

	pointer := rig.bursts[2]
	assert.Equal(t, virtio.EvAbs, pointer[0].Type)
	assert.Equal(t, uint32(10), pointer[0].Value)

	// The button mask went 0 -> 1, so a left press follows the motion.
	var sawLeft bool

	for _, ev := range pointer {
		if ev.Type == virtio.EvKey && ev.Code == virtio.BtnLeft && ev.Value == 1 {
			sawLeft = true
		}
	}

	assert.True(t, sawLeft)
}
