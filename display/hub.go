package display

import (
	"context"
	"errors"
	"sync"

	"github.com/WenyuanLau/stratovirt/ctrl"
)

// ErrHubClosed is returned from Subscription.Next after the hub shut down.
var ErrHubClosed = errors.New("display hub closed")

// Hub is the core-side consumer of committed surface updates. It keeps the
// latest full frame and fans revision changes out to subscribers. Each
// subscriber observes strictly increasing revisions; intermediate revisions
// may be coalesced but never reordered.
type Hub struct {
	mu       sync.Mutex
	width    uint32
	height   uint32
	format   uint32
	revision uint64
	pixels   []byte
	closed   bool
	subs     map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

// Apply folds one update from the display backend into the cached frame and
// wakes subscribers.
func (h *Hub) Apply(u *ctrl.SurfaceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if u.SurfaceWidth != h.width || u.SurfaceHeight != h.height {
		h.width = u.SurfaceWidth
		h.height = u.SurfaceHeight
		h.pixels = make([]byte, int(h.width)*int(h.height)*bytesPerPixel)
	}

	h.format = u.Format

	rowLen := uint64(u.Width) * bytesPerPixel

	// Clip to the cached frame: the rect is validated at decode time, but
	// the frame must stay intact for any caller.
	width := rowLen
	if u.X >= h.width {
		width = 0
	} else if limit := uint64(h.width-u.X) * bytesPerPixel; width > limit {
		width = limit
	}

	for row := uint32(0); row < u.Height && width > 0; row++ {
		dy := uint64(u.Y) + uint64(row)
		if dy >= uint64(h.height) {
			break
		}

		off := (dy*uint64(h.width) + uint64(u.X)) * bytesPerPixel
		copy(h.pixels[off:off+width], u.Pixels[uint64(row)*rowLen:])
	}

	h.revision = u.Revision

	for sub := range h.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// Revision is the latest committed revision seen by the hub.
func (h *Hub) Revision() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.revision
}

// Close wakes every subscriber with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for sub := range h.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// Subscription is one session's view of the revision stream.
type Subscription struct {
	hub    *Hub
	notify chan struct{}
	last   uint64
}

// Subscribe registers a new subscriber. If a frame was already committed,
// the first Next returns it immediately.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{hub: h, notify: make(chan struct{}, 1)}
	h.subs[sub] = struct{}{}

	if h.revision > 0 || h.closed {
		sub.notify <- struct{}{}
	}

	return sub
}

// Close removes the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	delete(s.hub.subs, s)
}

// Next blocks until a revision newer than the last one delivered is
// available and returns it as a full-frame update.
func (s *Subscription) Next(ctx context.Context) (*ctrl.SurfaceUpdate, error) {
	for {
		s.hub.mu.Lock()

		if s.hub.revision > s.last {
			u := s.snapshotLocked()
			s.hub.mu.Unlock()

			return u, nil
		}

		closed := s.hub.closed
		s.hub.mu.Unlock()

		if closed {
			return nil, ErrHubClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *Subscription) snapshotLocked() *ctrl.SurfaceUpdate {
	h := s.hub
	s.last = h.revision

	pixels := make([]byte, len(h.pixels))
	copy(pixels, h.pixels)

	return &ctrl.SurfaceUpdate{
		Revision:      h.revision,
		Width:         h.width,
		Height:        h.height,
		SurfaceWidth:  h.width,
		SurfaceHeight: h.height,
		Format:        h.format,
		Pixels:        pixels,
	}
}
