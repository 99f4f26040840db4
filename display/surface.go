// Package display is the framebuffer composer backend: it services the gpu
// device's control queue, composites guest resources into a Surface, and
// publishes committed frames to the VMM core over the control channel. The
// core-side Hub fans committed frames out to remote display sessions.
package display

import (
	"sync"

	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/virtio"
)

const bytesPerPixel = 4

// Surface is a double-buffered pixel buffer. Drawing goes to the back
// buffer; Commit publishes the damaged rectangle to the front buffer and
// bumps the revision, so readers never observe a torn frame.
type Surface struct {
	mu       sync.Mutex
	width    uint32
	height   uint32
	format   uint32
	revision uint64
	front    []byte
	back     []byte
}

// NewSurface allocates a surface of the given geometry, revision zero.
func NewSurface(width, height, format uint32) *Surface {
	s := &Surface{}
	s.resizeLocked(width, height, format)

	return s
}

// Resize replaces both buffers with blank ones of the new geometry. The
// revision is not bumped until the next Commit.
func (s *Surface) Resize(width, height, format uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resizeLocked(width, height, format)
}

func (s *Surface) resizeLocked(width, height, format uint32) {
	s.width = width
	s.height = height
	s.format = format
	s.front = make([]byte, int(width)*int(height)*bytesPerPixel)
	s.back = make([]byte, len(s.front))
}

// Stride is the back buffer's bytes per row.
func (s *Surface) Stride() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.width * bytesPerPixel
}

// Geometry returns the current width, height and pixel format.
func (s *Surface) Geometry() (width, height, format uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.width, s.height, s.format
}

// Revision returns the revision of the last committed frame.
func (s *Surface) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revision
}

// Draw copies rows of pixels into the back buffer at (x, y). src holds
// height rows of width*4 bytes each, srcStride bytes apart. Rows outside
// the surface are clipped.
func (s *Surface) Draw(x, y, width, height uint32, src []byte, srcStride uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for row := uint32(0); row < height; row++ {
		dy := y + row
		if dy >= s.height || x >= s.width {
			continue
		}

		w := width
		if x+w > s.width {
			w = s.width - x
		}

		srcOff := uint64(row) * uint64(srcStride)
		dstOff := (uint64(dy)*uint64(s.width) + uint64(x)) * bytesPerPixel

		n := uint64(w) * bytesPerPixel
		if srcOff+n > uint64(len(src)) {
			break
		}

		copy(s.back[dstOff:dstOff+n], src[srcOff:srcOff+n])
	}
}

// Commit publishes the damaged rectangle from the back buffer to the front
// buffer, bumps the revision, and returns the update to forward. The
// returned pixels are a copy and safe to retain.
func (s *Surface) Commit(x, y, width, height uint32) *ctrl.SurfaceUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	if x >= s.width || y >= s.height {
		x, y, width, height = 0, 0, 0, 0
	}

	if uint64(x)+uint64(width) > uint64(s.width) {
		width = s.width - x
	}

	if uint64(y)+uint64(height) > uint64(s.height) {
		height = s.height - y
	}

	pixels := make([]byte, uint64(width)*uint64(height)*bytesPerPixel)

	for row := uint32(0); row < height; row++ {
		off := (uint64(y+row)*uint64(s.width) + uint64(x)) * bytesPerPixel
		n := uint64(width) * bytesPerPixel
		copy(s.front[off:off+n], s.back[off:off+n])
		copy(pixels[uint64(row)*n:], s.front[off:off+n])
	}

	s.revision++

	return &ctrl.SurfaceUpdate{
		Revision:      s.revision,
		X:             x,
		Y:             y,
		Width:         width,
		Height:        height,
		SurfaceWidth:  s.width,
		SurfaceHeight: s.height,
		Format:        s.format,
		Pixels:        pixels,
	}
}

// Snapshot returns a consistent copy of the committed frame as a full-frame
// update at the current revision.
func (s *Surface) Snapshot() *ctrl.SurfaceUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	pixels := make([]byte, len(s.front))
	copy(pixels, s.front)

	return &ctrl.SurfaceUpdate{
		Revision:      s.revision,
		Width:         s.width,
		Height:        s.height,
		SurfaceWidth:  s.width,
		SurfaceHeight: s.height,
		Format:        s.format,
		Pixels:        pixels,
	}
}

// DefaultFormat is the surface format before the guest sets a scanout.
const DefaultFormat = virtio.GPUFormatB8G8R8X8
