package display

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/WenyuanLau/stratovirt/backend"
	"github.com/WenyuanLau/stratovirt/ctrl"
	"github.com/WenyuanLau/stratovirt/virtio"
)

// Queue indices of the gpu device.
const (
	ControlQueue uint16 = 0
	CursorQueue  uint16 = 1
)

// resource is one guest-created 2D resource: a host-side pixel store plus
// the guest backing pages transfers are sourced from.
type resource struct {
	format  uint32
	width   uint32
	height  uint32
	pixels  []byte
	backing []virtio.GPUMemEntry
}

// GPU is the display composer device. It runs behind a backend.Harness,
// interprets the virtio-gpu 2D command set, and emits committed surface
// updates on the control channel.
type GPU struct {
	harness *backend.Harness
	logger  *logrus.Entry

	surface   *Surface
	resources map[uint32]*resource
	scanout   uint32
}

// NewGPU builds the composer with an initial blank surface.
func NewGPU(width, height uint32) *GPU {
	return &GPU{
		logger:    logrus.WithField("backend", "display"),
		surface:   NewSurface(width, height, DefaultFormat),
		resources: map[uint32]*resource{},
	}
}

func (g *GPU) Name() string { return "display" }

func (g *GPU) Activate(h *backend.Harness) error {
	g.harness = h

	return nil
}

func (g *GPU) HandleMsg(t ctrl.MsgType, payload []byte) error { return nil }

func (g *GPU) Reset() {
	g.resources = map[uint32]*resource{}
	g.scanout = 0
	w, h, f := g.surface.Geometry()
	g.surface.Resize(w, h, f)
}

func (g *GPU) Close() error { return nil }

// Surface exposes the composer's surface, mainly for tests.
func (g *GPU) Surface() *Surface { return g.surface }

func (g *GPU) HandleKick(q uint16) error {
	switch q {
	case ControlQueue:
		return g.harness.DrainQueue(q, g.control)
	case CursorQueue:
		// Cursor updates are accepted and ignored; the remote display
		// renders its own pointer.
		return g.harness.DrainQueue(q, func(chain *virtio.DescChain) uint32 {
			return chain.WriteBack(virtio.GPUEncode(respHdr(virtio.GPURespOKNoData)))
		})
	default:
		return fmt.Errorf("%w: %d", backend.ErrBadQueue, q)
	}
}

func respHdr(t uint32) virtio.GPUCtrlHdr {
	return virtio.GPUCtrlHdr{Type: t}
}

// control services one control-queue request and returns the encoded
// response written back into the chain.
func (g *GPU) control(chain *virtio.DescChain) uint32 {
	req := chain.ReadAll()

	var hdr virtio.GPUCtrlHdr

	body, err := virtio.GPUDecode(req, &hdr)
	if err != nil {
		g.logger.WithError(err).Warn("truncated control request")

		return chain.WriteBack(virtio.GPUEncode(respHdr(virtio.GPURespErrUnspec)))
	}

	resp := g.dispatch(hdr.Type, body)

	return chain.WriteBack(resp)
}

func (g *GPU) dispatch(cmd uint32, body []byte) []byte {
	switch cmd {
	case virtio.GPUCmdGetDisplayInfo:
		return g.displayInfo()
	case virtio.GPUCmdResourceCreate2D:
		return g.resourceCreate(body)
	case virtio.GPUCmdResourceUnref:
		return g.resourceUnref(body)
	case virtio.GPUCmdResourceAttachBacking:
		return g.attachBacking(body)
	case virtio.GPUCmdResourceDetachBacking:
		return g.detachBacking(body)
	case virtio.GPUCmdSetScanout:
		return g.setScanout(body)
	case virtio.GPUCmdTransferToHost2D:
		return g.transfer(body)
	case virtio.GPUCmdResourceFlush:
		return g.flush(body)
	default:
		g.logger.WithField("cmd", fmt.Sprintf("%#x", cmd)).Warn("unknown control command")

		return virtio.GPUEncode(respHdr(virtio.GPURespErrUnspec))
	}
}

func (g *GPU) displayInfo() []byte {
	w, h, _ := g.surface.Geometry()

	info := virtio.GPUDisplayInfo{Hdr: respHdr(virtio.GPURespOKDisplayInfo)}
	info.Pmodes[0] = virtio.GPUDisplayMode{
		Rect:    virtio.GPURect{Width: w, Height: h},
		Enabled: 1,
	}

	return virtio.GPUEncode(info)
}

func (g *GPU) resourceCreate(body []byte) []byte {
	var cmd virtio.GPUResourceCreate2D

	if _, err := virtio.GPUDecode(body, &cmd); err != nil {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	if cmd.ResourceID == 0 {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidResourceID))
	}

	switch cmd.Format {
	case virtio.GPUFormatB8G8R8A8, virtio.GPUFormatB8G8R8X8,
		virtio.GPUFormatA8R8G8B8, virtio.GPUFormatX8R8G8B8:
	default:
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	const maxDim = 16384
	if cmd.Width == 0 || cmd.Height == 0 || cmd.Width > maxDim || cmd.Height > maxDim {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	g.resources[cmd.ResourceID] = &resource{
		format: cmd.Format,
		width:  cmd.Width,
		height: cmd.Height,
		pixels: make([]byte, uint64(cmd.Width)*uint64(cmd.Height)*bytesPerPixel),
	}

	return virtio.GPUEncode(respHdr(virtio.GPURespOKNoData))
}

func (g *GPU) resourceUnref(body []byte) []byte {
	var cmd virtio.GPUResourceUnref

	if _, err := virtio.GPUDecode(body, &cmd); err != nil {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	if _, ok := g.resources[cmd.ResourceID]; !ok {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidResourceID))
	}

	delete(g.resources, cmd.ResourceID)

	if g.scanout == cmd.ResourceID {
		g.scanout = 0
	}

	return virtio.GPUEncode(respHdr(virtio.GPURespOKNoData))
}

func (g *GPU) attachBacking(body []byte) []byte {
	var cmd virtio.GPUResourceAttachBacking

	rest, err := virtio.GPUDecode(body, &cmd)
	if err != nil {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidResourceID))
	}

	entries := make([]virtio.GPUMemEntry, cmd.NrEntries)

	for i := range entries {
		if rest, err = virtio.GPUDecode(rest, &entries[i]); err != nil {
			return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
		}
	}

	res.backing = entries

	return virtio.GPUEncode(respHdr(virtio.GPURespOKNoData))
}

func (g *GPU) detachBacking(body []byte) []byte {
	var cmd virtio.GPUResourceUnref

	if _, err := virtio.GPUDecode(body, &cmd); err != nil {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidResourceID))
	}

	res.backing = nil

	return virtio.GPUEncode(respHdr(virtio.GPURespOKNoData))
}

func (g *GPU) setScanout(body []byte) []byte {
	var cmd virtio.GPUSetScanout

	if _, err := virtio.GPUDecode(body, &cmd); err != nil {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	if cmd.ScanoutID != 0 {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidScanoutID))
	}

	if cmd.ResourceID == 0 {
		g.scanout = 0

		return virtio.GPUEncode(respHdr(virtio.GPURespOKNoData))
	}

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidResourceID))
	}

	g.scanout = cmd.ResourceID

	w, h, f := g.surface.Geometry()
	if w != res.width || h != res.height || f != res.format {
		g.surface.Resize(res.width, res.height, res.format)
	}

	return virtio.GPUEncode(respHdr(virtio.GPURespOKNoData))
}

// readBacking copies length bytes starting at the linear offset off of the
// resource's scattered guest backing.
func (g *GPU) readBacking(res *resource, off uint64, dst []byte) error {
	for _, e := range res.backing {
		if len(dst) == 0 {
			return nil
		}

		if off >= uint64(e.Length) {
			off -= uint64(e.Length)

			continue
		}

		n := uint64(e.Length) - off
		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}

		if err := g.harness.Mem().ReadAt(dst[:n], e.Addr+off); err != nil {
			return err
		}

		dst = dst[n:]
		off = 0
	}

	if len(dst) != 0 {
		return fmt.Errorf("backing store short by %d bytes", len(dst))
	}

	return nil
}

func (g *GPU) transfer(body []byte) []byte {
	var cmd virtio.GPUTransferToHost2D

	if _, err := virtio.GPUDecode(body, &cmd); err != nil {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidResourceID))
	}

	if res.backing == nil {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrUnspec))
	}

	r := cmd.Rect
	if uint64(r.X)+uint64(r.Width) > uint64(res.width) ||
		uint64(r.Y)+uint64(r.Height) > uint64(res.height) {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	// The guest backing is laid out with the resource's stride.
	stride := uint64(res.width) * bytesPerPixel
	rowLen := uint64(r.Width) * bytesPerPixel

	for row := uint32(0); row < r.Height; row++ {
		srcOff := cmd.Offset + uint64(row)*stride
		dstOff := (uint64(r.Y+row)*uint64(res.width) + uint64(r.X)) * bytesPerPixel

		if err := g.readBacking(res, srcOff, res.pixels[dstOff:dstOff+rowLen]); err != nil {
			g.logger.WithError(err).Warn("transfer from guest backing failed")

			return virtio.GPUEncode(respHdr(virtio.GPURespErrUnspec))
		}
	}

	return virtio.GPUEncode(respHdr(virtio.GPURespOKNoData))
}

func (g *GPU) flush(body []byte) []byte {
	var cmd virtio.GPUResourceFlush

	if _, err := virtio.GPUDecode(body, &cmd); err != nil {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	res, ok := g.resources[cmd.ResourceID]
	if !ok {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidResourceID))
	}

	if cmd.ResourceID != g.scanout {
		// Flushing a non-scanout resource is legal and invisible.
		return virtio.GPUEncode(respHdr(virtio.GPURespOKNoData))
	}

	r := cmd.Rect
	if uint64(r.X)+uint64(r.Width) > uint64(res.width) ||
		uint64(r.Y)+uint64(r.Height) > uint64(res.height) {
		return virtio.GPUEncode(respHdr(virtio.GPURespErrInvalidParameter))
	}

	stride := res.width * bytesPerPixel
	off := (uint64(r.Y)*uint64(res.width) + uint64(r.X)) * bytesPerPixel
	g.surface.Draw(r.X, r.Y, r.Width, r.Height, res.pixels[off:], stride)

	update := g.surface.Commit(r.X, r.Y, r.Width, r.Height)

	if g.harness != nil {
		if err := g.harness.Send(ctrl.MsgSurface, update.Encode()); err != nil {
			g.logger.WithError(err).Warn("surface update not delivered")
		}
	}

	return virtio.GPUEncode(respHdr(virtio.GPURespOKNoData))
}
