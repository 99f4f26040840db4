package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire format of the gpu device's control queue (2D command subset). Every
// request is a device-readable buffer holding a GPUCtrlHdr-prefixed command
// and a device-writable buffer for the response.
const (
	GPUCmdGetDisplayInfo        uint32 = 0x0100
	GPUCmdResourceCreate2D      uint32 = 0x0101
	GPUCmdResourceUnref         uint32 = 0x0102
	GPUCmdSetScanout            uint32 = 0x0103
	GPUCmdResourceFlush         uint32 = 0x0104
	GPUCmdTransferToHost2D      uint32 = 0x0105
	GPUCmdResourceAttachBacking uint32 = 0x0106
	GPUCmdResourceDetachBacking uint32 = 0x0107

	GPURespOKNoData      uint32 = 0x1100
	GPURespOKDisplayInfo uint32 = 0x1101

	GPURespErrUnspec            uint32 = 0x1200
	GPURespErrOutOfMemory       uint32 = 0x1201
	GPURespErrInvalidScanoutID  uint32 = 0x1202
	GPURespErrInvalidResourceID uint32 = 0x1203
	GPURespErrInvalidParameter  uint32 = 0x1205
)

// Pixel formats (32 bits per pixel, byte order as named).
const (
	GPUFormatB8G8R8A8 uint32 = 1
	GPUFormatB8G8R8X8 uint32 = 2
	GPUFormatA8R8G8B8 uint32 = 3
	GPUFormatX8R8G8B8 uint32 = 4
)

// GPUCtrlHdr prefixes every control request and response.
type GPUCtrlHdr struct {
	Type    uint32
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	Padding uint32
}

// GPURect is a rectangle in surface coordinates.
type GPURect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

type GPUResourceCreate2D struct {
	ResourceID uint32
	Format     uint32
	Width      uint32
	Height     uint32
}

type GPUResourceUnref struct {
	ResourceID uint32
	Padding    uint32
}

type GPUSetScanout struct {
	Rect       GPURect
	ScanoutID  uint32
	ResourceID uint32
}

type GPUTransferToHost2D struct {
	Rect       GPURect
	Offset     uint64
	ResourceID uint32
	Padding    uint32
}

type GPUResourceFlush struct {
	Rect       GPURect
	ResourceID uint32
	Padding    uint32
}

// GPUResourceAttachBacking is followed on the wire by NrEntries GPUMemEntry.
type GPUResourceAttachBacking struct {
	ResourceID uint32
	NrEntries  uint32
}

type GPUMemEntry struct {
	Addr    uint64
	Length  uint32
	Padding uint32
}

type GPUDisplayMode struct {
	Rect    GPURect
	Enabled uint32
	Flags   uint32
}

// GPUDisplayInfo is the response body of GetDisplayInfo; this device exposes
// a single scanout.
type GPUDisplayInfo struct {
	Hdr    GPUCtrlHdr
	Pmodes [1]GPUDisplayMode
}

// GPUConfig is the device configuration space.
type GPUConfig struct {
	EventsRead  uint32
	EventsClear uint32
	NumScanouts uint32
	NumCapsets  uint32
}

// GPUEncode serializes a fixed-size command structure little-endian.
func GPUEncode(vs ...any) []byte {
	buf := new(bytes.Buffer)

	for _, v := range vs {
		// Writes into a bytes.Buffer cannot fail.
		_ = binary.Write(buf, binary.LittleEndian, v)
	}

	return buf.Bytes()
}

// GPUDecode parses a fixed-size structure from the front of b and returns
// the remaining bytes.
func GPUDecode(b []byte, v any) ([]byte, error) {
	r := bytes.NewReader(b)

	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("gpu command truncated: %w", err)
	}

	return b[len(b)-r.Len():], nil
}
