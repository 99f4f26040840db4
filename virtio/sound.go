package virtio

import "encoding/binary"

// Sound device wire format: the tx queue carries PCM frames, each chain a
// SndPCMXfer header in the readable part, sample bytes after it, and a
// device-writable SndPCMStatus.
const (
	SndStatusOK     uint32 = 0x8000
	SndStatusBadMsg uint32 = 0x8001
	SndStatusIOErr  uint32 = 0x8003
)

// SndPCMXferSize is the wire size of the per-frame header.
const SndPCMXferSize = 4

// SndPCMStatusSize is the wire size of the per-frame status response.
const SndPCMStatusSize = 8

type SndPCMXfer struct {
	StreamID uint32
}

func (x SndPCMXfer) Encode() []byte {
	b := make([]byte, SndPCMXferSize)
	binary.LittleEndian.PutUint32(b, x.StreamID)

	return b
}

type SndPCMStatus struct {
	Status  uint32
	Latency uint32
}

func (s SndPCMStatus) Encode() []byte {
	b := make([]byte, SndPCMStatusSize)
	binary.LittleEndian.PutUint32(b[0:4], s.Status)
	binary.LittleEndian.PutUint32(b[4:8], s.Latency)

	return b
}

// DecodeSndPCMXfer parses the frame header and returns the sample payload.
func DecodeSndPCMXfer(b []byte) (SndPCMXfer, []byte, bool) {
	if len(b) < SndPCMXferSize {
		return SndPCMXfer{}, nil, false
	}

	return SndPCMXfer{StreamID: le32(b[0:4])}, b[SndPCMXferSize:], true
}
