package virtio

import "encoding/binary"

// InputEvent is the 8-byte event record the input device places into the
// guest's event queue, matching the evdev layout the driver expects.
type InputEvent struct {
	Type  uint16
	Code  uint16
	Value uint32
}

// Event types and codes used by the input backend.
const (
	EvSyn uint16 = 0
	EvKey uint16 = 1
	EvRel uint16 = 2
	EvAbs uint16 = 3

	SynReport uint16 = 0

	RelX uint16 = 0
	RelY uint16 = 1

	AbsX uint16 = 0
	AbsY uint16 = 1

	BtnLeft   uint16 = 0x110
	BtnRight  uint16 = 0x111
	BtnMiddle uint16 = 0x112
)

// InputEventSize is the wire size of one InputEvent.
const InputEventSize = 8

// Encode writes the event little-endian into an 8-byte slice.
func (e InputEvent) Encode() []byte {
	b := make([]byte, InputEventSize)
	binary.LittleEndian.PutUint16(b[0:2], e.Type)
	binary.LittleEndian.PutUint16(b[2:4], e.Code)
	binary.LittleEndian.PutUint32(b[4:8], e.Value)

	return b
}

// DecodeInputEvent parses one event from b.
func DecodeInputEvent(b []byte) (InputEvent, bool) {
	if len(b) < InputEventSize {
		return InputEvent{}, false
	}

	return InputEvent{
		Type:  le16(b[0:2]),
		Code:  le16(b[2:4]),
		Value: le32(b[4:8]),
	}, true
}
