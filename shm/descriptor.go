package shm

import "encoding/binary"

// MsgType is the descriptor's msg_type discriminant.
type MsgType uint8

const (
	MsgRequest MsgType = 1 + iota
	MsgResponse
	MsgCancel
	MsgData
	MsgClose
	MsgReset
	MsgGoodbye
)

// InlineCapacity is the descriptor's inline payload capacity.
const InlineCapacity = 32

// NoSlot in payload_slot marks a descriptor whose payload is carried
// inline rather than in a pool slot.
const NoSlot = uint32(0xFFFFFFFF)

// descriptor field byte offsets within its 64-byte region.
const (
	descOffMsgType       = 0  // u8
	descOffFlags          = 1  // u8
	// [2..4) reserved
	descOffID              = 4  // u32
	descOffMethodID        = 8  // u64 (Request only)
	descOffPayloadSlot     = 16 // u32
	descOffPayloadGen      = 20 // u32
	descOffPayloadOffset   = 24 // u32
	descOffPayloadLen      = 28 // u32
	descOffInlinePayload   = 32 // [32]byte, runs to 64
)

// Descriptor is the decoded view of one 64-byte ring slot.
type Descriptor struct {
	MsgType           MsgType
	Flags             uint8
	ID                uint32 // request_id or stream_id, truncated to 32 bits
	MethodID          uint64
	PayloadSlot       uint32
	PayloadGeneration uint32
	PayloadOffset     uint32
	PayloadLen        uint32
	InlinePayload     [InlineCapacity]byte
}

func encodeDescriptor(b []byte, d Descriptor) {
	b[descOffMsgType] = byte(d.MsgType)
	b[descOffFlags] = d.Flags
	binary.LittleEndian.PutUint32(b[descOffID:], d.ID)
	binary.LittleEndian.PutUint64(b[descOffMethodID:], d.MethodID)
	binary.LittleEndian.PutUint32(b[descOffPayloadSlot:], d.PayloadSlot)
	binary.LittleEndian.PutUint32(b[descOffPayloadGen:], d.PayloadGeneration)
	binary.LittleEndian.PutUint32(b[descOffPayloadOffset:], d.PayloadOffset)
	binary.LittleEndian.PutUint32(b[descOffPayloadLen:], d.PayloadLen)
	copy(b[descOffInlinePayload:descOffInlinePayload+InlineCapacity], d.InlinePayload[:])
}

func decodeDescriptor(b []byte) Descriptor {
	var d Descriptor
	d.MsgType = MsgType(b[descOffMsgType])
	d.Flags = b[descOffFlags]
	d.ID = binary.LittleEndian.Uint32(b[descOffID:])
	d.MethodID = binary.LittleEndian.Uint64(b[descOffMethodID:])
	d.PayloadSlot = binary.LittleEndian.Uint32(b[descOffPayloadSlot:])
	d.PayloadGeneration = binary.LittleEndian.Uint32(b[descOffPayloadGen:])
	d.PayloadOffset = binary.LittleEndian.Uint32(b[descOffPayloadOffset:])
	d.PayloadLen = binary.LittleEndian.Uint32(b[descOffPayloadLen:])
	copy(d.InlinePayload[:], b[descOffInlinePayload:descOffInlinePayload+InlineCapacity])
	return d
}
