package message

import (
	"encoding/binary"

	"github.com/sessamekesh/stasis-proxy/pkg/errors"
)

const (
	FrameHeaderSize   = 40
	SegmentHeaderSize = 16
	MessageHeaderSize = 16
)

// FrameHeader is the top level header of every unit on the wire.
//
//	0 ------ 16 -------- 24 --- 28 ------------- 30 ------------ 32 ------ 33 -------------- 34 ------- 36 --------------- 40
//	| Prefix | Timestamp | Size | ConnectionType | SegmentCount | Version | CompressionType | Reserved | DecompressedSize |
//
// Size includes the header itself, DecompressedSize does not.
type FrameHeader struct {
	Prefix           [16]byte
	Timestamp        uint64
	Size             uint32
	ConnectionType   ConnectionType
	SegmentCount     uint16
	Version          uint8
	CompressionType  CompressionType
	Reserved         uint16
	DecompressedSize uint32
}

func ParseFrameHeader(b []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(b) < FrameHeaderSize {
		return h, &errors.Underflow{
			MessageName: "FrameHeader",
			MsgSize:     len(b),
			MinimumSize: FrameHeaderSize,
		}
	}

	copy(h.Prefix[:], b[0:16])
	h.Timestamp = binary.LittleEndian.Uint64(b[16:24])
	h.Size = binary.LittleEndian.Uint32(b[24:28])
	h.ConnectionType = ConnectionType(binary.LittleEndian.Uint16(b[28:30]))
	h.SegmentCount = binary.LittleEndian.Uint16(b[30:32])
	h.Version = b[32]
	h.CompressionType = CompressionType(b[33])
	h.Reserved = binary.LittleEndian.Uint16(b[34:36])
	h.DecompressedSize = binary.LittleEndian.Uint32(b[36:40])
	return h, nil
}

// Put writes the header into the first FrameHeaderSize bytes of b.
func (h *FrameHeader) Put(b []byte) {
	_ = b[FrameHeaderSize-1]
	copy(b[0:16], h.Prefix[:])
	binary.LittleEndian.PutUint64(b[16:24], h.Timestamp)
	binary.LittleEndian.PutUint32(b[24:28], h.Size)
	binary.LittleEndian.PutUint16(b[28:30], uint16(h.ConnectionType))
	binary.LittleEndian.PutUint16(b[30:32], h.SegmentCount)
	b[32] = h.Version
	b[33] = uint8(h.CompressionType)
	binary.LittleEndian.PutUint16(b[34:36], h.Reserved)
	binary.LittleEndian.PutUint32(b[36:40], h.DecompressedSize)
}

func (h *FrameHeader) Bytes() []byte {
	out := make([]byte, FrameHeaderSize)
	h.Put(out)
	return out
}

// SegmentHeader precedes every segment. Size includes the header.
type SegmentHeader struct {
	Size        uint32
	SourceActor uint32
	TargetActor uint32
	SegmentType SegmentType
	Reserved    uint16
}

func ParseSegmentHeader(b []byte) (SegmentHeader, error) {
	var h SegmentHeader
	if len(b) < SegmentHeaderSize {
		return h, &errors.Underflow{
			MessageName: "SegmentHeader",
			MsgSize:     len(b),
			MinimumSize: SegmentHeaderSize,
		}
	}

	h.Size = binary.LittleEndian.Uint32(b[0:4])
	h.SourceActor = binary.LittleEndian.Uint32(b[4:8])
	h.TargetActor = binary.LittleEndian.Uint32(b[8:12])
	h.SegmentType = SegmentType(binary.LittleEndian.Uint16(b[12:14]))
	h.Reserved = binary.LittleEndian.Uint16(b[14:16])
	return h, nil
}

func (h *SegmentHeader) Put(b []byte) {
	_ = b[SegmentHeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:4], h.Size)
	binary.LittleEndian.PutUint32(b[4:8], h.SourceActor)
	binary.LittleEndian.PutUint32(b[8:12], h.TargetActor)
	binary.LittleEndian.PutUint16(b[12:14], uint16(h.SegmentType))
	binary.LittleEndian.PutUint16(b[14:16], h.Reserved)
}

func (h *SegmentHeader) Bytes() []byte {
	out := make([]byte, SegmentHeaderSize)
	h.Put(out)
	return out
}

// MessageHeader sits at the start of an Ipc segment payload.
//
// Opcodes are reshuffled by every game patch; the proxy only ever compares one of them.
type MessageHeader struct {
	Reserved0 uint16
	Opcode    uint16
	Reserved1 uint16
	ServerId  uint16
	Timestamp uint32
	Reserved2 uint32
}

func ParseMessageHeader(b []byte) (MessageHeader, error) {
	var h MessageHeader
	if len(b) < MessageHeaderSize {
		return h, &errors.Underflow{
			MessageName: "MessageHeader",
			MsgSize:     len(b),
			MinimumSize: MessageHeaderSize,
		}
	}

	h.Reserved0 = binary.LittleEndian.Uint16(b[0:2])
	h.Opcode = binary.LittleEndian.Uint16(b[2:4])
	h.Reserved1 = binary.LittleEndian.Uint16(b[4:6])
	h.ServerId = binary.LittleEndian.Uint16(b[6:8])
	h.Timestamp = binary.LittleEndian.Uint32(b[8:12])
	h.Reserved2 = binary.LittleEndian.Uint32(b[12:16])
	return h, nil
}

func (h *MessageHeader) Put(b []byte) {
	_ = b[MessageHeaderSize-1]
	binary.LittleEndian.PutUint16(b[0:2], h.Reserved0)
	binary.LittleEndian.PutUint16(b[2:4], h.Opcode)
	binary.LittleEndian.PutUint16(b[4:6], h.Reserved1)
	binary.LittleEndian.PutUint16(b[6:8], h.ServerId)
	binary.LittleEndian.PutUint32(b[8:12], h.Timestamp)
	binary.LittleEndian.PutUint32(b[12:16], h.Reserved2)
}

func (h *MessageHeader) Bytes() []byte {
	out := make([]byte, MessageHeaderSize)
	h.Put(out)
	return out
}
