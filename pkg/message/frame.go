package message

import (
	"github.com/sessamekesh/stasis-proxy/pkg/errors"
)

// Segment is an owned copy of one segment, used when synthesizing traffic.
type Segment struct {
	Header SegmentHeader
	Data   []byte
}

// NewIpcSegment prefixes data with the message header and marks the segment as Ipc.
func NewIpcSegment(header SegmentHeader, ipc MessageHeader, data []byte) Segment {
	payload := make([]byte, MessageHeaderSize+len(data))
	ipc.Put(payload)
	copy(payload[MessageHeaderSize:], data)

	header.SegmentType = SegmentType_Ipc
	header.Size = uint32(SegmentHeaderSize + len(payload))
	return Segment{Header: header, Data: payload}
}

// EncodeFrame serializes an uncompressed frame, deriving every length field from the data.
func EncodeFrame(header FrameHeader, segments []Segment) []byte {
	bodySize := 0
	for _, s := range segments {
		bodySize += SegmentHeaderSize + len(s.Data)
	}

	out := make([]byte, FrameHeaderSize+bodySize)
	header.Size = uint32(len(out))
	header.DecompressedSize = uint32(bodySize)
	header.SegmentCount = uint16(len(segments))
	header.Put(out)

	pos := FrameHeaderSize
	for _, s := range segments {
		s.Header.Size = uint32(SegmentHeaderSize + len(s.Data))
		s.Header.Put(out[pos:])
		copy(out[pos+SegmentHeaderSize:], s.Data)
		pos += int(s.Header.Size)
	}

	return out
}

// DecodeFrame splits an uncompressed frame into its segments. Segment data aliases b.
func DecodeFrame(b []byte) (FrameHeader, []Segment, error) {
	header, err := ParseFrameHeader(b)
	if err != nil {
		return header, nil, err
	}

	if int(header.Size) > len(b) || header.Size < FrameHeaderSize {
		return header, nil, &errors.Underflow{
			MessageName: "Frame",
			MsgSize:     len(b),
			MinimumSize: int(header.Size),
		}
	}

	segments := make([]Segment, 0, header.SegmentCount)
	body := b[FrameHeaderSize:header.Size]
	pos := 0
	for i := 0; i < int(header.SegmentCount); i++ {
		segmentHeader, err := ParseSegmentHeader(body[pos:])
		if err != nil {
			return header, nil, err
		}

		end := pos + int(segmentHeader.Size)
		if segmentHeader.Size < SegmentHeaderSize || end > len(body) {
			return header, nil, &errors.FrameTooLarge{
				Context:      "segment",
				DeclaredSize: int(segmentHeader.Size),
				Limit:        len(body) - pos,
			}
		}

		segments = append(segments, Segment{
			Header: segmentHeader,
			Data:   body[pos+SegmentHeaderSize : end],
		})
		pos = end
	}

	return header, segments, nil
}
