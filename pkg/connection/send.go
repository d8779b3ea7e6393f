package connection

import (
	"github.com/sessamekesh/stasis-proxy/pkg/errors"
	"github.com/sessamekesh/stasis-proxy/pkg/message"
)

// SendFrame injects a frame carrying payload toward one side of the connection. payload
// holds already encoded segments. The timestamp, connection type, segment count and
// sizes are filled in here; everything else in header is sent as given.
//
// Custom compression is used only if header asks for it and the connection has a
// compressor for that destination. Otherwise the frame goes out uncompressed.
func (c *Connection) SendFrame(direction message.Direction, header message.FrameHeader, payload []byte) error {
	dst, mut, compressor := c.destination(direction)

	limit := c.protocol.maxFrameSize()
	if message.FrameHeaderSize+len(payload) > limit {
		return &errors.FrameTooLarge{Context: "outgoing frame", DeclaredSize: message.FrameHeaderSize + len(payload), Limit: limit}
	}

	count, err := countSegments(payload)
	if err != nil {
		return err
	}

	header.Timestamp = uint64(c.params.Now().UnixMilli())
	header.SegmentCount = count
	header.DecompressedSize = uint32(len(payload))
	if t, ok := c.Type(); ok {
		header.ConnectionType = t
	}

	mut.Lock()
	defer mut.Unlock()

	body := payload
	if header.CompressionType == message.CompressionType_Custom && compressor != nil {
		body, err = compressor.Compress(payload)
		if err != nil {
			return err
		}
	} else {
		header.CompressionType = message.CompressionType_None
	}
	header.Size = uint32(message.FrameHeaderSize + len(body))

	frame := make([]byte, message.FrameHeaderSize, message.FrameHeaderSize+len(body))
	header.Put(frame)
	frame = append(frame, body...)

	_, err = dst.Write(frame)
	return err
}

// SendSegment wraps payload in a single segment. Ipc payloads are enciphered when the
// session has a key; payload itself is not modified.
func (c *Connection) SendSegment(direction message.Direction, frameHeader message.FrameHeader, segmentHeader message.SegmentHeader, payload []byte) error {
	segmentHeader.Size = uint32(message.SegmentHeaderSize + len(payload))

	buf := make([]byte, message.SegmentHeaderSize+len(payload))
	segmentHeader.Put(buf)
	copy(buf[message.SegmentHeaderSize:], payload)

	if segmentHeader.SegmentType == message.SegmentType_Ipc {
		if cipher := c.cipher.Load(); cipher != nil {
			cipher.EncipherPadded(buf[message.SegmentHeaderSize:])
		}
	}

	return c.SendFrame(direction, frameHeader, buf)
}

// SendMessage wraps payload in an Ipc message. The message timestamp is set to the
// current time in seconds.
func (c *Connection) SendMessage(direction message.Direction, frameHeader message.FrameHeader, segmentHeader message.SegmentHeader, messageHeader message.MessageHeader, payload []byte) error {
	messageHeader.Timestamp = uint32(c.params.Now().Unix())
	segmentHeader.SegmentType = message.SegmentType_Ipc

	buf := make([]byte, message.MessageHeaderSize+len(payload))
	messageHeader.Put(buf)
	copy(buf[message.MessageHeaderSize:], payload)

	return c.SendSegment(direction, frameHeader, segmentHeader, buf)
}

func countSegments(payload []byte) (uint16, error) {
	var count uint16
	for pos := 0; pos < len(payload); count++ {
		header, err := message.ParseSegmentHeader(payload[pos:])
		if err != nil {
			return 0, err
		}
		size := int(header.Size)
		if size < message.SegmentHeaderSize || pos+size > len(payload) {
			return 0, &errors.FrameTooLarge{Context: "outgoing segment", DeclaredSize: size, Limit: len(payload) - pos}
		}
		pos += size
	}
	return count, nil
}
