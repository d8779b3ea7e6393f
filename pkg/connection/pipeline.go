package connection

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/sessamekesh/stasis-proxy/pkg/compression"
	"github.com/sessamekesh/stasis-proxy/pkg/encryption"
	"github.com/sessamekesh/stasis-proxy/pkg/errors"
	"github.com/sessamekesh/stasis-proxy/pkg/message"
	"go.uber.org/zap"
)

// pump moves frames from one socket to the other. Buffers are owned by the pump and
// reused for every frame, so event views are only valid during a single frame.
type pump struct {
	conn      *Connection
	direction message.Direction
	log       *zap.Logger

	src net.Conn
	dst net.Conn

	mut_dst         *sync.Mutex
	readCompressor  compression.Compressor
	writeCompressor compression.Compressor

	readBuf  []byte
	writeBuf []byte
	scratch  []byte
}

func (c *Connection) newPump(direction message.Direction) *pump {
	dst, mut, writeCompressor := c.destination(direction)
	size := c.protocol.maxFrameSize()

	p := &pump{
		conn:            c,
		direction:       direction,
		log:             c.log.With(zap.Stringer("direction", direction)),
		src:             c.source(direction),
		dst:             dst,
		mut_dst:         mut,
		writeCompressor: writeCompressor,
		readBuf:         make([]byte, size),
		writeBuf:        make([]byte, size),
		scratch:         make([]byte, size),
	}
	if c.params.CompressorFactory != nil {
		p.readCompressor = c.params.CompressorFactory.Create()
	}
	return p
}

func (p *pump) run(ctx context.Context) error {
	p.log.Debug("Starting pump")
	defer p.log.Debug("Stopping pump")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processFrame(); err != nil {
			return err
		}
	}
}

func (p *pump) processFrame() error {
	c := p.conn
	limit := len(p.readBuf)

	if _, err := io.ReadFull(p.src, p.readBuf[:message.FrameHeaderSize]); err != nil {
		return err
	}
	frameHeader, err := message.ParseFrameHeader(p.readBuf)
	if err != nil {
		return err
	}
	c.latchType(frameHeader.ConnectionType)

	frameSize := int(frameHeader.Size)
	if frameSize < message.FrameHeaderSize || frameSize > limit {
		return &errors.FrameTooLarge{Context: "frame", DeclaredSize: frameSize, Limit: limit}
	}
	bodySize := frameSize - message.FrameHeaderSize

	compressed := false
	switch frameHeader.CompressionType {
	case message.CompressionType_None:
		if _, err := io.ReadFull(p.src, p.readBuf[message.FrameHeaderSize:frameSize]); err != nil {
			return err
		}
	case message.CompressionType_Custom:
		if p.readCompressor == nil || p.writeCompressor == nil {
			return &errors.UnsupportedCompression{CompressionType: uint8(frameHeader.CompressionType)}
		}
		decompressedSize := int(frameHeader.DecompressedSize)
		if decompressedSize > limit-message.FrameHeaderSize {
			return &errors.FrameTooLarge{Context: "decompressed frame", DeclaredSize: decompressedSize, Limit: limit - message.FrameHeaderSize}
		}
		if _, err := io.ReadFull(p.src, p.scratch[:bodySize]); err != nil {
			return err
		}

		// The read compressor is private to this pump, but decoding happens in the same
		// critical section as writes to keep the two streams in step.
		p.mut_dst.Lock()
		body, err := p.readCompressor.Decompress(p.scratch[:bodySize], decompressedSize)
		p.mut_dst.Unlock()
		if err != nil {
			return err
		}
		copy(p.readBuf[message.FrameHeaderSize:], body)
		bodySize = decompressedSize
		compressed = true
	default:
		return &errors.UnsupportedCompression{CompressionType: uint8(frameHeader.CompressionType)}
	}

	body := p.readBuf[message.FrameHeaderSize : message.FrameHeaderSize+bodySize]
	segmentHandlers, messageHandlers, frameHandlers := c.handlers.snapshot()

	readPos := 0
	writePos := message.FrameHeaderSize
	var writeCount uint16

	for i := 0; i < int(frameHeader.SegmentCount); i++ {
		if readPos+message.SegmentHeaderSize > len(body) {
			return &errors.FrameTooLarge{Context: "segment header", DeclaredSize: readPos + message.SegmentHeaderSize, Limit: len(body)}
		}
		segmentHeader, err := message.ParseSegmentHeader(body[readPos:])
		if err != nil {
			return err
		}
		segmentSize := int(segmentHeader.Size)
		if segmentSize < message.SegmentHeaderSize || readPos+segmentSize > len(body) {
			return &errors.FrameTooLarge{Context: "segment", DeclaredSize: segmentSize, Limit: len(body) - readPos}
		}
		data := body[readPos+message.SegmentHeaderSize : readPos+segmentSize]
		readPos += segmentSize

		if segmentHeader.SegmentType == message.SegmentType_EncryptionInit && p.direction == message.Direction_Serverbound {
			p.initCipher(data)
		}

		cipher := c.cipher.Load()
		isIpc := segmentHeader.SegmentType == message.SegmentType_Ipc
		if isIpc && cipher != nil {
			cipher.DecipherPadded(data)
		}

		segmentEvent := &SegmentEvent{
			Direction:     p.direction,
			FrameHeader:   &frameHeader,
			SegmentHeader: &segmentHeader,
			Data:          data,
		}
		for _, h := range segmentHandlers {
			p.invoke(h.name, "segment", func() error { return h.fn(c, segmentEvent) })
		}
		dropped := segmentEvent.Dropped

		if isIpc && !dropped && len(data) >= message.MessageHeaderSize {
			dropped = p.processMessage(messageHandlers, &frameHeader, &segmentHeader, data)
		}
		if dropped {
			continue
		}

		segmentHeader.Size = uint32(message.SegmentHeaderSize + len(data))
		segmentHeader.Put(p.writeBuf[writePos:])
		out := p.writeBuf[writePos+message.SegmentHeaderSize : writePos+message.SegmentHeaderSize+len(data)]
		copy(out, data)
		if isIpc && cipher != nil {
			cipher.EncipherPadded(out)
		}
		writePos += message.SegmentHeaderSize + len(data)
		writeCount++
	}

	if writeCount == 0 {
		return nil
	}

	frameHeader.Size = uint32(writePos)
	frameHeader.DecompressedSize = uint32(writePos - message.FrameHeaderSize)
	frameHeader.SegmentCount = writeCount

	frameEvent := &FrameEvent{
		Direction:   p.direction,
		FrameHeader: &frameHeader,
		Data:        p.writeBuf[message.FrameHeaderSize:writePos],
	}
	for _, h := range frameHandlers {
		p.invoke(h.name, "frame", func() error { return h.fn(c, frameEvent) })
	}
	if frameEvent.Dropped {
		return nil
	}

	// Sizes always describe what is actually written.
	frameHeader.Size = uint32(writePos)
	frameHeader.DecompressedSize = uint32(writePos - message.FrameHeaderSize)
	frameHeader.SegmentCount = writeCount

	if err := p.write(&frameHeader, p.writeBuf[message.FrameHeaderSize:writePos], compressed); err != nil {
		return err
	}
	c.recordFrame(p.direction)
	return nil
}

// processMessage runs the message stage for one Ipc segment and reports whether it was dropped.
func (p *pump) processMessage(handlers []namedHandler[MessageHandler], frameHeader *message.FrameHeader, segmentHeader *message.SegmentHeader, data []byte) bool {
	c := p.conn

	messageHeader, err := message.ParseMessageHeader(data)
	if err != nil {
		return false
	}
	payload := data[message.MessageHeaderSize:]

	if c.params.Kind == Kind_Lobby &&
		p.direction == message.Direction_Clientbound &&
		messageHeader.Opcode == c.protocol.Handoff.Opcode &&
		c.params.ZoneTarget != nil {
		p.invoke("handoff", "handoff", func() error {
			zoneServer, err := RewriteHandoff(payload, c.protocol.Handoff, c.params.ZoneTarget)
			if err != nil {
				return err
			}
			p.log.Info("Redirected client to zone proxy",
				zap.Stringer("zoneServer", zoneServer),
				zap.Stringer("zoneProxy", c.params.ZoneTarget.PublicEndpoint()))
			return nil
		})
	}

	messageEvent := &MessageEvent{
		Direction:     p.direction,
		FrameHeader:   frameHeader,
		SegmentHeader: segmentHeader,
		MessageHeader: &messageHeader,
		Data:          payload,
	}
	for _, h := range handlers {
		p.invoke(h.name, "message", func() error { return h.fn(c, messageEvent) })
	}
	if messageEvent.Dropped {
		return true
	}

	messageHeader.Put(data)
	return false
}

// initCipher derives the session cipher from the first EncryptionInit the client sends.
// Later handshakes on the same connection are ignored.
func (p *pump) initCipher(data []byte) {
	c := p.conn
	if c.cipher.Load() != nil {
		return
	}

	cipher, err := encryption.NewCipherFromInit(data, c.protocol.Key)
	if err != nil {
		p.log.Warn("Failed to derive session key from EncryptionInit", zap.Error(err))
		return
	}

	// Set exactly once, under the destination lock, so no frame toward the server is
	// written between the handshake and the key taking effect.
	p.mut_dst.Lock()
	defer p.mut_dst.Unlock()
	if c.cipher.CompareAndSwap(nil, cipher) {
		p.log.Info("Session encryption established")
	}
}

// invoke runs one interceptor. Errors and panics are logged and the pipeline moves on.
func (p *pump) invoke(name, stage string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Interceptor panicked",
				zap.String("interceptor", name),
				zap.String("stage", stage),
				zap.Any("panic", r))
		}
	}()

	if err := fn(); err != nil {
		p.log.Warn("Interceptor failed",
			zap.String("interceptor", name),
			zap.String("stage", stage),
			zap.Error(err))
	}
}

// write sends one frame. Compression and the socket write share a critical section so
// the destination's compressor history matches the byte stream the peer receives.
func (p *pump) write(header *message.FrameHeader, body []byte, compress bool) error {
	p.mut_dst.Lock()
	defer p.mut_dst.Unlock()

	if compress {
		out, err := p.writeCompressor.Compress(body)
		if err != nil {
			return err
		}
		header.Size = uint32(message.FrameHeaderSize + len(out))

		frame := p.scratch[:message.FrameHeaderSize]
		header.Put(frame)
		frame = append(frame, out...)
		_, err = p.dst.Write(frame)
		return err
	}

	header.Put(p.writeBuf)
	_, err := p.dst.Write(p.writeBuf[:int(header.Size)])
	return err
}
