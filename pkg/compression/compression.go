// Package compression adapts a stateful, session scoped compressor to the frame pipeline.
//
// Every instance carries history from all earlier calls. Decoding one direction's
// traffic is only correct when every frame of that direction went through the same
// instance, in order, exactly once. Instances are never shared across directions or
// connections.
package compression

type Compressor interface {
	// Compress encodes one frame body and records it in the instance's history.
	Compress(input []byte) ([]byte, error)

	// Decompress decodes one frame body that is expected to expand to exactly size bytes.
	// A failure means the stream is out of sync, and returns *errors.DecodeError.
	Decompress(input []byte, size int) ([]byte, error)
}

type Factory interface {
	Create() Compressor
}

type FactoryFunc func() Compressor

func (f FactoryFunc) Create() Compressor {
	return f()
}
