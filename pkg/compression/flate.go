package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/sessamekesh/stasis-proxy/pkg/errors"
)

// WindowSize is the largest history a deflate back reference can reach.
const WindowSize = 32 * 1024

// Flate keeps a sliding window of everything it has encoded or decoded and primes each
// frame with it as a preset dictionary, so later frames compress against earlier ones.
// Calls are serialized; the window is not safe for parallel use.
type Flate struct {
	mut    sync.Mutex
	level  int
	window []byte
}

func NewFlate(level int) *Flate {
	if level == 0 {
		level = flate.BestSpeed
	}
	return &Flate{
		level:  level,
		window: make([]byte, 0, WindowSize),
	}
}

func NewFlateFactory(level int) Factory {
	return FactoryFunc(func() Compressor {
		return NewFlate(level)
	})
}

func (f *Flate) Compress(input []byte) ([]byte, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	var out bytes.Buffer
	w, err := flate.NewWriterDict(&out, f.level, f.window)
	if err != nil {
		return nil, fmt.Errorf("failed to create flate writer: %w", err)
	}
	if _, err := w.Write(input); err != nil {
		return nil, fmt.Errorf("failed to compress frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush compressed frame: %w", err)
	}

	f.remember(input)
	return out.Bytes(), nil
}

func (f *Flate) Decompress(input []byte, size int) ([]byte, error) {
	f.mut.Lock()
	defer f.mut.Unlock()

	r := flate.NewReaderDict(bytes.NewReader(input), f.window)
	defer r.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, &errors.DecodeError{ExpectedSize: size, Cause: err}
	}

	// The stream has to end exactly at the declared size.
	var extra [1]byte
	n, err := r.Read(extra[:])
	if n > 0 {
		return nil, &errors.DecodeError{ExpectedSize: size, Cause: fmt.Errorf("trailing data after %d bytes", size)}
	}
	if err != nil && err != io.EOF {
		return nil, &errors.DecodeError{ExpectedSize: size, Cause: err}
	}

	f.remember(out)
	return out, nil
}

func (f *Flate) remember(b []byte) {
	if len(b) >= WindowSize {
		f.window = append(f.window[:0], b[len(b)-WindowSize:]...)
		return
	}

	if overflow := len(f.window) + len(b) - WindowSize; overflow > 0 {
		f.window = append(f.window[:0], f.window[overflow:]...)
	}
	f.window = append(f.window, b...)
}
