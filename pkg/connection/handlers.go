package connection

import (
	"sync"

	"github.com/sessamekesh/stasis-proxy/pkg/errors"
	"github.com/sessamekesh/stasis-proxy/pkg/message"
)

// SegmentEvent fires for every segment, before the segment is forwarded.
//
// Data is a view into the connection's read buffer and is only valid for the duration
// of the call. Bytes may be edited in place; the length can not change.
type SegmentEvent struct {
	Direction     message.Direction
	FrameHeader   *message.FrameHeader
	SegmentHeader *message.SegmentHeader
	Data          []byte

	// Dropped withholds the segment from the destination. Later handlers still run.
	Dropped bool
}

// MessageEvent fires for every Ipc segment that survived the segment handlers.
// Data excludes the message header.
type MessageEvent struct {
	Direction     message.Direction
	FrameHeader   *message.FrameHeader
	SegmentHeader *message.SegmentHeader
	MessageHeader *message.MessageHeader
	Data          []byte
	Dropped       bool
}

// FrameEvent fires last, with the reassembled frame body that is about to be written.
type FrameEvent struct {
	Direction   message.Direction
	FrameHeader *message.FrameHeader
	Data        []byte
	Dropped     bool
}

type SegmentHandler func(c *Connection, ev *SegmentEvent) error
type MessageHandler func(c *Connection, ev *MessageEvent) error
type FrameHandler func(c *Connection, ev *FrameEvent) error

type namedHandler[T any] struct {
	name string
	fn   T
}

// Handlers is an ordered registry of interceptors. Handlers run synchronously on the
// pump goroutine in registration order, so a slow handler stalls that direction.
type Handlers struct {
	mut_handlers sync.RWMutex
	segment      []namedHandler[SegmentHandler]
	message      []namedHandler[MessageHandler]
	frame        []namedHandler[FrameHandler]
}

func NewHandlers() *Handlers {
	return &Handlers{}
}

func register[T any](list []namedHandler[T], context, name string, fn T) ([]namedHandler[T], error) {
	for _, h := range list {
		if h.name == name {
			return list, &errors.NameCollision{CollisionContext: context, Name: name}
		}
	}
	return append(list, namedHandler[T]{name: name, fn: fn}), nil
}

func (h *Handlers) OnSegment(name string, fn SegmentHandler) error {
	h.mut_handlers.Lock()
	defer h.mut_handlers.Unlock()

	var err error
	h.segment, err = register(h.segment, "OnSegment", name, fn)
	return err
}

func (h *Handlers) OnMessage(name string, fn MessageHandler) error {
	h.mut_handlers.Lock()
	defer h.mut_handlers.Unlock()

	var err error
	h.message, err = register(h.message, "OnMessage", name, fn)
	return err
}

func (h *Handlers) OnFrame(name string, fn FrameHandler) error {
	h.mut_handlers.Lock()
	defer h.mut_handlers.Unlock()

	var err error
	h.frame, err = register(h.frame, "OnFrame", name, fn)
	return err
}

func without[T any](list []namedHandler[T], name string) ([]namedHandler[T], bool) {
	for i, h := range list {
		if h.name == name {
			out := make([]namedHandler[T], 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), true
		}
	}
	return list, false
}

// Remove unregisters every handler with the given name. Returns false if there was none.
func (h *Handlers) Remove(name string) bool {
	h.mut_handlers.Lock()
	defer h.mut_handlers.Unlock()

	var a, b, c bool
	h.segment, a = without(h.segment, name)
	h.message, b = without(h.message, name)
	h.frame, c = without(h.frame, name)
	return a || b || c
}

// Clone copies the registry, so per-connection additions do not leak back to a proxy.
func (h *Handlers) Clone() *Handlers {
	if h == nil {
		return NewHandlers()
	}

	h.mut_handlers.RLock()
	defer h.mut_handlers.RUnlock()

	return &Handlers{
		segment: append([]namedHandler[SegmentHandler]{}, h.segment...),
		message: append([]namedHandler[MessageHandler]{}, h.message...),
		frame:   append([]namedHandler[FrameHandler]{}, h.frame...),
	}
}

// Registration replaces the slices instead of mutating them, so a snapshot stays valid
// after the lock is released.
func (h *Handlers) snapshot() ([]namedHandler[SegmentHandler], []namedHandler[MessageHandler], []namedHandler[FrameHandler]) {
	h.mut_handlers.RLock()
	defer h.mut_handlers.RUnlock()
	return h.segment, h.message, h.frame
}
