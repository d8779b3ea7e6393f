package connection

import (
	"context"
	goerrors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/stasis-proxy/pkg/compression"
	"github.com/sessamekesh/stasis-proxy/pkg/encryption"
	"github.com/sessamekesh/stasis-proxy/pkg/errors"
	"github.com/sessamekesh/stasis-proxy/pkg/message"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Kind uint8

const (
	Kind_Lobby Kind = iota
	Kind_Zone
)

func (k Kind) String() string {
	switch k {
	case Kind_Lobby:
		return "lobby"
	case Kind_Zone:
		return "zone"
	}
	return "unknown"
}

type Params struct {
	Kind Kind

	// Protocol defaults to DefaultProtocolConfig when nil.
	Protocol *ProtocolConfig

	// CompressorFactory is required to forward frames that use custom compression.
	CompressorFactory compression.Factory

	// ZoneTarget receives the zone server announced by the lobby. Only used by lobby connections.
	ZoneTarget ZoneTarget

	// Handlers is cloned; use Connection.Handlers to add interceptors to a single connection.
	Handlers *Handlers

	Logger *zap.Logger
	Now    func() time.Time
}

type Stats struct {
	FramesServerbound uint64
	FramesClientbound uint64
	LastServerbound   time.Time
	LastClientbound   time.Time
}

// Connection relays one client session to one upstream server and exposes every
// segment, message and frame to the registered interceptors on the way through.
type Connection struct {
	id       uuid.UUID
	params   Params
	protocol ProtocolConfig
	handlers *Handlers
	log      *zap.Logger

	client   net.Conn
	upstream net.Conn

	// One lock per destination socket. Holders also own that destination's write compressor.
	mut_toClient   sync.Mutex
	mut_toUpstream sync.Mutex

	toClientCompressor   compression.Compressor
	toUpstreamCompressor compression.Compressor

	cipher   atomic.Pointer[encryption.Cipher]
	connType atomic.Uint32

	framesServerbound atomic.Uint64
	framesClientbound atomic.Uint64
	lastServerbound   atomic.Int64
	lastClientbound   atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func New(client, upstream net.Conn, params Params) *Connection {
	log := params.Logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	protocol := DefaultProtocolConfig()
	if params.Protocol != nil {
		protocol = *params.Protocol
	}

	id := uuid.New()
	c := &Connection{
		id:       id,
		params:   params,
		protocol: protocol,
		handlers: params.Handlers.Clone(),
		log: log.With(
			zap.String("handler", "Connection"),
			zap.Stringer("kind", params.Kind),
			zap.Stringer("connectionId", id)),
		client:   client,
		upstream: upstream,
	}

	if params.CompressorFactory != nil {
		c.toClientCompressor = params.CompressorFactory.Create()
		c.toUpstreamCompressor = params.CompressorFactory.Create()
	}

	return c
}

func (c *Connection) Id() uuid.UUID {
	return c.id
}

func (c *Connection) Kind() Kind {
	return c.params.Kind
}

func (c *Connection) Handlers() *Handlers {
	return c.handlers
}

func (c *Connection) ClientAddr() net.Addr {
	return c.client.RemoteAddr()
}

// Type is the connection type of the first frame that declared one.
func (c *Connection) Type() (message.ConnectionType, bool) {
	t := message.ConnectionType(c.connType.Load())
	return t, t != message.ConnectionType_None
}

func (c *Connection) latchType(t message.ConnectionType) {
	if t == message.ConnectionType_None {
		return
	}
	if c.connType.CompareAndSwap(uint32(message.ConnectionType_None), uint32(t)) {
		c.log.Debug("Connection type established", zap.Stringer("connectionType", t))
	}
}

// Encrypted reports whether a session key has been negotiated.
func (c *Connection) Encrypted() bool {
	return c.cipher.Load() != nil
}

func (c *Connection) Stats() Stats {
	s := Stats{
		FramesServerbound: c.framesServerbound.Load(),
		FramesClientbound: c.framesClientbound.Load(),
	}
	if ts := c.lastServerbound.Load(); ts != 0 {
		s.LastServerbound = time.UnixMilli(ts)
	}
	if ts := c.lastClientbound.Load(); ts != 0 {
		s.LastClientbound = time.UnixMilli(ts)
	}
	return s
}

func (c *Connection) recordFrame(direction message.Direction) {
	now := c.params.Now().UnixMilli()
	if direction == message.Direction_Serverbound {
		c.framesServerbound.Add(1)
		c.lastServerbound.Store(now)
	} else {
		c.framesClientbound.Add(1)
		c.lastClientbound.Store(now)
	}
}

// Run pumps both directions until either side closes, the context ends or a frame
// can not be processed. Both sockets are closed before Run returns. Peer disconnects
// are reported as a nil error.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.log.Info("Starting connection pumps")

	serverbound := c.newPump(message.Direction_Serverbound)
	clientbound := c.newPump(message.Direction_Clientbound)

	errs := make(chan error, 2)
	go func() { errs <- serverbound.run(ctx) }()
	go func() { errs <- clientbound.run(ctx) }()

	// Blocked reads only return once the sockets are closed.
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	err := <-errs
	cancel()
	c.Close()
	<-errs

	if err == nil || IsGracefulClose(err) {
		c.log.Info("Connection closed", zap.NamedError("reason", err))
		return nil
	}

	c.log.Warn("Connection terminated", zap.Error(err))
	return err
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		clientErr := c.client.Close()
		upstreamErr := c.upstream.Close()
		c.closeErr = multierr.Combine(clientErr, upstreamErr)
	})
	return c.closeErr
}

// IsGracefulClose reports whether err is an ordinary end of a session rather than a fault.
// Protocol violations are never graceful, even when they wrap an EOF from a truncated
// compressed stream.
func IsGracefulClose(err error) bool {
	if isProtocolError(err) {
		return false
	}
	return goerrors.Is(err, io.EOF) ||
		goerrors.Is(err, io.ErrUnexpectedEOF) ||
		goerrors.Is(err, io.ErrClosedPipe) ||
		goerrors.Is(err, net.ErrClosed) ||
		goerrors.Is(err, context.Canceled) ||
		goerrors.Is(err, syscall.ECONNRESET) ||
		goerrors.Is(err, syscall.EPIPE)
}

func isProtocolError(err error) bool {
	var decodeErr *errors.DecodeError
	var tooLarge *errors.FrameTooLarge
	var unsupported *errors.UnsupportedCompression
	return goerrors.As(err, &decodeErr) ||
		goerrors.As(err, &tooLarge) ||
		goerrors.As(err, &unsupported)
}

// destination returns the socket, its lock and its write compressor for traffic
// flowing in the given direction.
func (c *Connection) destination(direction message.Direction) (net.Conn, *sync.Mutex, compression.Compressor) {
	if direction == message.Direction_Serverbound {
		return c.upstream, &c.mut_toUpstream, c.toUpstreamCompressor
	}
	return c.client, &c.mut_toClient, c.toClientCompressor
}

func (c *Connection) source(direction message.Direction) net.Conn {
	if direction == message.Direction_Serverbound {
		return c.client
	}
	return c.upstream
}
