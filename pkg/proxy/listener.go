package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/stasis-proxy/internal"
	"github.com/sessamekesh/stasis-proxy/pkg/connection"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout = 10 * time.Second
	acceptRetryDelay   = 50 * time.Millisecond
)

type ConnectedCallback func(c *connection.Connection)
type DisconnectedCallback func(c *connection.Connection, err error)

// listener is the accept loop shared by the lobby and zone proxies. Every accepted client
// runs on its own goroutine until it disconnects or the listener's context ends.
type listener struct {
	name          string
	listenAddress string
	dialTimeout   time.Duration
	idleTimeout   time.Duration

	handlers *connection.Handlers
	store    *internal.ConnectionStore
	log      *zap.Logger

	ready     chan struct{}
	mut_addr  sync.RWMutex
	boundAddr net.Addr
	onBound   func(addr net.Addr)

	mut_callbacks  sync.RWMutex
	onConnected    []ConnectedCallback
	onDisconnected []DisconnectedCallback
}

type listenerParams struct {
	Name           string
	ListenAddress  string
	DialTimeout    time.Duration
	IdleTimeout    time.Duration
	MaxConnections int
	Handlers       *connection.Handlers
	Logger         *zap.Logger
}

func createListener(params listenerParams) *listener {
	log := params.Logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}
	handlers := params.Handlers
	if handlers == nil {
		handlers = connection.NewHandlers()
	}
	dialTimeout := params.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	return &listener{
		name:          params.Name,
		listenAddress: params.ListenAddress,
		dialTimeout:   dialTimeout,
		idleTimeout:   params.IdleTimeout,
		handlers:      handlers,
		store:         internal.CreateConnectionStore(params.MaxConnections),
		log:           log.With(zap.String("proxy", params.Name)),
		ready:         make(chan struct{}),
	}
}

// Handlers are copied into every connection accepted after registration.
func (l *listener) Handlers() *connection.Handlers {
	return l.handlers
}

// Ready is closed once the listening socket is bound.
func (l *listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr is the bound listen address, or nil before Ready.
func (l *listener) Addr() net.Addr {
	l.mut_addr.RLock()
	defer l.mut_addr.RUnlock()
	return l.boundAddr
}

// OnClientConnected callbacks run before the connection starts forwarding, so they can
// register per-connection handlers.
func (l *listener) OnClientConnected(fn ConnectedCallback) {
	l.mut_callbacks.Lock()
	defer l.mut_callbacks.Unlock()
	l.onConnected = append(l.onConnected, fn)
}

func (l *listener) OnClientDisconnected(fn DisconnectedCallback) {
	l.mut_callbacks.Lock()
	defer l.mut_callbacks.Unlock()
	l.onDisconnected = append(l.onDisconnected, fn)
}

func (l *listener) Connections() []internal.ConnectionSummary {
	return l.store.Snapshot()
}

func (l *listener) Connection(id uuid.UUID) (*connection.Connection, error) {
	return l.store.Get(id)
}

func (l *listener) serve(ctx context.Context, handle func(ctx context.Context, client net.Conn)) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.listenAddress)
	if err != nil {
		l.log.Error("Failed to listen", zap.String("address", l.listenAddress), zap.Error(err))
		return err
	}

	l.mut_addr.Lock()
	l.boundAddr = ln.Addr()
	l.mut_addr.Unlock()
	if l.onBound != nil {
		l.onBound(ln.Addr())
	}
	close(l.ready)

	l.log.Sugar().Infof("Listening for clients at %s", ln.Addr())

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		l.log.Info("Shutting down listener")
		ln.Close()
	}()

	if l.idleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.reapIdleConnections(ctx)
		}()
	}

	for {
		client, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.log.Warn("Failed to accept client", zap.Error(err))
			time.Sleep(acceptRetryDelay)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, client)
		}()
	}

	wg.Wait()
	l.log.Info("All client goroutines finished. Exiting gracefully")
	return nil
}

// runConnection dials upstream once and relays the client until either side hangs up.
func (l *listener) runConnection(ctx context.Context, client net.Conn, upstreamAddress string, params connection.Params) {
	log := l.log.With(zap.Stringer("client", client.RemoteAddr()))

	if l.store.Full() {
		log.Warn("Refusing client, connection limit reached", zap.Int("limit", l.store.MaxConnections))
		client.Close()
		return
	}

	dialer := net.Dialer{Timeout: l.dialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", upstreamAddress)
	if err != nil {
		log.Warn("Failed to connect to upstream server", zap.String("upstream", upstreamAddress), zap.Error(err))
		client.Close()
		return
	}

	params.Handlers = l.handlers
	params.Logger = log
	conn := connection.New(client, upstream, params)

	if err := l.store.Add(conn, l.name, time.Now()); err != nil {
		log.Warn("Refusing client", zap.Error(err))
		conn.Close()
		return
	}

	log.Info("Client connected", zap.Stringer("connectionId", conn.Id()), zap.String("upstream", upstreamAddress))

	l.mut_callbacks.RLock()
	onConnected := l.onConnected
	onDisconnected := l.onDisconnected
	l.mut_callbacks.RUnlock()

	for _, fn := range onConnected {
		fn(conn)
	}

	runErr := conn.Run(ctx)
	l.store.Remove(conn.Id())

	for _, fn := range onDisconnected {
		fn(conn, runErr)
	}
}

func (l *listener) reapIdleConnections(ctx context.Context) {
	interval := l.idleTimeout / 2
	if interval < acceptRetryDelay {
		interval = acceptRetryDelay
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range l.store.GetIdleConnectionList(now.Add(-l.idleTimeout)) {
				conn, err := l.store.Get(id)
				if err != nil {
					continue
				}
				l.log.Info("Closing idle connection", zap.Stringer("connectionId", id))
				conn.Close()
			}
		}
	}
}
