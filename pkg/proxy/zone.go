package proxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sessamekesh/stasis-proxy/pkg/compression"
	"github.com/sessamekesh/stasis-proxy/pkg/connection"
	"github.com/sessamekesh/stasis-proxy/pkg/errors"
	"go.uber.org/zap"
)

type ZoneProxyParams struct {
	ListenAddress string

	// PublicEndpoint is what clients are told to connect to. Defaults to the bound listen
	// address, with an unspecified host replaced by loopback.
	PublicEndpoint string

	Protocol *connection.ProtocolConfig

	// CompressorFactory defaults to a flate compressor.
	CompressorFactory compression.Factory
	Handlers          *connection.Handlers

	MaxConnections int
	DialTimeout    time.Duration
	IdleTimeout    time.Duration

	Logger *zap.Logger
}

// ZoneProxy relays clients to whichever zone server the lobby announced most recently.
//
// The next server slot holds one address and is never cleared: a client opens its zone and
// chat sockets one after another against the same announcement. Two clients entering the
// world at the same moment race for the slot.
type ZoneProxy struct {
	*listener
	params            ZoneProxyParams
	compressorFactory compression.Factory

	mut_nextServer sync.RWMutex
	nextServer     netip.AddrPort

	mut_publicEndpoint sync.RWMutex
	publicEndpoint     netip.AddrPort
}

func CreateZoneProxy(params ZoneProxyParams) (*ZoneProxy, error) {
	if params.ListenAddress == "" {
		params.ListenAddress = ":44992"
	}

	var public netip.AddrPort
	if params.PublicEndpoint != "" {
		parsed, err := netip.ParseAddrPort(params.PublicEndpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid zone public endpoint %q: %w", params.PublicEndpoint, err)
		}
		public = parsed
	}

	factory := params.CompressorFactory
	if factory == nil {
		factory = compression.NewFlateFactory(0)
	}

	p := &ZoneProxy{
		listener: createListener(listenerParams{
			Name:           "zone",
			ListenAddress:  params.ListenAddress,
			DialTimeout:    params.DialTimeout,
			IdleTimeout:    params.IdleTimeout,
			MaxConnections: params.MaxConnections,
			Handlers:       params.Handlers,
			Logger:         params.Logger,
		}),
		params:            params,
		compressorFactory: factory,
		publicEndpoint:    public,
	}
	p.onBound = p.derivePublicEndpoint
	return p, nil
}

func (p *ZoneProxy) SetNextServer(addr netip.AddrPort) {
	p.mut_nextServer.Lock()
	defer p.mut_nextServer.Unlock()

	p.nextServer = addr
	p.log.Info("Next zone server set", zap.Stringer("zoneServer", addr))
}

func (p *ZoneProxy) NextServer() (netip.AddrPort, bool) {
	p.mut_nextServer.RLock()
	defer p.mut_nextServer.RUnlock()
	return p.nextServer, p.nextServer.IsValid()
}

// PublicEndpoint is invalid until either configured or the listener is bound.
func (p *ZoneProxy) PublicEndpoint() netip.AddrPort {
	p.mut_publicEndpoint.RLock()
	defer p.mut_publicEndpoint.RUnlock()
	return p.publicEndpoint
}

func (p *ZoneProxy) Start(ctx context.Context) error {
	return p.serve(ctx, p.handleClient)
}

func (p *ZoneProxy) derivePublicEndpoint(bound net.Addr) {
	p.mut_publicEndpoint.Lock()
	defer p.mut_publicEndpoint.Unlock()

	if p.publicEndpoint.IsValid() {
		return
	}

	tcpAddr, ok := bound.(*net.TCPAddr)
	if !ok {
		return
	}
	addrPort := tcpAddr.AddrPort()
	addr := addrPort.Addr().Unmap()
	if addr.IsUnspecified() {
		addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	p.publicEndpoint = netip.AddrPortFrom(addr, addrPort.Port())
	p.log.Info("Zone public endpoint derived from listener", zap.Stringer("publicEndpoint", p.publicEndpoint))
}

func (p *ZoneProxy) handleClient(ctx context.Context, client net.Conn) {
	next, ok := p.NextServer()
	if !ok {
		p.log.Error("Refusing zone client", zap.Stringer("client", client.RemoteAddr()), zap.Error(&errors.MissingNextServer{}))
		client.Close()
		return
	}

	p.runConnection(ctx, client, next.String(), connection.Params{
		Kind:              connection.Kind_Zone,
		Protocol:          p.params.Protocol,
		CompressorFactory: p.compressorFactory,
	})
}
