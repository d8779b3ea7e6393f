package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sessamekesh/stasis-proxy/pkg/compression"
	"github.com/sessamekesh/stasis-proxy/pkg/connection"
	"go.uber.org/zap"
)

type LobbyProxyParams struct {
	ListenAddress   string
	UpstreamAddress string

	// ZoneProxy receives the zone server from every EnterWorld hand-off. Hand-off rewriting
	// is disabled when nil.
	ZoneProxy connection.ZoneTarget

	Protocol *connection.ProtocolConfig

	// CompressorFactory defaults to a flate compressor.
	CompressorFactory compression.Factory
	Handlers          *connection.Handlers

	MaxConnections int
	DialTimeout    time.Duration
	IdleTimeout    time.Duration

	Logger *zap.Logger
}

// LobbyProxy relays game clients to one fixed lobby server.
type LobbyProxy struct {
	*listener
	params LobbyProxyParams
}

func CreateLobbyProxy(params LobbyProxyParams) (*LobbyProxy, error) {
	if params.UpstreamAddress == "" {
		return nil, fmt.Errorf("lobby proxy requires an upstream address")
	}
	if params.ListenAddress == "" {
		params.ListenAddress = ":54994"
	}
	if params.CompressorFactory == nil {
		params.CompressorFactory = compression.NewFlateFactory(0)
	}

	return &LobbyProxy{
		listener: createListener(listenerParams{
			Name:           "lobby",
			ListenAddress:  params.ListenAddress,
			DialTimeout:    params.DialTimeout,
			IdleTimeout:    params.IdleTimeout,
			MaxConnections: params.MaxConnections,
			Handlers:       params.Handlers,
			Logger:         params.Logger,
		}),
		params: params,
	}, nil
}

// Start accepts clients until ctx is cancelled, then waits for every connection to close.
func (p *LobbyProxy) Start(ctx context.Context) error {
	return p.serve(ctx, func(ctx context.Context, client net.Conn) {
		p.runConnection(ctx, client, p.params.UpstreamAddress, connection.Params{
			Kind:              connection.Kind_Lobby,
			Protocol:          p.params.Protocol,
			CompressorFactory: p.params.CompressorFactory,
			ZoneTarget:        p.params.ZoneProxy,
		})
	})
}
