// Main package for the stasis proxy: a lobby and zone relay that sits between a game client
// and its servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sessamekesh/stasis-proxy/pkg/config"
	"github.com/sessamekesh/stasis-proxy/pkg/connection"
	"github.com/sessamekesh/stasis-proxy/pkg/monitor"
	"github.com/sessamekesh/stasis-proxy/pkg/proxy"
	"go.uber.org/zap"
)

const opcodeLoggerName = "opcode-log"

// attachOpcodeLogger logs every message's opcode at debug level.
func attachOpcodeLogger(h *connection.Handlers, logger *zap.Logger) error {
	return h.OnMessage(opcodeLoggerName, func(c *connection.Connection, ev *connection.MessageEvent) error {
		logger.Debug("Message",
			zap.String("proxy", c.Kind().String()),
			zap.String("connectionId", c.Id().String()),
			zap.String("direction", ev.Direction.String()),
			zap.Uint16("opcode", ev.MessageHeader.Opcode),
			zap.Int("size", len(ev.Data)))
		return nil
	})
}

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s", dotenvErr.Error())
	}

	//
	// Flags
	configPath := flag.String("config", "", "Path to a YAML config file")
	lobbyListen := flag.String("lobby-listen", "", "Address the lobby proxy listens on")
	lobbyUpstream := flag.String("lobby-upstream", "", "host:port of the real lobby server")
	zoneListen := flag.String("zone-listen", "", "Address the zone proxy listens on")
	zonePublic := flag.String("zone-public", "", "ip:port clients are told to use for the zone proxy")
	useMonitor := flag.Bool("monitor", false, "Serve the WebSocket traffic monitor")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %s\n", err.Error())
		os.Exit(1)
	}
	if *lobbyListen != "" {
		cfg.Lobby.ListenAddress = *lobbyListen
	}
	if *lobbyUpstream != "" {
		cfg.Lobby.UpstreamAddress = *lobbyUpstream
	}
	if *zoneListen != "" {
		cfg.Zone.ListenAddress = *zoneListen
	}
	if *zonePublic != "" {
		cfg.Zone.PublicEndpoint = *zonePublic
	}
	if *useMonitor {
		cfg.Monitor.Enabled = true
	}

	logger, err := cfg.Logger(os.Getenv("APP_ENV") == "development")
	if err != nil {
		fmt.Printf("Failed to build logger: %s\n", err.Error())
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Lobby.UpstreamAddress == "" {
		logger.Error("No lobby upstream configured, set -lobby-upstream or lobby.upstream_address")
		os.Exit(1)
	}

	// Resolve once so a lobby reconnect never waits on DNS.
	upstream, err := net.ResolveTCPAddr("tcp", cfg.Lobby.UpstreamAddress)
	if err != nil {
		logger.Error("Failed to resolve lobby upstream", zap.String("address", cfg.Lobby.UpstreamAddress), zap.Error(err))
		os.Exit(1)
	}

	protocol := cfg.ProtocolConfig()

	zoneProxy, err := proxy.CreateZoneProxy(proxy.ZoneProxyParams{
		ListenAddress:  cfg.Zone.ListenAddress,
		PublicEndpoint: cfg.Zone.PublicEndpoint,
		Protocol:       protocol,
		MaxConnections: cfg.Limits.MaxConnections,
		DialTimeout:    cfg.Limits.DialTimeout,
		IdleTimeout:    cfg.Limits.IdleTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("Failed to create zone proxy", zap.Error(err))
		os.Exit(1)
	}

	lobbyProxy, err := proxy.CreateLobbyProxy(proxy.LobbyProxyParams{
		ListenAddress:   cfg.Lobby.ListenAddress,
		UpstreamAddress: upstream.String(),
		ZoneProxy:       zoneProxy,
		Protocol:        protocol,
		MaxConnections:  cfg.Limits.MaxConnections,
		DialTimeout:     cfg.Limits.DialTimeout,
		IdleTimeout:     cfg.Limits.IdleTimeout,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("Failed to create lobby proxy", zap.Error(err))
		os.Exit(1)
	}

	for _, p := range []interface {
		OnClientConnected(proxy.ConnectedCallback)
		OnClientDisconnected(proxy.DisconnectedCallback)
		Handlers() *connection.Handlers
	}{lobbyProxy, zoneProxy} {
		p.OnClientConnected(func(c *connection.Connection) {
			logger.Info("Client connected",
				zap.String("proxy", c.Kind().String()),
				zap.String("connectionId", c.Id().String()),
				zap.Stringer("client", c.ClientAddr()))
		})
		p.OnClientDisconnected(func(c *connection.Connection, err error) {
			stats := c.Stats()
			logger.Info("Client disconnected",
				zap.String("proxy", c.Kind().String()),
				zap.String("connectionId", c.Id().String()),
				zap.Uint64("framesServerbound", stats.FramesServerbound),
				zap.Uint64("framesClientbound", stats.FramesClientbound),
				zap.Error(err))
		})
		if logger.Core().Enabled(zap.DebugLevel) {
			if logErr := attachOpcodeLogger(p.Handlers(), logger); logErr != nil {
				logger.Error("Failed to attach opcode logger", zap.Error(logErr))
				return
			}
		}
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdownRelease()

	wg := sync.WaitGroup{}

	if cfg.Monitor.Enabled {
		mon, monErr := monitor.CreateMonitor(monitor.MonitorParams{
			ListenAddress:    cfg.Monitor.ListenAddress,
			ListenEndpoint:   cfg.Monitor.Endpoint,
			AllowAllHosts:    cfg.Monitor.AllowAllHosts,
			AllowlistedHosts: cfg.Monitor.AllowlistedHosts,
			Sources:          []monitor.ConnectionSource{lobbyProxy, zoneProxy},
			Logger:           logger,
		})
		if monErr != nil {
			logger.Error("Failed to create monitor", zap.Error(monErr))
			return
		}
		for _, h := range []*connection.Handlers{lobbyProxy.Handlers(), zoneProxy.Handlers()} {
			if attachErr := mon.Attach(h); attachErr != nil {
				logger.Error("Failed to attach monitor", zap.Error(attachErr))
				return
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			mon.Start(shutdownCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := zoneProxy.Start(shutdownCtx); err != nil {
			logger.Error("Zone proxy stopped", zap.Error(err))
			shutdownRelease()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lobbyProxy.Start(shutdownCtx); err != nil {
			logger.Error("Lobby proxy stopped", zap.Error(err))
			shutdownRelease()
		}
	}()

	wg.Wait()
	logger.Info("Shutdown complete")
}
