package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sessamekesh/stasis-proxy/pkg/connection"
	"github.com/sessamekesh/stasis-proxy/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startUpstream(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	conns := make(chan net.Conn, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case c := <-conns:
				c.Close()
			default:
				return
			}
		}
	})
	return ln, conns
}

func run(t *testing.T, start func(ctx context.Context) error, ready <-chan struct{}) (context.CancelFunc, func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	var runErr error
	go func() {
		runErr = start(ctx)
		close(stopped)
	}()

	select {
	case <-ready:
	case <-stopped:
		t.Fatalf("proxy stopped before binding: %v", runErr)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not bind")
	}

	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	wait := func() error {
		select {
		case <-stopped:
			return runErr
		case <-time.After(2 * time.Second):
			t.Fatal("proxy did not stop")
			return nil
		}
	}
	return cancel, wait
}

func accept(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was never dialed")
		return nil
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c net.Conn) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))

	header := make([]byte, message.FrameHeaderSize)
	_, err := io.ReadFull(c, header)
	require.NoError(t, err)

	parsed, err := message.ParseFrameHeader(header)
	require.NoError(t, err)
	frame := make([]byte, parsed.Size)
	copy(frame, header)
	_, err = io.ReadFull(c, frame[message.FrameHeaderSize:])
	require.NoError(t, err)
	return frame
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("connection should be closed, not idle")
	}
}

func ipcFrame(connType message.ConnectionType, opcode uint16, payload []byte) []byte {
	return message.EncodeFrame(message.FrameHeader{ConnectionType: connType}, []message.Segment{
		message.NewIpcSegment(message.SegmentHeader{}, message.MessageHeader{Opcode: opcode}, payload),
	})
}

func enterWorld(addr netip.AddrPort) []byte {
	payload := make([]byte, 144)
	binary.LittleEndian.PutUint16(payload[94:], addr.Port())
	copy(payload[96:], addr.Addr().String())
	return payload
}

func TestLobbyProxyForwards(t *testing.T) {
	upstream, upstreamConns := startUpstream(t)

	lobby, err := CreateLobbyProxy(LobbyProxyParams{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: upstream.Addr().String(),
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)

	connected := make(chan *connection.Connection, 1)
	lobby.OnClientConnected(func(c *connection.Connection) { connected <- c })

	run(t, lobby.Start, lobby.Ready())

	client := dial(t, lobby.Addr().String())
	server := accept(t, upstreamConns)

	up := ipcFrame(message.ConnectionType_Lobby, 0x0001, []byte("login please"))
	_, err = client.Write(up)
	require.NoError(t, err)
	assert.Equal(t, up, readFrame(t, server))

	down := ipcFrame(message.ConnectionType_Lobby, 0x0002, []byte("welcome"))
	_, err = server.Write(down)
	require.NoError(t, err)
	assert.Equal(t, down, readFrame(t, client))

	conn := <-connected
	assert.Equal(t, connection.Kind_Lobby, conn.Kind())

	summaries := lobby.Connections()
	require.Len(t, summaries, 1)
	assert.Equal(t, conn.Id(), summaries[0].Id)
	assert.Equal(t, "lobby", summaries[0].Proxy)
	assert.Equal(t, message.ConnectionType_Lobby.String(), summaries[0].ConnectionType)
}

func TestLobbyToZoneHandoff(t *testing.T) {
	lobbyServer, lobbyConns := startUpstream(t)
	zoneServer, zoneConns := startUpstream(t)

	zone, err := CreateZoneProxy(ZoneProxyParams{
		ListenAddress: "127.0.0.1:0",
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	run(t, zone.Start, zone.Ready())

	lobby, err := CreateLobbyProxy(LobbyProxyParams{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: lobbyServer.Addr().String(),
		ZoneProxy:       zone,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	run(t, lobby.Start, lobby.Ready())

	public := zone.PublicEndpoint()
	require.True(t, public.IsValid())
	assert.Equal(t, zone.Addr().(*net.TCPAddr).AddrPort().Port(), public.Port())

	client := dial(t, lobby.Addr().String())
	lobbyUpstream := accept(t, lobbyConns)

	realZone := zoneServer.Addr().(*net.TCPAddr).AddrPort()
	_, err = lobbyUpstream.Write(ipcFrame(message.ConnectionType_Lobby, 15, enterWorld(realZone)))
	require.NoError(t, err)

	_, segments, err := message.DecodeFrame(readFrame(t, client))
	require.NoError(t, err)
	payload := segments[0].Data[message.MessageHeaderSize:]
	assert.Equal(t, public.Port(), binary.LittleEndian.Uint16(payload[94:]))
	assert.Equal(t, public.Addr().String(), string(bytes.TrimRight(payload[96:144], "\x00")))

	next, ok := zone.NextServer()
	require.True(t, ok)
	assert.Equal(t, realZone, next)

	// The client follows the rewritten address and reaches the real zone server.
	zoneClient := dial(t, public.String())
	zoneUpstream := accept(t, zoneConns)

	hello := ipcFrame(message.ConnectionType_Zone, 0x0100, []byte("zone hello"))
	_, err = zoneClient.Write(hello)
	require.NoError(t, err)
	assert.Equal(t, hello, readFrame(t, zoneUpstream))

	// A second socket (chat) reuses the same announcement.
	dial(t, public.String())
	accept(t, zoneConns)
}

func TestZoneProxyRefusesWithoutNextServer(t *testing.T) {
	zone, err := CreateZoneProxy(ZoneProxyParams{
		ListenAddress: "127.0.0.1:0",
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	run(t, zone.Start, zone.Ready())

	_, ok := zone.NextServer()
	assert.False(t, ok)

	expectClosed(t, dial(t, zone.Addr().String()))
}

func TestZoneProxyPublicEndpointOverride(t *testing.T) {
	zone, err := CreateZoneProxy(ZoneProxyParams{
		ListenAddress:  "127.0.0.1:0",
		PublicEndpoint: "203.0.113.7:44992",
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	run(t, zone.Start, zone.Ready())

	assert.Equal(t, netip.MustParseAddrPort("203.0.113.7:44992"), zone.PublicEndpoint())

	_, err = CreateZoneProxy(ZoneProxyParams{PublicEndpoint: "not-an-endpoint"})
	assert.Error(t, err)
}

func TestLobbyProxyRequiresUpstream(t *testing.T) {
	_, err := CreateLobbyProxy(LobbyProxyParams{ListenAddress: "127.0.0.1:0"})
	assert.Error(t, err)
}

func TestProxyLevelHandlersApplyToEveryConnection(t *testing.T) {
	upstream, upstreamConns := startUpstream(t)

	handlers := connection.NewHandlers()
	require.NoError(t, handlers.OnMessage("drop-chatter", func(_ *connection.Connection, ev *connection.MessageEvent) error {
		ev.Dropped = ev.MessageHeader.Opcode == 0x0BAD
		return nil
	}))

	lobby, err := CreateLobbyProxy(LobbyProxyParams{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: upstream.Addr().String(),
		Handlers:        handlers,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	run(t, lobby.Start, lobby.Ready())

	for i := 0; i < 2; i++ {
		client := dial(t, lobby.Addr().String())
		server := accept(t, upstreamConns)

		_, err = client.Write(ipcFrame(message.ConnectionType_Lobby, 0x0BAD, []byte("noise")))
		require.NoError(t, err)
		kept := ipcFrame(message.ConnectionType_Lobby, 0x0001, []byte("signal"))
		_, err = client.Write(kept)
		require.NoError(t, err)

		assert.Equal(t, kept, readFrame(t, server), "connection %d", i)
	}
}

func TestMaxConnections(t *testing.T) {
	upstream, upstreamConns := startUpstream(t)

	lobby, err := CreateLobbyProxy(LobbyProxyParams{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: upstream.Addr().String(),
		MaxConnections:  1,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)

	connected := make(chan *connection.Connection, 2)
	lobby.OnClientConnected(func(c *connection.Connection) { connected <- c })
	run(t, lobby.Start, lobby.Ready())

	dial(t, lobby.Addr().String())
	accept(t, upstreamConns)
	<-connected

	expectClosed(t, dial(t, lobby.Addr().String()))
	assert.Len(t, lobby.Connections(), 1)
}

func TestDisconnectCallbacksAndCleanup(t *testing.T) {
	upstream, upstreamConns := startUpstream(t)

	lobby, err := CreateLobbyProxy(LobbyProxyParams{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: upstream.Addr().String(),
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)

	type disconnect struct {
		conn *connection.Connection
		err  error
	}
	disconnected := make(chan disconnect, 1)
	lobby.OnClientDisconnected(func(c *connection.Connection, err error) {
		disconnected <- disconnect{c, err}
	})
	run(t, lobby.Start, lobby.Ready())

	client := dial(t, lobby.Addr().String())
	server := accept(t, upstreamConns)
	require.NoError(t, client.Close())

	select {
	case d := <-disconnected:
		assert.NoError(t, d.err)
		_, err := lobby.Connection(d.conn.Id())
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never ran")
	}

	expectClosed(t, server)
}

func TestUpstreamDialFailureClosesClient(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	require.NoError(t, dead.Close())

	lobby, err := CreateLobbyProxy(LobbyProxyParams{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: deadAddr,
		DialTimeout:     time.Second,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	run(t, lobby.Start, lobby.Ready())

	expectClosed(t, dial(t, lobby.Addr().String()))
}

func TestCancelStopsProxyAndConnections(t *testing.T) {
	upstream, upstreamConns := startUpstream(t)

	lobby, err := CreateLobbyProxy(LobbyProxyParams{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: upstream.Addr().String(),
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)

	connected := make(chan *connection.Connection, 1)
	lobby.OnClientConnected(func(c *connection.Connection) { connected <- c })
	cancel, wait := run(t, lobby.Start, lobby.Ready())

	client := dial(t, lobby.Addr().String())
	accept(t, upstreamConns)
	<-connected

	cancel()
	assert.NoError(t, wait())
	expectClosed(t, client)
}

func TestIdleConnectionsAreClosed(t *testing.T) {
	upstream, upstreamConns := startUpstream(t)

	lobby, err := CreateLobbyProxy(LobbyProxyParams{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: upstream.Addr().String(),
		IdleTimeout:     100 * time.Millisecond,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	run(t, lobby.Start, lobby.Ready())

	client := dial(t, lobby.Addr().String())
	accept(t, upstreamConns)

	expectClosed(t, client)
}
