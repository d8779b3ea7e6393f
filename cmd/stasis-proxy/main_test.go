package main

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sessamekesh/stasis-proxy/pkg/connection"
	"github.com/sessamekesh/stasis-proxy/pkg/errors"
	"github.com/sessamekesh/stasis-proxy/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAttachOpcodeLoggerReportsCollision(t *testing.T) {
	h := connection.NewHandlers()
	require.NoError(t, attachOpcodeLogger(h, zap.NewNop()))

	var collision *errors.NameCollision
	require.ErrorAs(t, attachOpcodeLogger(h, zap.NewNop()), &collision)
	assert.Equal(t, opcodeLoggerName, collision.Name)
}

func TestOpcodeLoggerLogsMessages(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := connection.NewHandlers()
	require.NoError(t, attachOpcodeLogger(h, zap.New(core)))

	clientSide, proxyClient := net.Pipe()
	proxyUpstream, serverSide := net.Pipe()
	conn := connection.New(proxyClient, proxyUpstream, connection.Params{
		Kind:     connection.Kind_Zone,
		Handlers: h,
		Logger:   zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		clientSide.Close()
		serverSide.Close()
		<-done
	})

	frame := message.EncodeFrame(message.FrameHeader{ConnectionType: message.ConnectionType_Zone}, []message.Segment{
		message.NewIpcSegment(message.SegmentHeader{}, message.MessageHeader{Opcode: 0x0142}, []byte("hello")),
	})
	go func() {
		clientSide.Write(frame)
	}()

	forwarded := make([]byte, len(frame))
	require.NoError(t, serverSide.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadFull(serverSide, forwarded)
	require.NoError(t, err)

	entries := logs.FilterMessage("Message").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, uint16(0x0142), fields["opcode"])
	assert.Equal(t, "serverbound", fields["direction"])
	assert.Equal(t, "zone", fields["proxy"])
	assert.Equal(t, int64(5), fields["size"])
}
