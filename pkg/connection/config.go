package connection

import (
	"github.com/sessamekesh/stasis-proxy/pkg/encryption"
)

// DefaultMaxFrameSize is the largest frame the game client is known to send or accept.
const DefaultMaxFrameSize = 0x4000

// HandoffConfig locates the zone server address inside the lobby's EnterWorld message.
// Offsets are relative to the message payload, after the message header.
type HandoffConfig struct {
	Opcode     uint16
	PortOffset int
	HostOffset int
	HostSize   int
}

type ProtocolConfig struct {
	Handoff      HandoffConfig
	Key          encryption.KeyParams
	MaxFrameSize int
}

func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		Handoff: HandoffConfig{
			Opcode:     15,
			PortOffset: 94,
			HostOffset: 96,
			HostSize:   48,
		},
		Key:          encryption.DefaultKeyParams(),
		MaxFrameSize: DefaultMaxFrameSize,
	}
}

func (c ProtocolConfig) maxFrameSize() int {
	if c.MaxFrameSize > 0 {
		return c.MaxFrameSize
	}
	return DefaultMaxFrameSize
}
