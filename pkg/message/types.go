package message

import "fmt"

type ConnectionType uint16

const (
	ConnectionType_None  ConnectionType = 0
	ConnectionType_Zone  ConnectionType = 1
	ConnectionType_Chat  ConnectionType = 2
	ConnectionType_Lobby ConnectionType = 3
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionType_None:
		return "None"
	case ConnectionType_Zone:
		return "Zone"
	case ConnectionType_Chat:
		return "Chat"
	case ConnectionType_Lobby:
		return "Lobby"
	}
	return fmt.Sprintf("ConnectionType(%d)", uint16(t))
}

// SegmentType only names the values the proxy acts on. Anything else is forwarded opaque.
type SegmentType uint16

const (
	SegmentType_Ipc            SegmentType = 3
	SegmentType_EncryptionInit SegmentType = 9
)

func (t SegmentType) String() string {
	switch t {
	case SegmentType_Ipc:
		return "Ipc"
	case SegmentType_EncryptionInit:
		return "EncryptionInit"
	}
	return fmt.Sprintf("SegmentType(%d)", uint16(t))
}

// CompressionType_Zlib exists on the wire but is never produced by the game, and is not supported.
type CompressionType uint8

const (
	CompressionType_None   CompressionType = 0
	CompressionType_Zlib   CompressionType = 1
	CompressionType_Custom CompressionType = 2
)

func (t CompressionType) String() string {
	switch t {
	case CompressionType_None:
		return "None"
	case CompressionType_Zlib:
		return "Zlib"
	case CompressionType_Custom:
		return "Custom"
	}
	return fmt.Sprintf("CompressionType(%d)", uint8(t))
}

// Direction names where a unit is headed, which also tells where it came from.
type Direction uint8

const (
	Direction_Serverbound Direction = iota
	Direction_Clientbound
)

func (d Direction) String() string {
	if d == Direction_Serverbound {
		return "serverbound"
	}
	return "clientbound"
}
