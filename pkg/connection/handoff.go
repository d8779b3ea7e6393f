package connection

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/sessamekesh/stasis-proxy/pkg/errors"
)

// ZoneTarget is the zone listener that clients are redirected to.
type ZoneTarget interface {
	// PublicEndpoint is the address written into the hand-off message.
	PublicEndpoint() netip.AddrPort

	// SetNextServer registers the real zone server for the next accepted zone connection.
	SetNextServer(addr netip.AddrPort)
}

// RewriteHandoff reads the zone server address out of a hand-off payload, registers it
// with the target, then overwrites the address in place with the target's public endpoint.
// On error the payload is left untouched and nothing is registered.
func RewriteHandoff(payload []byte, cfg HandoffConfig, target ZoneTarget) (netip.AddrPort, error) {
	if cfg.PortOffset < 0 || cfg.PortOffset+2 > len(payload) {
		return netip.AddrPort{}, &errors.Underflow{
			MessageName: "HandoffPort",
			MsgSize:     len(payload),
			MinimumSize: cfg.PortOffset + 2,
		}
	}
	if cfg.HostOffset < 0 || cfg.HostSize <= 0 || cfg.HostOffset+cfg.HostSize > len(payload) {
		return netip.AddrPort{}, &errors.Underflow{
			MessageName: "HandoffHost",
			MsgSize:     len(payload),
			MinimumSize: cfg.HostOffset + cfg.HostSize,
		}
	}

	hostField := payload[cfg.HostOffset : cfg.HostOffset+cfg.HostSize]
	port := binary.LittleEndian.Uint16(payload[cfg.PortOffset:])
	host := string(bytes.TrimRight(hostField, "\x00"))

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid zone server host %q: %w", host, err)
	}
	zoneServer := netip.AddrPortFrom(addr, port)

	public := target.PublicEndpoint()
	if !public.IsValid() {
		return zoneServer, fmt.Errorf("zone target has no public endpoint yet")
	}
	publicHost := public.Addr().String()
	if len(publicHost) > cfg.HostSize {
		return zoneServer, &errors.FieldOverflow{
			FieldName: "HandoffHost",
			FieldSize: cfg.HostSize,
			ValueSize: len(publicHost),
		}
	}

	target.SetNextServer(zoneServer)

	binary.LittleEndian.PutUint16(payload[cfg.PortOffset:], public.Port())
	clear(hostField)
	copy(hostField, publicHost)

	return zoneServer, nil
}
