package bridge

import (
	"net"
	"net/netip"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/config"
)

const (
	// Engine ports the game listens on by default for each role.
	clientEnginePort = 27005
	serverEnginePort = 27015
)

var loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// SelectLocalAddress returns the first non-zero IPv4 address whose first
// octet is neither 127 nor 172. Other private ranges (10/8, 192.168/16) are
// accepted. When nothing qualifies it returns the loopback address and false.
func SelectLocalAddress(addrs []net.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if !addr.Is4() || addr.IsUnspecified() {
			continue
		}
		switch addr.As4()[0] {
		case 127, 172:
			continue
		}
		return addr, true
	}
	return loopback, false
}

// EnginePort returns the local port the engine uses in role.
func EnginePort(role config.Role) uint16 {
	if role == config.RoleClient {
		return clientEnginePort
	}
	return serverEnginePort
}
