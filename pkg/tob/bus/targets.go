package bus

import "net"

// GlobalBroadcast is the IPv4 limited broadcast address.
var GlobalBroadcast = net.IPv4bcast

// DiscoveryTargets returns the datagram addresses an unbound peer should
// send WHO_IS_LEADER to, or the Leader should broadcast COORDINATOR to:
// the global broadcast address on port, unless singleHost routes to
// loopback instead.
func DiscoveryTargets(port int, singleHost bool) []*net.UDPAddr {
	if singleHost {
		return []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: port}}
	}
	return []*net.UDPAddr{{IP: GlobalBroadcast, Port: port}}
}

// PeerAddr returns the datagram address of a specific cluster member,
// reachable at NodeUDPBase+id on the same host (single-host mode) or via
// the caller-supplied per-host resolution otherwise. This module only
// needs single-host addressing for its own tests and local clusters; a
// real multi-host deployment resolves peer addresses via discovery
// replies rather than this helper.
func PeerAddr(host string, udpBase, id int) *net.UDPAddr {
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1)
	}
	return &net.UDPAddr{IP: ip, Port: udpBase + id}
}
