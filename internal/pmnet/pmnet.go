// Package pmnet contains network-level utilities for the proxy data plane:
// listener construction, peer address normalization, and hostname resolution
// through configurable upstreams.
package pmnet

import (
	"net"
	"net/netip"
)

// ZeroAddr is the destination address recorded for connections whose
// hostname could not be resolved.
var ZeroAddr = netip.AddrFrom4([4]byte{0, 0, 0, 0})

// PeerAddrPort returns the remote address of conn.  IPv4-mapped IPv6
// addresses, which dual-stack listeners report for IPv4 peers, are unmapped
// so that the rest of the system only ever sees canonical forms.
func PeerAddrPort(conn net.Conn) (ap netip.AddrPort) {
	switch addr := conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		ap = addr.AddrPort()
	default:
		// Best effort for tests that use pipe connections.
		ap, _ = netip.ParseAddrPort(addr.String())
	}

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// UnmapAddr returns addr with any IPv4-mapped IPv6 form unmapped.  Invalid
// addresses are returned as is.
func UnmapAddr(addr netip.Addr) (unmapped netip.Addr) {
	return addr.Unmap()
}
