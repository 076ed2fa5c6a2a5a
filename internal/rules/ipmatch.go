package rules

import (
	"fmt"
	"net/netip"
	"strings"
)

// compileIPRef parses s, which is either a single address or a CIDR, into a
// canonical prefix.  Single addresses become single-address prefixes.
func compileIPRef(s string) (p netip.Prefix, err error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err = netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("bad cidr: %w", err)
		}

		return p.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("bad ip: %w", err)
	}

	addr = addr.Unmap()

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ipEntry is one entry of an ipMatcher, keeping the stored form for verdict
// reasons and the entity ID for verdict attribution.
type ipEntry struct {
	raw    string
	prefix netip.Prefix
	id     uint64
}

// ipMatcher checks addresses against the blocklist entries of one direction.
// Single addresses are kept in a hash set, CIDRs in a scan list.
type ipMatcher struct {
	exact map[netip.Addr]ipEntry
	nets  []ipEntry
}

// newIPMatcher returns an empty matcher ready for add calls.
func newIPMatcher() (m *ipMatcher) {
	return &ipMatcher{
		exact: map[netip.Addr]ipEntry{},
	}
}

// add places the parsed form of entry into the matcher.
func (m *ipMatcher) add(raw string, id uint64, p netip.Prefix) {
	e := ipEntry{raw: raw, prefix: p, id: id}
	if p.IsSingleIP() {
		m.exact[p.Addr()] = e

		return
	}

	m.nets = append(m.nets, e)
}

// match returns the first entry containing addr.  addr must already be
// unmapped.
func (m *ipMatcher) match(addr netip.Addr) (e ipEntry, ok bool) {
	if !addr.IsValid() {
		return ipEntry{}, false
	}

	if e, ok = m.exact[addr]; ok {
		return e, true
	}

	for _, n := range m.nets {
		if n.prefix.Contains(addr) {
			return n, true
		}
	}

	return ipEntry{}, false
}
