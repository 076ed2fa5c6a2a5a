package rules

import (
	"fmt"
	"strconv"
)

// portRange is a compiled port entry covering the inclusive range
// [start, end].
type portRange struct {
	start uint16
	end   uint16
}

// contains reports whether port falls into the range.
func (r portRange) contains(port uint16) (ok bool) {
	return port >= r.start && port <= r.end
}

// compilePortRange returns the inclusive range for a start port and an
// optional end port.  A zero end collapses the range to the single start
// port.
func compilePortRange(start, end uint16) (r portRange) {
	if end == 0 {
		end = start
	}

	return portRange{start: start, end: end}
}

// portEntry is one entry of a portMatcher, keeping the stored form for
// verdict reasons and the entity ID for verdict attribution.
type portEntry struct {
	raw string
	id  uint64
	portRange
}

// portMatcher checks ports against the blocklist entries of one direction.
// Single ports are kept in a hash map, ranges in a scan list checked after
// it.
type portMatcher struct {
	exact  map[uint16]portEntry
	ranges []portEntry
}

// newPortMatcher returns an empty matcher ready for add calls.
func newPortMatcher() (m *portMatcher) {
	return &portMatcher{
		exact: map[uint16]portEntry{},
	}
}

// add places an entry into the matcher.  A zero end stands for a
// single-port entry.
func (m *portMatcher) add(id uint64, start, end uint16) {
	e := portEntry{
		id:        id,
		portRange: compilePortRange(start, end),
	}

	if e.start == e.end {
		e.raw = strconv.Itoa(int(e.start))
		m.exact[e.start] = e

		return
	}

	e.raw = fmt.Sprintf("%d-%d", e.start, e.end)
	m.ranges = append(m.ranges, e)
}

// match returns the first entry containing port.  A zero port never
// matches, since a constrained entry cannot cover an absent candidate.
func (m *portMatcher) match(port uint16) (e portEntry, ok bool) {
	if port == 0 {
		return portEntry{}, false
	}

	if e, ok = m.exact[port]; ok {
		return e, true
	}

	for _, r := range m.ranges {
		if r.contains(port) {
			return r, true
		}
	}

	return portEntry{}, false
}
