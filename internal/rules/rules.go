// Package rules contains the policy entities and the evaluation engine that
// decides whether a proxied connection is allowed, blocked, or logged.
package rules

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/AdguardTeam/golibs/errors"
)

// Action is the effect of a composite rule.
type Action string

// Action values.
const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
	ActionLog   Action = "log"
)

// Validate returns an error if a is not a known action.
func (a Action) Validate() (err error) {
	switch a {
	case ActionAllow, ActionBlock, ActionLog:
		return nil
	default:
		return fmt.Errorf("action: %w: %q", errors.ErrBadEnumValue, a)
	}
}

// Direction tells which side of a connection an IP or port entry applies to.
type Direction string

// Direction values.
const (
	DirectionSource      Direction = "source"
	DirectionDestination Direction = "destination"
	DirectionBoth        Direction = "both"
)

// Validate returns an error if d is not a known direction.
func (d Direction) Validate() (err error) {
	switch d {
	case DirectionSource, DirectionDestination, DirectionBoth:
		return nil
	default:
		return fmt.Errorf("direction: %w: %q", errors.ErrBadEnumValue, d)
	}
}

// appliesTo reports whether an entry with direction d participates in source
// or destination checks.
func (d Direction) appliesTo(src bool) (ok bool) {
	if d == DirectionBoth {
		return true
	}

	if src {
		return d == DirectionSource
	}

	return d == DirectionDestination
}

// CategoryManual is the default category of manually added domain entries.
// Entries loaded from a blocklist file use [CategoryFile] and take no part
// in hit accounting.
const (
	CategoryManual = "manual"
	CategoryFile   = "file"
)

// BlockedDomain is a hostname pattern entry of the domain blocklist.
type BlockedDomain struct {
	CreatedAt time.Time `json:"created_at"`
	Pattern   string    `json:"pattern"`
	Category  string    `json:"category"`
	Notes     string    `json:"notes,omitempty"`
	ID        uint64    `json:"id"`
	HitCount  uint64    `json:"hit_count"`
	IsActive  bool      `json:"is_active"`
}

// IsWildcard reports whether the pattern needs more than a string comparison
// to match.
func (d *BlockedDomain) IsWildcard() (ok bool) {
	return strings.Contains(d.Pattern, "*") || strings.HasPrefix(d.Pattern, ".")
}

// Validate returns an error if the entry is not ready to be stored.
func (d *BlockedDomain) Validate() (err error) {
	return ValidateDomainPattern(d.Pattern)
}

// BlockedIP is a single address or CIDR entry of the IP blocklist.  Address
// accepts both a plain IP and the address/prefix-length form, which is split
// and validated at ingest.
type BlockedIP struct {
	CreatedAt time.Time `json:"created_at"`
	Address   string    `json:"address"`
	Direction Direction `json:"direction"`
	Notes     string    `json:"notes,omitempty"`
	ID        uint64    `json:"id"`
	HitCount  uint64    `json:"hit_count"`
	IsActive  bool      `json:"is_active"`
}

// Validate returns an error if the entry is not ready to be stored.
func (ip *BlockedIP) Validate() (err error) {
	if _, err = compileIPRef(ip.Address); err != nil {
		return fmt.Errorf("address: %w", err)
	}

	return ip.Direction.Validate()
}

// BlockedPort is a port entry of the port blocklist, either a single port or
// the inclusive range [Port, PortEnd] when PortEnd is set.  Protocol is
// informational.
type BlockedPort struct {
	CreatedAt time.Time `json:"created_at"`
	Direction Direction `json:"direction"`
	Protocol  string    `json:"protocol"`
	Notes     string    `json:"notes,omitempty"`
	ID        uint64    `json:"id"`
	HitCount  uint64    `json:"hit_count"`
	Port      uint16    `json:"port"`
	PortEnd   uint16    `json:"port_end,omitempty"`
	IsActive  bool      `json:"is_active"`
}

// Validate returns an error if the entry is not ready to be stored.
func (p *BlockedPort) Validate() (err error) {
	if p.Port == 0 {
		return errors.Error("port must not be zero")
	}

	if p.PortEnd != 0 && p.PortEnd < p.Port {
		return errors.Error("port_end must not be less than port")
	}

	return p.Direction.Validate()
}

// BlockRule is a composite rule.  All set narrowing fields must match for
// the rule to fire; a rule with no narrowing fields matches nothing.  The
// port pairs describe inclusive ranges; a zero end makes the start port an
// exact requirement.
type BlockRule struct {
	CreatedAt     time.Time `json:"created_at"`
	Name          string    `json:"name"`
	Action        Action    `json:"action"`
	Domain        string    `json:"domain,omitempty"`
	SourceIP      string    `json:"source_ip,omitempty"`
	DestIP        string    `json:"dest_ip,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ID            uint64    `json:"id"`
	HitCount      uint64    `json:"hit_count"`
	Priority      int       `json:"priority"`
	SourcePort    uint16    `json:"source_port_start,omitempty"`
	SourcePortEnd uint16    `json:"source_port_end,omitempty"`
	DestPort      uint16    `json:"dest_port_start,omitempty"`
	DestPortEnd   uint16    `json:"dest_port_end,omitempty"`
	IsActive      bool      `json:"is_active"`
}

// Validate returns an error if the rule is not ready to be stored.
func (r *BlockRule) Validate() (err error) {
	if r.Name == "" {
		return errors.Error("name must not be empty")
	}

	if err = r.Action.Validate(); err != nil {
		return err
	}

	if r.Domain != "" {
		if err = ValidateDomainPattern(r.Domain); err != nil {
			return fmt.Errorf("domain: %w", err)
		}
	}

	for _, ipf := range []struct {
		val  string
		name string
	}{{
		val:  r.SourceIP,
		name: "source_ip",
	}, {
		val:  r.DestIP,
		name: "dest_ip",
	}} {
		if ipf.val == "" {
			continue
		}

		if _, err = compileIPRef(ipf.val); err != nil {
			return fmt.Errorf("%s: %w", ipf.name, err)
		}
	}

	for _, pf := range []struct {
		name       string
		start, end uint16
	}{{
		name:  "source_port",
		start: r.SourcePort,
		end:   r.SourcePortEnd,
	}, {
		name:  "dest_port",
		start: r.DestPort,
		end:   r.DestPortEnd,
	}} {
		switch {
		case pf.end == 0:
			// Exact or unset.
		case pf.start == 0:
			return fmt.Errorf("%s_end requires %[1]s_start", pf.name)
		case pf.end < pf.start:
			return fmt.Errorf("%s_end must not be less than %[1]s_start", pf.name)
		}
	}

	if !r.hasCriteria() {
		return errors.Error("rule must set at least one match field")
	}

	return nil
}

// hasCriteria reports whether the rule has any narrowing fields set.
func (r *BlockRule) hasCriteria() (ok bool) {
	return r.Domain != "" ||
		r.SourceIP != "" ||
		r.DestIP != "" ||
		r.SourcePort != 0 ||
		r.DestPort != 0
}

// BlockReason is the verdict reason the rule produces when it fires: the
// stored override when present, a generic name reference otherwise.
func (r *BlockRule) BlockReason() (reason string) {
	if r.Reason != "" {
		return r.Reason
	}

	return fmt.Sprintf("Rule: %s", r.Name)
}

// ValidateDomainPattern returns an error if pattern cannot be used as a
// domain pattern.
func ValidateDomainPattern(pattern string) (err error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return errors.Error("pattern must not be empty")
	}

	if strings.Trim(pattern, "*.") == "" {
		return fmt.Errorf("pattern %q has no matchable part", pattern)
	}

	for _, r := range pattern {
		if unicode.IsSpace(r) || r == '/' {
			return fmt.Errorf("pattern %q contains invalid character %q", pattern, r)
		}
	}

	return nil
}

// NormalizeHost lowercases host and strips the trailing dot of a
// fully-qualified form.  Matching throughout the engine is performed on
// normalized hostnames.
func NormalizeHost(host string) (norm string) {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
