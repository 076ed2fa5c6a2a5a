package rules

import (
	"cmp"
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// compiledRule is a composite rule with its narrowing fields parsed.
type compiledRule struct {
	rule    *BlockRule
	domain  *domainPattern
	srcIP   netip.Prefix
	dstIP   netip.Prefix
	srcPort portRange
	dstPort portRange
}

// matches reports whether every set field of the rule matches the request.
// host, src, and dst must be normalized.
func (cr *compiledRule) matches(host string, src, dst netip.Addr, srcPort, dstPort uint16) (ok bool) {
	if cr.domain != nil && (host == "" || !cr.domain.match(host)) {
		return false
	}

	if cr.srcIP.IsValid() && !(src.IsValid() && cr.srcIP.Contains(src)) {
		return false
	}

	if cr.dstIP.IsValid() && !(dst.IsValid() && cr.dstIP.Contains(dst)) {
		return false
	}

	if cr.srcPort.start != 0 && (srcPort == 0 || !cr.srcPort.contains(srcPort)) {
		return false
	}

	if cr.dstPort.start != 0 && (dstPort == 0 || !cr.dstPort.contains(dstPort)) {
		return false
	}

	return true
}

// SnapshotConfig holds the active policy entities a snapshot is built from.
// Inactive entities must be filtered out by the caller or they are skipped
// here.
type SnapshotConfig struct {
	// Logger is used to report entries skipped over parse errors.  It must
	// not be nil.
	Logger *slog.Logger

	// Metrics counts build and evaluation errors.  It must not be nil.
	Metrics Metrics

	Domains []*BlockedDomain
	IPs     []*BlockedIP
	Ports   []*BlockedPort
	Rules   []*BlockRule
}

// Snapshot is an immutable compiled view of the policy.  It is built once
// and shared between goroutines without locking.
type Snapshot struct {
	exact      map[string]*domainPattern
	leadingDot map[string]*domainPattern
	wild       []*domainPattern

	srcIP *ipMatcher
	dstIP *ipMatcher

	srcPort *portMatcher
	dstPort *portMatcher

	rules []*compiledRule

	counts Counts
}

// Counts reports how many active entities a snapshot compiled.
type Counts struct {
	Domains int `json:"domains"`
	IPs     int `json:"ips"`
	Ports   int `json:"ports"`
	Rules   int `json:"rules"`
}

// NewSnapshot compiles conf into an immutable snapshot.  Malformed entries
// are skipped and counted, never fatal.
func NewSnapshot(ctx context.Context, conf *SnapshotConfig) (s *Snapshot) {
	s = &Snapshot{
		exact:      map[string]*domainPattern{},
		leadingDot: map[string]*domainPattern{},
		srcIP:      newIPMatcher(),
		dstIP:      newIPMatcher(),
		srcPort:    newPortMatcher(),
		dstPort:    newPortMatcher(),
	}

	s.addDomains(ctx, conf)
	s.addIPs(ctx, conf)
	s.addPorts(ctx, conf)
	s.addRules(ctx, conf)

	return s
}

// addDomains compiles the domain blocklist.
func (s *Snapshot) addDomains(ctx context.Context, conf *SnapshotConfig) {
	for _, d := range conf.Domains {
		if !d.IsActive {
			continue
		}

		dp, ok := compilePattern(d.Pattern)
		if !ok {
			conf.Logger.WarnContext(ctx, "skipping domain entry", "id", d.ID, "pattern", d.Pattern)
			conf.Metrics.IncBuildErrors(ctx)

			continue
		}

		dp.id = d.ID

		switch dp.kind {
		case kindExact:
			s.exact[dp.stem] = dp
		case kindLeadingDot:
			s.leadingDot[dp.stem] = dp
		default:
			s.wild = append(s.wild, dp)
		}

		s.counts.Domains++
	}
}

// addIPs compiles the IP blocklist.
func (s *Snapshot) addIPs(ctx context.Context, conf *SnapshotConfig) {
	for _, ip := range conf.IPs {
		if !ip.IsActive {
			continue
		}

		p, err := compileIPRef(ip.Address)
		if err != nil {
			conf.Logger.WarnContext(
				ctx,
				"skipping ip entry",
				"id", ip.ID,
				"address", ip.Address,
				slogutil.KeyError, err,
			)
			conf.Metrics.IncBuildErrors(ctx)

			continue
		}

		if ip.Direction.appliesTo(true) {
			s.srcIP.add(ip.Address, ip.ID, p)
		}

		if ip.Direction.appliesTo(false) {
			s.dstIP.add(ip.Address, ip.ID, p)
		}

		s.counts.IPs++
	}
}

// addPorts compiles the port blocklist.
func (s *Snapshot) addPorts(ctx context.Context, conf *SnapshotConfig) {
	for _, p := range conf.Ports {
		if !p.IsActive {
			continue
		}

		if err := p.Validate(); err != nil {
			conf.Logger.WarnContext(
				ctx,
				"skipping port entry",
				"id", p.ID,
				"port", p.Port,
				slogutil.KeyError, err,
			)
			conf.Metrics.IncBuildErrors(ctx)

			continue
		}

		if p.Direction.appliesTo(true) {
			s.srcPort.add(p.ID, p.Port, p.PortEnd)
		}

		if p.Direction.appliesTo(false) {
			s.dstPort.add(p.ID, p.Port, p.PortEnd)
		}

		s.counts.Ports++
	}
}

// addRules compiles the composite rules and sorts them into evaluation
// order: priority ascending, newer first within a priority.
func (s *Snapshot) addRules(ctx context.Context, conf *SnapshotConfig) {
	for _, r := range conf.Rules {
		if !r.IsActive || !r.hasCriteria() {
			continue
		}

		cr, err := compileRule(r)
		if err != nil {
			conf.Logger.WarnContext(
				ctx,
				"skipping rule",
				"id", r.ID,
				"name", r.Name,
				slogutil.KeyError, err,
			)
			conf.Metrics.IncBuildErrors(ctx)

			continue
		}

		s.rules = append(s.rules, cr)
		s.counts.Rules++
	}

	slices.SortStableFunc(s.rules, func(a, b *compiledRule) (res int) {
		if res = cmp.Compare(a.rule.Priority, b.rule.Priority); res != 0 {
			return res
		}

		return b.rule.CreatedAt.Compare(a.rule.CreatedAt)
	})
}

// compileRule parses the narrowing fields of r.
func compileRule(r *BlockRule) (cr *compiledRule, err error) {
	cr = &compiledRule{
		rule:    r,
		srcPort: compilePortRange(r.SourcePort, r.SourcePortEnd),
		dstPort: compilePortRange(r.DestPort, r.DestPortEnd),
	}

	if r.Domain != "" {
		dp, ok := compilePattern(r.Domain)
		if !ok {
			return nil, ValidateDomainPattern(r.Domain)
		}

		cr.domain = dp
	}

	if r.SourceIP != "" {
		if cr.srcIP, err = compileIPRef(r.SourceIP); err != nil {
			return nil, err
		}
	}

	if r.DestIP != "" {
		if cr.dstIP, err = compileIPRef(r.DestIP); err != nil {
			return nil, err
		}
	}

	return cr, nil
}

// Counts returns the compiled entity counts.
func (s *Snapshot) Counts() (c Counts) {
	return s.counts
}

// matchDomain finds the first matching domain entry for the normalized
// hostname host.  Plain entries are checked first, against the full hostname
// and then against each parent domain, so an entry blocks its subdomains
// without a scan.  The leading-dot walk and the wildcard scan follow.
func (s *Snapshot) matchDomain(host string) (dp *domainPattern, ok bool) {
	if host == "" {
		return nil, false
	}

	for sub := host; sub != ""; sub = trimLabel(sub) {
		if dp, ok = s.exact[sub]; ok {
			return dp, true
		}
	}

	if len(s.leadingDot) > 0 {
		for sub := host; sub != ""; sub = trimLabel(sub) {
			if dp, ok = s.leadingDot["."+sub]; ok {
				return dp, true
			}
		}
	}

	for _, w := range s.wild {
		if w.match(host) {
			return w, true
		}
	}

	return nil, false
}

// trimLabel strips the leading label of host, returning the remainder after
// the first dot, or an empty string when there is none.
func trimLabel(host string) (rest string) {
	i := strings.IndexByte(host, '.')
	if i < 0 {
		return ""
	}

	return host[i+1:]
}
