package rules

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
)

// MatchKind identifies the policy layer that produced a verdict.
type MatchKind string

// MatchKind values.  These are stable API strings.
const (
	MatchNone       MatchKind = ""
	MatchCombined   MatchKind = "combined"
	MatchDomain     MatchKind = "domain"
	MatchSourceIP   MatchKind = "source_ip"
	MatchDestIP     MatchKind = "dest_ip"
	MatchSourcePort MatchKind = "source_port"
	MatchDestPort   MatchKind = "dest_port"
)

// Request describes one proxied connection for evaluation.
type Request struct {
	// Host is the normalized hostname.  It may be empty for requests
	// addressing a raw IP.
	Host string

	SrcIP netip.Addr
	DstIP netip.Addr

	SrcPort uint16
	DstPort uint16
}

// Verdict is the outcome of a policy evaluation.
type Verdict struct {
	// Reason is the human-readable match description.  It is empty for the
	// default allow.
	Reason string

	// LogRuleName is the name of the first matching log-action rule, if any.
	LogRuleName string

	// Kind is the layer that decided the verdict.
	Kind MatchKind

	// EntityID is the ID of the matched entity, zero when nothing matched.
	EntityID uint64

	// RuleID is the composite rule whose allow or block action decided the
	// verdict, zero otherwise.
	RuleID uint64

	// LogRuleID is the first matching log-action rule, zero when none
	// matched.  It is set independently of the deciding layer.
	LogRuleID uint64

	// Blocked is true when the connection must be rejected.
	Blocked bool
}

// Metrics counts the events of the policy engine.
type Metrics interface {
	// IncBuildErrors counts entries skipped while compiling a snapshot.
	IncBuildErrors(ctx context.Context)

	// IncEvalErrors counts evaluations that had to recover to the default
	// allow.
	IncEvalErrors(ctx context.Context)

	// ObserveVerdict counts one finished evaluation.
	ObserveVerdict(ctx context.Context, blocked bool)
}

// EmptyMetrics is a [Metrics] implementation that does nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// IncBuildErrors implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncBuildErrors(_ context.Context) {}

// IncEvalErrors implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncEvalErrors(_ context.Context) {}

// ObserveVerdict implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveVerdict(_ context.Context, _ bool) {}

// EngineConfig is the configuration for the policy engine.
type EngineConfig struct {
	// Logger is used for logging the operation of the engine.  It must not
	// be nil.
	Logger *slog.Logger

	// Metrics counts engine events.  It must not be nil.
	Metrics Metrics
}

// Engine evaluates connections against the current policy snapshot.  The
// snapshot is replaced atomically, so evaluation never blocks on reloads.
type Engine struct {
	logger   *slog.Logger
	metrics  Metrics
	snapshot atomic.Pointer[Snapshot]
}

// NewEngine returns a properly initialized *Engine with an empty snapshot.
// conf must not be nil.
func NewEngine(ctx context.Context, conf *EngineConfig) (e *Engine) {
	e = &Engine{
		logger:  conf.Logger,
		metrics: conf.Metrics,
	}

	e.snapshot.Store(NewSnapshot(ctx, &SnapshotConfig{
		Logger:  conf.Logger,
		Metrics: conf.Metrics,
	}))

	return e
}

// SetSnapshot atomically replaces the active snapshot.  s must not be nil.
func (e *Engine) SetSnapshot(s *Snapshot) {
	e.snapshot.Store(s)
}

// Counts returns the entity counts of the active snapshot.
func (e *Engine) Counts() (c Counts) {
	return e.snapshot.Load().Counts()
}

// Evaluate checks req against the active snapshot.  It never fails: any
// internal error is recovered to the default allow verdict.
func (e *Engine) Evaluate(ctx context.Context, req *Request) (v Verdict) {
	defer func() {
		if rec := recover(); rec != nil {
			e.metrics.IncEvalErrors(ctx)
			e.logger.ErrorContext(ctx, "evaluation recovered", "value", rec)

			v = Verdict{}
		}
	}()

	v = e.evaluate(req)
	e.metrics.ObserveVerdict(ctx, v.Blocked)

	return v
}

// evaluate applies the layered checks in their fixed order: composite rules,
// domain blocklist, source and destination IP, source and destination port.
func (e *Engine) evaluate(req *Request) (v Verdict) {
	s := e.snapshot.Load()

	host := NormalizeHost(req.Host)
	src, dst := req.SrcIP.Unmap(), req.DstIP.Unmap()

	for _, cr := range s.rules {
		if !cr.matches(host, src, dst, req.SrcPort, req.DstPort) {
			continue
		}

		r := cr.rule
		switch r.Action {
		case ActionAllow, ActionBlock:
			v.Blocked = r.Action == ActionBlock
			v.Reason = r.BlockReason()
			v.Kind = MatchCombined
			v.EntityID = r.ID
			v.RuleID = r.ID

			return v
		case ActionLog:
			if v.LogRuleID == 0 {
				v.LogRuleID = r.ID
				v.LogRuleName = r.Name
			}
		}
	}

	if dp, ok := s.matchDomain(host); ok {
		v.Blocked = true
		v.Reason = fmt.Sprintf("Domain blocked: %s", dp.raw)
		v.Kind = MatchDomain
		v.EntityID = dp.id

		return v
	}

	if e, ok := s.srcIP.match(src); ok {
		v.Blocked = true
		v.Reason = fmt.Sprintf("Source IP blocked: %s", e.raw)
		v.Kind = MatchSourceIP
		v.EntityID = e.id

		return v
	}

	if e, ok := s.dstIP.match(dst); ok {
		v.Blocked = true
		v.Reason = fmt.Sprintf("Destination IP blocked: %s", e.raw)
		v.Kind = MatchDestIP
		v.EntityID = e.id

		return v
	}

	if e, ok := s.srcPort.match(req.SrcPort); ok {
		v.Blocked = true
		v.Reason = fmt.Sprintf("Source port blocked: %s", e.raw)
		v.Kind = MatchSourcePort
		v.EntityID = e.id

		return v
	}

	if e, ok := s.dstPort.match(req.DstPort); ok {
		v.Blocked = true
		v.Reason = fmt.Sprintf("Destination port blocked: %s", e.raw)
		v.Kind = MatchDestPort
		v.EntityID = e.id

		return v
	}

	return v
}
