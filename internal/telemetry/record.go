package telemetry

import (
	"net/netip"
	"time"

	"github.com/proxymon/proxymon/internal/rules"
)

// Record is the telemetry unit: one proxied connection and its outcome.
type Record struct {
	// Time is when the connection was accepted.
	Time time.Time `json:"timestamp"`

	// Method is the HTTP method of the initial request, CONNECT for tunnels.
	Method string `json:"method"`

	// Hostname is the normalized destination hostname.
	Hostname string `json:"hostname"`

	// URL is the scheme-qualified destination, https://host for tunnels and
	// http://host for plain requests.
	URL string `json:"url"`

	// BlockReason is the verdict reason for blocked connections.
	BlockReason string `json:"block_reason,omitempty"`

	// MatchedRule is the name of the log-action rule that matched, if any.
	MatchedRule string `json:"matched_rule,omitempty"`

	// MatchKind is the policy layer that decided the verdict.
	MatchKind rules.MatchKind `json:"rule_kind,omitempty"`

	// SourceIP and DestIP are the connection endpoints.  DestIP is the
	// unspecified IPv4 address when the hostname did not resolve.
	SourceIP netip.Addr `json:"source_ip"`
	DestIP   netip.Addr `json:"destination_ip"`

	// ID is assigned by the store when the record is appended.
	ID uint64 `json:"id"`

	// EntityID is the blocklist entity of MatchKind that produced the
	// verdict.  The telemetry worker counts it as a hit.
	EntityID uint64 `json:"-"`

	// RuleID is the composite rule whose action decided the verdict, zero
	// when none.  LogRuleID is the log-action rule that annotated the
	// connection.  Both are counted as hits by the telemetry worker.
	RuleID    uint64 `json:"-"`
	LogRuleID uint64 `json:"-"`

	// ContentLength is the number of upstream bytes relayed to the client.
	ContentLength int64 `json:"content_length"`

	// ResponseTime is the wall time of the whole exchange in milliseconds.
	ResponseTime int64 `json:"response_time"`

	// StatusCode is the status reported to the client: 200 for forwarded
	// traffic, 403 for blocked, 502 for upstream failures.
	StatusCode int `json:"status_code"`

	SourcePort uint16 `json:"source_port"`
	DestPort   uint16 `json:"destination_port"`

	// Blocked is true when the connection was rejected by policy.
	Blocked bool `json:"blocked"`

	// Broadcast tells the worker to publish the record to the dashboard
	// group after persisting it.
	Broadcast bool `json:"-"`
}

// ListView is the trimmed representation of a record used in list responses
// and dashboard events.
type ListView struct {
	Time          time.Time  `json:"timestamp"`
	Method        string     `json:"method"`
	Hostname      string     `json:"hostname"`
	SourceIP      netip.Addr `json:"source_ip"`
	DestIP        netip.Addr `json:"destination_ip"`
	ID            uint64     `json:"id"`
	ContentLength int64      `json:"content_length"`
	ResponseTime  int64      `json:"response_time"`
	StatusCode    int        `json:"status_code"`
	SourcePort    uint16     `json:"source_port"`
	DestPort      uint16     `json:"destination_port"`
	Blocked       bool       `json:"blocked"`
}

// ListView returns the trimmed representation of r.
func (r *Record) ListView() (lv *ListView) {
	return &ListView{
		Time:          r.Time,
		Method:        r.Method,
		Hostname:      r.Hostname,
		SourceIP:      r.SourceIP,
		DestIP:        r.DestIP,
		ID:            r.ID,
		ContentLength: r.ContentLength,
		ResponseTime:  r.ResponseTime,
		StatusCode:    r.StatusCode,
		SourcePort:    r.SourcePort,
		DestPort:      r.DestPort,
		Blocked:       r.Blocked,
	}
}
