package rules_test

import (
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/stretchr/testify/assert"
)

func TestValidateDomainPattern(t *testing.T) {
	testCases := []struct {
		name       string
		pattern    string
		wantErrMsg string
	}{{
		name:       "ok_exact",
		pattern:    "ads.example.net",
		wantErrMsg: "",
	}, {
		name:       "ok_wildcard",
		pattern:    "*.example.net",
		wantErrMsg: "",
	}, {
		name:       "empty",
		pattern:    "",
		wantErrMsg: "pattern must not be empty",
	}, {
		name:       "only_stars",
		pattern:    "*.*",
		wantErrMsg: `pattern "*.*" has no matchable part`,
	}, {
		name:       "space",
		pattern:    "bad host.example.net",
		wantErrMsg: `pattern "bad host.example.net" contains invalid character ' '`,
	}, {
		name:       "slash",
		pattern:    "example.net/path",
		wantErrMsg: `pattern "example.net/path" contains invalid character '/'`,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := rules.ValidateDomainPattern(tc.pattern)
			testutil.AssertErrorMsg(t, tc.wantErrMsg, err)
		})
	}
}

func TestBlockedIP_Validate(t *testing.T) {
	testCases := []struct {
		name       string
		ip         *rules.BlockedIP
		wantErrMsg string
	}{{
		name: "ok_single",
		ip: &rules.BlockedIP{
			Address:   "203.0.113.66",
			Direction: rules.DirectionSource,
		},
		wantErrMsg: "",
	}, {
		name: "ok_cidr",
		ip: &rules.BlockedIP{
			Address:   "10.0.0.0/8",
			Direction: rules.DirectionBoth,
		},
		wantErrMsg: "",
	}, {
		name: "bad_address",
		ip: &rules.BlockedIP{
			Address:   "not-an-ip",
			Direction: rules.DirectionBoth,
		},
		wantErrMsg: `address: bad ip: ParseAddr("not-an-ip"): unable to parse IP`,
	}, {
		name: "bad_direction",
		ip: &rules.BlockedIP{
			Address:   "203.0.113.66",
			Direction: "sideways",
		},
		wantErrMsg: `direction: bad enum value: "sideways"`,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			testutil.AssertErrorMsg(t, tc.wantErrMsg, tc.ip.Validate())
		})
	}
}

func TestBlockRule_Validate(t *testing.T) {
	testCases := []struct {
		name       string
		rule       *rules.BlockRule
		wantErrMsg string
	}{{
		name: "ok",
		rule: &rules.BlockRule{
			Name:   "block ads",
			Action: rules.ActionBlock,
			Domain: "*.ads.example.net",
		},
		wantErrMsg: "",
	}, {
		name: "no_name",
		rule: &rules.BlockRule{
			Action: rules.ActionBlock,
			Domain: "*.ads.example.net",
		},
		wantErrMsg: "name must not be empty",
	}, {
		name: "bad_action",
		rule: &rules.BlockRule{
			Name:   "r",
			Action: "drop",
			Domain: "*.ads.example.net",
		},
		wantErrMsg: `action: bad enum value: "drop"`,
	}, {
		name: "bad_source_ip",
		rule: &rules.BlockRule{
			Name:     "r",
			Action:   rules.ActionBlock,
			SourceIP: "10.0.0.0/99",
		},
		wantErrMsg: `source_ip: bad cidr: netip.ParsePrefix("10.0.0.0/99"): ` +
			`prefix length out of range`,
	}, {
		name: "ok_port_range",
		rule: &rules.BlockRule{
			Name:        "r",
			Action:      rules.ActionBlock,
			DestPort:    1024,
			DestPortEnd: 65535,
		},
		wantErrMsg: "",
	}, {
		name: "port_end_without_start",
		rule: &rules.BlockRule{
			Name:          "r",
			Action:        rules.ActionBlock,
			SourcePortEnd: 1024,
		},
		wantErrMsg: "source_port_end requires source_port_start",
	}, {
		name: "port_range_inverted",
		rule: &rules.BlockRule{
			Name:        "r",
			Action:      rules.ActionBlock,
			DestPort:    8443,
			DestPortEnd: 8080,
		},
		wantErrMsg: "dest_port_end must not be less than dest_port_start",
	}, {
		name: "no_criteria",
		rule: &rules.BlockRule{
			Name:   "r",
			Action: rules.ActionBlock,
		},
		wantErrMsg: "rule must set at least one match field",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			testutil.AssertErrorMsg(t, tc.wantErrMsg, tc.rule.Validate())
		})
	}
}

func TestBlockedPort_Validate(t *testing.T) {
	p := &rules.BlockedPort{
		Port:      23,
		Direction: rules.DirectionDestination,
		Protocol:  "tcp",
	}
	assert.NoError(t, p.Validate())

	p = &rules.BlockedPort{
		Port:      1024,
		PortEnd:   65535,
		Direction: rules.DirectionDestination,
	}
	assert.NoError(t, p.Validate())

	p = &rules.BlockedPort{Direction: rules.DirectionBoth}
	testutil.AssertErrorMsg(t, "port must not be zero", p.Validate())

	p = &rules.BlockedPort{
		Port:      8443,
		PortEnd:   80,
		Direction: rules.DirectionBoth,
	}
	testutil.AssertErrorMsg(t, "port_end must not be less than port", p.Validate())
}

func TestBlockRule_BlockReason(t *testing.T) {
	r := &rules.BlockRule{Name: "no social media", Action: rules.ActionBlock}
	assert.Equal(t, "Rule: no social media", r.BlockReason())

	r.Reason = "Blocked by corporate policy"
	assert.Equal(t, "Blocked by corporate policy", r.BlockReason())
}
