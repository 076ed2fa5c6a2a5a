package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePattern_kinds(t *testing.T) {
	testCases := []struct {
		name    string
		pattern string
		want    patternKind
	}{{
		name:    "exact",
		pattern: "ads.example.net",
		want:    kindExact,
	}, {
		name:    "leading_dot",
		pattern: ".example.net",
		want:    kindLeadingDot,
	}, {
		name:    "star_dot",
		pattern: "*.example.net",
		want:    kindLeadingDot,
	}, {
		name:    "prefix",
		pattern: "track*",
		want:    kindPrefix,
	}, {
		name:    "suffix",
		pattern: "*-cdn.net",
		want:    kindSuffix,
	}, {
		name:    "contains",
		pattern: "*analytics*",
		want:    kindContains,
	}, {
		name:    "glob",
		pattern: "ads*.example.*",
		want:    kindGlob,
	}, {
		name:    "glob_inner",
		pattern: "a*b",
		want:    kindGlob,
	}, {
		name:    "glob_question",
		pattern: "a?s*.com",
		want:    kindGlob,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dp, ok := compilePattern(tc.pattern)
			require.True(t, ok)

			assert.Equal(t, tc.want, dp.kind)
		})
	}

	t.Run("unmatchable", func(t *testing.T) {
		for _, p := range []string{"", "   ", "*", "**", ".", "*.*"} {
			_, ok := compilePattern(p)
			assert.False(t, ok, "pattern %q", p)
		}
	})
}

func TestDomainPattern_match(t *testing.T) {
	testCases := []struct {
		name    string
		pattern string
		host    string
		want    bool
	}{{
		name:    "exact_hit",
		pattern: "example.com",
		host:    "example.com",
		want:    true,
	}, {
		name:    "exact_subdomain",
		pattern: "example.com",
		host:    "sub.example.com",
		want:    true,
	}, {
		name:    "exact_miss_superstring",
		pattern: "example.com",
		host:    "notexample.com",
		want:    false,
	}, {
		name:    "leading_dot_apex",
		pattern: ".example.net",
		host:    "example.net",
		want:    true,
	}, {
		name:    "leading_dot_sub",
		pattern: ".example.net",
		host:    "deep.ads.example.net",
		want:    true,
	}, {
		name:    "leading_dot_miss",
		pattern: ".example.net",
		host:    "badexample.net",
		want:    false,
	}, {
		name:    "star_dot_sub",
		pattern: "*.example.net",
		host:    "cdn.example.net",
		want:    true,
	}, {
		name:    "star_dot_apex",
		pattern: "*.ads.net",
		host:    "ads.net",
		want:    true,
	}, {
		name:    "contains_cric",
		pattern: "*cric*",
		host:    "api.cricinfo.com",
		want:    true,
	}, {
		name:    "contains_cric_miss",
		pattern: "*cric*",
		host:    "example.org",
		want:    false,
	}, {
		name:    "prefix_hit",
		pattern: "track*",
		host:    "tracker.example.org",
		want:    true,
	}, {
		name:    "prefix_miss",
		pattern: "track*",
		host:    "ads.tracker.org",
		want:    false,
	}, {
		name:    "suffix_hit",
		pattern: "*-cdn.net",
		host:    "images-cdn.net",
		want:    true,
	}, {
		name:    "contains_hit",
		pattern: "*analytics*",
		host:    "api.analytics-east.example.com",
		want:    true,
	}, {
		name:    "contains_miss",
		pattern: "*analytics*",
		host:    "example.com",
		want:    false,
	}, {
		name:    "glob_hit",
		pattern: "ads*.example.*",
		host:    "ads7.example.org",
		want:    true,
	}, {
		name:    "glob_spans_dots",
		pattern: "a*c",
		host:    "a.b.c",
		want:    true,
	}, {
		name:    "glob_middle",
		pattern: "a*mid*z",
		host:    "abc.mid.xyz",
		want:    true,
	}, {
		name:    "glob_middle_miss",
		pattern: "a*mid*z",
		host:    "abc.xyz",
		want:    false,
	}, {
		name:    "glob_overlap_miss",
		pattern: "aa*aa",
		host:    "aaa",
		want:    false,
	}, {
		name:    "glob_question",
		pattern: "a?s*.com",
		host:    "ads.example.com",
		want:    true,
	}, {
		name:    "glob_question_strict",
		pattern: "a?s*.com",
		host:    "as.example.com",
		want:    false,
	}, {
		name:    "case_insensitive",
		pattern: "Ads.Example.NET",
		host:    "ads.example.net",
		want:    true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dp, ok := compilePattern(tc.pattern)
			require.True(t, ok)

			assert.Equal(t, tc.want, dp.match(NormalizeHost(tc.host)))
		})
	}
}

func TestSnapshot_matchDomain_walk(t *testing.T) {
	s := &Snapshot{
		exact:      map[string]*domainPattern{},
		leadingDot: map[string]*domainPattern{},
	}

	dp, ok := compilePattern(".ads.net")
	require.True(t, ok)

	s.leadingDot[dp.stem] = dp

	got, ok := s.matchDomain("a.b.ads.net")
	require.True(t, ok)
	assert.Equal(t, dp, got)

	got, ok = s.matchDomain("ads.net")
	require.True(t, ok)
	assert.Equal(t, dp, got)

	_, ok = s.matchDomain("ads.net.evil.org")
	assert.False(t, ok)

	_, ok = s.matchDomain("")
	assert.False(t, ok)
}

func TestSnapshot_matchDomain_exactWalk(t *testing.T) {
	s := &Snapshot{
		exact:      map[string]*domainPattern{},
		leadingDot: map[string]*domainPattern{},
	}

	dp, ok := compilePattern("tracker.example")
	require.True(t, ok)
	require.Equal(t, kindExact, dp.kind)

	s.exact[dp.stem] = dp

	got, ok := s.matchDomain("tracker.example")
	require.True(t, ok)
	assert.Equal(t, dp, got)

	got, ok = s.matchDomain("eu.cdn.tracker.example")
	require.True(t, ok)
	assert.Equal(t, dp, got)

	_, ok = s.matchDomain("nottracker.example")
	assert.False(t, ok)

	_, ok = s.matchDomain("tracker.example.org")
	assert.False(t, ok)
}
