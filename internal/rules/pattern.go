package rules

import "strings"

// patternKind is the shape of a domain pattern, detected once when the
// pattern enters a snapshot.
type patternKind uint8

// patternKind values.
const (
	kindExact patternKind = iota
	kindLeadingDot
	kindPrefix
	kindSuffix
	kindContains
	kindGlob
)

// domainPattern is the compiled form of a domain pattern.
type domainPattern struct {
	// raw is the pattern as stored, used in verdict reasons.
	raw string

	// stem is the precomputed matching material: the dotted suffix for
	// kindLeadingDot, the fixed part for kindPrefix, kindSuffix, and
	// kindContains, and the normalized pattern for kindExact and kindGlob.
	stem string

	// id is the blocklist entity the pattern came from, zero for patterns
	// embedded in composite rules.
	id uint64

	kind patternKind
}

// compilePattern classifies pattern and returns its compiled form.  ok is
// false when the pattern has no matchable material.
func compilePattern(pattern string) (dp *domainPattern, ok bool) {
	raw := strings.TrimSpace(pattern)
	p := NormalizeHost(raw)
	if p == "" || strings.Trim(p, "*.") == "" {
		return nil, false
	}

	dp = &domainPattern{raw: raw}

	switch {
	case strings.HasPrefix(p, "*."):
		dp.kind = kindLeadingDot
		dp.stem = p[1:]
	case strings.HasPrefix(p, "."):
		dp.kind = kindLeadingDot
		dp.stem = p
	default:
		dp.classifyWild(p)
	}

	return dp, true
}

// classifyWild fills dp for patterns that are not leading-dot forms.  p must
// be normalized.
func (dp *domainPattern) classifyWild(p string) {
	stars := strings.Count(p, "*")
	switch {
	case stars == 0:
		dp.kind = kindExact
		dp.stem = p
	case stars == 1 && strings.HasSuffix(p, "*"):
		dp.kind = kindPrefix
		dp.stem = p[:len(p)-1]
	case stars == 1 && strings.HasPrefix(p, "*"):
		dp.kind = kindSuffix
		dp.stem = p[1:]
	case stars == 2 && strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*"):
		dp.kind = kindContains
		dp.stem = strings.Trim(p, "*")
	default:
		dp.kind = kindGlob
		dp.stem = p
	}
}

// match reports whether the normalized hostname host matches the pattern.
// Plain patterns match the hostname itself and any subdomain of it.
func (dp *domainPattern) match(host string) (ok bool) {
	switch dp.kind {
	case kindExact:
		return host == dp.stem || strings.HasSuffix(host, "."+dp.stem)
	case kindLeadingDot:
		return host == dp.stem[1:] || strings.HasSuffix(host, dp.stem)
	case kindPrefix:
		return strings.HasPrefix(host, dp.stem)
	case kindSuffix:
		return strings.HasSuffix(host, dp.stem)
	case kindContains:
		return strings.Contains(host, dp.stem)
	default:
		return globMatch(host, dp.stem)
	}
}

// globMatch reports whether s matches the glob pattern.  An asterisk spans
// any run of characters, dots included, and a question mark stands for
// exactly one character.  On a mismatch after an asterisk the scan backs up
// and retries one character further, so the asterisk absorbs the shortest
// run first.
func globMatch(s, pattern string) (ok bool) {
	var si, pi int
	star, back := -1, 0

	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == s[si] || pattern[pi] == '?'):
			si++
			pi++
		case pi < len(pattern) && pattern[pi] == '*':
			star, back = pi, si
			pi++
		case star >= 0:
			back++
			si, pi = back, star+1
		default:
			return false
		}
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}

	return pi == len(pattern)
}
