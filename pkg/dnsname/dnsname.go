// Package dnsname normalizes and validates the domain-name strings that
// flow through the matcher, cache, and blocklist parser. All three
// components key on the same normal form, so the rules live in one place.
package dnsname

import "strings"

// reservedNames are excluded from blocklists and never match as blocked,
// matching the set the original blocklist updater treats as non-domains.
var reservedNames = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"local":                 {},
	"broadcasthost":         {},
}

// Normalize lower-cases a name and strips a single trailing dot, producing
// the canonical form used as a matcher/cache key.
func Normalize(name string) string {
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, ".")
}

// Valid reports whether name (already normalized, no trailing dot) is a
// syntactically valid domain name: 1-63 alphanumeric/hyphen label
// characters per label, no leading/trailing hyphen, total length <= 253.
func Valid(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}

	labels := strings.Split(name, ".")
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}
	return true
}

func validLabel(label string) bool {
	n := len(label)
	if n == 0 || n > 63 {
		return false
	}
	if label[0] == '-' || label[n-1] == '-' {
		return false
	}
	for i := 0; i < n; i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

// Reserved reports whether name is a locally-reserved pseudo-domain that
// must never be added to a blocklist (localhost and friends).
func Reserved(name string) bool {
	_, ok := reservedNames[name]
	return ok
}

// IsIPv4Literal reports whether name is a bare dotted-quad IPv4 address
// (e.g. "1.2.3.4"), which blocklist sources sometimes list by mistake.
func IsIPv4Literal(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for i := 0; i < len(p); i++ {
			if p[i] < '0' || p[i] > '9' {
				return false
			}
		}
	}
	return true
}

// TrimWildcard removes a leading "*." from a pattern, returning the base
// domain a wildcard set entry stores. ok is false if pattern had no
// wildcard prefix.
func TrimWildcard(pattern string) (base string, ok bool) {
	if strings.HasPrefix(pattern, "*.") {
		return pattern[2:], true
	}
	return pattern, false
}

// MatchesWildcard reports whether name is w itself or a subdomain of w,
// per the label-boundary subdomain rule: "evilfacebook.com" does not match
// wildcard base "facebook.com".
func MatchesWildcard(name, w string) bool {
	return name == w || strings.HasSuffix(name, "."+w)
}
