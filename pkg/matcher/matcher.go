// Package matcher decides whether a query name is blocked, using an
// atomically-swapped immutable snapshot so lookups never block a reload.
package matcher

import (
	"sync/atomic"
	"time"

	"sinkhole/pkg/dnsname"
)

// Result describes the outcome of a Match call.
type Result struct {
	Blocked bool
	// Kind is one of "allow-exact", "allow-wildcard", "block-exact",
	// "block-wildcard", "block-extra", or "" when nothing matched.
	Kind string
}

// Matcher holds the current State behind an atomic pointer. Match and
// IsBlocked are safe to call concurrently with Swap.
type Matcher struct {
	state atomic.Pointer[State]
}

// New returns a Matcher with no entries loaded; every query is unblocked
// until the first Swap.
func New() *Matcher {
	m := &Matcher{}
	m.state.Store(&State{
		blockedExact:    map[string]struct{}{},
		blockedWildcard: map[string]struct{}{},
		allowedExact:    map[string]struct{}{},
		allowedWildcard: map[string]struct{}{},
	})
	return m
}

// Swap installs s as the current snapshot, replacing whatever was loaded
// before. In-flight Match calls observe either the old or the new state,
// never a mix.
func (m *Matcher) Swap(s *State) {
	m.state.Store(s)
}

// Size returns the current snapshot's blocklist size.
func (m *Matcher) Size() int {
	return m.state.Load().Size()
}

// LoadedAt returns when the current snapshot was built.
func (m *Matcher) LoadedAt() (t time.Time, ok bool) {
	s := m.state.Load()
	if s == nil || s.loadedAt.IsZero() {
		return t, false
	}
	return s.loadedAt, true
}

// IsBlocked is a convenience wrapper over Match for callers that only
// care about the boolean outcome.
func (m *Matcher) IsBlocked(name string) bool {
	return m.Match(name).Blocked
}

// Match evaluates name against the current snapshot. Precedence, in
// order: allowlist (exact then wildcard) unconditionally wins, then
// blocklist exact, then blocklist wildcard, then any extra patterns.
func (m *Matcher) Match(name string) Result {
	s := m.state.Load()
	name = dnsname.Normalize(name)

	if _, ok := s.allowedExact[name]; ok {
		return Result{Blocked: false, Kind: "allow-exact"}
	}
	if matchesAnyWildcard(name, s.allowedWildcard) {
		return Result{Blocked: false, Kind: "allow-wildcard"}
	}

	if _, ok := s.blockedExact[name]; ok {
		return Result{Blocked: true, Kind: "block-exact"}
	}
	if matchesAnyWildcard(name, s.blockedWildcard) {
		return Result{Blocked: true, Kind: "block-wildcard"}
	}
	if s.extra != nil && s.extra.match(name) {
		return Result{Blocked: true, Kind: "block-extra"}
	}

	return Result{Blocked: false}
}

func matchesAnyWildcard(name string, set map[string]struct{}) bool {
	for base := range set {
		if dnsname.MatchesWildcard(name, base) {
			return true
		}
	}
	return false
}
