package matcher

import (
	"bufio"
	"io"
	"strings"
	"time"

	"sinkhole/pkg/blocklistsrc"
	"sinkhole/pkg/dnsname"
)

// State is an immutable snapshot of the block/allow sets a Matcher
// evaluates against. A new State is built from scratch on every reload;
// nothing in it is ever mutated after Loader.Load returns it.
type State struct {
	blockedExact    map[string]struct{}
	blockedWildcard map[string]struct{}
	allowedExact    map[string]struct{}
	allowedWildcard map[string]struct{}
	extra           *extraMatcher
	loadedAt        time.Time
}

// Size returns the total number of blocking entries (exact + wildcard),
// excluding the allowlist and any extra patterns. This backs the
// blocklist-size gauge, kept separate from the blocked-query counter.
func (s *State) Size() int {
	if s == nil {
		return 0
	}
	return len(s.blockedExact) + len(s.blockedWildcard)
}

// Loader builds a State from a merged blocklist artifact plus a
// whitelist. Its default grammar (the zero Format) accepts, line by
// line: bare names ("example.com"), trailing-dot names
// ("example.com."), wildcard entries ("*.example.com", stored against
// the base domain), and hosts-file lines ("0.0.0.0 example.com" /
// "127.0.0.1 example.com") all in the same pass, skipping blank lines
// and lines starting with "#" or "//". This is the grammar used for the
// merged blocklist/whitelist artifacts the Matcher reloads from.
//
// Setting Format to one of blocklistsrc.FormatHosts/FormatDomains makes
// the Loader strict instead of mixed, matching blocklistsrc.Parse line
// for line for that same format - this is what lets a single source
// file loaded straight off disk (format=hosts) produce the same domain
// set as running it through the fetch/merge Parser. FormatAdblock
// switches to the stricter AdBlock Plus dialect: only "||name^" entries
// are accepted (stored as a wildcard, since "||name^" blocks name and
// every subdomain of it), and "!", "[", "#" all introduce comments or
// element-hiding rules to skip.
type Loader struct {
	Format blocklistsrc.Format

	// ExtraPatterns are additional block patterns evaluated after the
	// plain exact/wildcard sets, supporting regex patterns the plain
	// blocklist format can't express. Optional.
	ExtraPatterns []string
}

// Load reads a merged blocklist from r and a whitelist from allow,
// producing a State ready to be installed into a Matcher. allow may be
// nil if no whitelist is configured. The whitelist is always read with
// the default mixed grammar regardless of l.Format, since it is
// hand-curated rather than sourced from a particular upstream format.
func (l *Loader) Load(r io.Reader, allow io.Reader) (*State, error) {
	s := &State{
		blockedExact:    make(map[string]struct{}),
		blockedWildcard: make(map[string]struct{}),
		allowedExact:    make(map[string]struct{}),
		allowedWildcard: make(map[string]struct{}),
		loadedAt:        time.Now(),
	}

	if err := scanInto(r, l.Format, s.blockedExact, s.blockedWildcard); err != nil {
		return nil, err
	}
	if allow != nil {
		if err := scanInto(allow, "", s.allowedExact, s.allowedWildcard); err != nil {
			return nil, err
		}
	}

	if len(l.ExtraPatterns) > 0 {
		extra, err := newExtraMatcher(l.ExtraPatterns)
		if err != nil {
			return nil, err
		}
		s.extra = extra
	}

	return s, nil
}

func scanInto(r io.Reader, format blocklistsrc.Format, exact, wildcard map[string]struct{}) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch format {
		case blocklistsrc.FormatAdblock:
			if strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
				continue
			}
			if name, ok := parseAdblockLine(line); ok {
				wildcard[name] = struct{}{}
			}
			continue

		case blocklistsrc.FormatHosts:
			// Matches blocklistsrc.Parse's FormatHosts exactly: only
			// 0.0.0.0/127.0.0.1 lines count, bare names are ignored.
			if strings.HasPrefix(line, "#") {
				continue
			}
			if host, ok := parseHostsLine(line); ok {
				if name := dnsname.Normalize(host); dnsname.Valid(name) && !dnsname.Reserved(name) && !dnsname.IsIPv4Literal(name) {
					exact[name] = struct{}{}
				}
			}
			continue

		case blocklistsrc.FormatDomains:
			// Matches blocklistsrc.Parse's FormatDomains exactly: every
			// non-comment line is a bare name, wildcards included.
			if strings.HasPrefix(line, "#") {
				continue
			}
			name := dnsname.Normalize(line)
			if base, isWildcard := dnsname.TrimWildcard(name); isWildcard {
				if dnsname.Valid(base) {
					wildcard[base] = struct{}{}
				}
				continue
			}
			if dnsname.Valid(name) && !dnsname.Reserved(name) && !dnsname.IsIPv4Literal(name) {
				exact[name] = struct{}{}
			}
			continue
		}

		// Default (zero Format): the generic mixed grammar spec.md
		// describes, accepting bare/trailing-dot/wildcard names and
		// hosts-file lines together, skipping "#" and "//" comments.
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		if host, ok := parseHostsLine(line); ok {
			if name := dnsname.Normalize(host); dnsname.Valid(name) {
				exact[name] = struct{}{}
			}
			continue
		}

		name := dnsname.Normalize(line)
		if base, isWildcard := dnsname.TrimWildcard(name); isWildcard {
			if dnsname.Valid(base) {
				wildcard[base] = struct{}{}
			}
			continue
		}
		if dnsname.Valid(name) {
			exact[name] = struct{}{}
		}
	}
	return scanner.Err()
}

// parseHostsLine recognizes a hosts-file blocking line: a 0.0.0.0 or
// 127.0.0.1 address followed by the name to block. ok is false for any
// line that isn't one of those two addresses.
func parseHostsLine(line string) (name string, ok bool) {
	if !strings.HasPrefix(line, "0.0.0.0") && !strings.HasPrefix(line, "127.0.0.1") {
		return "", false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}
	return fields[1], true
}

// parseAdblockLine recognizes the "||name^" AdBlock Plus subset, with
// no path or option suffix. ok is false for anything else, including
// entries carrying a path ("/") or option ("$") modifier.
func parseAdblockLine(line string) (name string, ok bool) {
	if !strings.HasPrefix(line, "||") {
		return "", false
	}
	idx := strings.Index(line, "^")
	if idx < 0 || idx != len(line)-1 {
		return "", false
	}
	domain := line[2:idx]
	if strings.Contains(domain, "/") || strings.Contains(domain, "$") {
		return "", false
	}
	name = dnsname.Normalize(domain)
	if !dnsname.Valid(name) {
		return "", false
	}
	return name, true
}
