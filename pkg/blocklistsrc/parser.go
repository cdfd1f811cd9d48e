package blocklistsrc

import (
	"bufio"
	"strings"

	"sinkhole/pkg/dnsname"
)

// Parse extracts the set of valid domain names from text in the given
// format. Invalid names, reserved hostnames, and bare IPv4 literals
// are silently dropped.
func Parse(text string, format Format) map[string]struct{} {
	switch format {
	case FormatHosts:
		return parseHosts(text)
	case FormatAdblock:
		return parseAdblock(text)
	default:
		return parseDomains(text)
	}
}

func parseHosts(text string) map[string]struct{} {
	domains := make(map[string]struct{})
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "0.0.0.0") && !strings.HasPrefix(line, "127.0.0.1") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addDomain(domains, fields[1])
	}
	return domains
}

func parseDomains(text string) map[string]struct{} {
	domains := make(map[string]struct{})
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addDomain(domains, line)
	}
	return domains
}

func parseAdblock(text string) map[string]struct{} {
	domains := make(map[string]struct{})
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "||") {
			continue
		}
		idx := strings.Index(line, "^")
		if idx < 0 || idx != len(line)-1 {
			continue
		}
		domain := line[2:idx]
		if strings.Contains(domain, "/") || strings.Contains(domain, "$") {
			continue
		}
		addDomain(domains, domain)
	}
	return domains
}

func addDomain(domains map[string]struct{}, raw string) {
	name := strings.ToLower(strings.TrimSuffix(raw, "."))
	if name == "" || len(name) > 253 {
		return
	}
	if dnsname.Reserved(name) {
		return
	}
	if dnsname.IsIPv4Literal(name) {
		return
	}
	checked, _ := dnsname.TrimWildcard(name)
	if !dnsname.Valid(checked) {
		return
	}
	domains[name] = struct{}{}
}
