package blocklistsrc

import "testing"

func TestParseHosts(t *testing.T) {
	text := "0.0.0.0 ads.example.com\n127.0.0.1 tracker.example.com\n# comment\n0.0.0.0 localhost\n"
	got := Parse(text, FormatHosts)

	if _, ok := got["ads.example.com"]; !ok {
		t.Error("expected ads.example.com to be parsed")
	}
	if _, ok := got["tracker.example.com"]; !ok {
		t.Error("expected tracker.example.com to be parsed")
	}
	if _, ok := got["localhost"]; ok {
		t.Error("localhost should be dropped")
	}
	if len(got) != 2 {
		t.Errorf("len(got) = %d, want 2", len(got))
	}
}

func TestParseDomains(t *testing.T) {
	text := "ads.example.com\n\n# comment\nbad_domain_\ntracker.example.com.\n"
	got := Parse(text, FormatDomains)

	if _, ok := got["ads.example.com"]; !ok {
		t.Error("expected ads.example.com")
	}
	if _, ok := got["tracker.example.com"]; !ok {
		t.Error("expected trailing dot to be stripped")
	}
	if _, ok := got["bad_domain_"]; ok {
		t.Error("invalid domain should be dropped")
	}
}

func TestParseAdblock(t *testing.T) {
	text := "||ads.example.com^\n||tracker.example.com^$third-party\n! comment\n[Adblock Plus]\n||bad/path.com^\n"
	got := Parse(text, FormatAdblock)

	if _, ok := got["ads.example.com"]; !ok {
		t.Error("expected ads.example.com")
	}
	if len(got) != 1 {
		t.Errorf("len(got) = %d, want 1 (modifiers/paths rejected)", len(got))
	}
}

func TestParseDropsIPv4Literals(t *testing.T) {
	got := Parse("1.2.3.4\nexample.com\n", FormatDomains)
	if _, ok := got["1.2.3.4"]; ok {
		t.Error("bare IPv4 literal should be dropped")
	}
	if _, ok := got["example.com"]; !ok {
		t.Error("expected example.com to survive")
	}
}

func TestParseKeepsWildcardEntries(t *testing.T) {
	got := Parse("*.ads.example.com\n", FormatDomains)
	if _, ok := got["*.ads.example.com"]; !ok {
		t.Error("expected wildcard entry to be kept verbatim")
	}
}
