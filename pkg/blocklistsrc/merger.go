package blocklistsrc

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// Merge reads and parses each entry's cached file, unions the
// resulting name sets, and writes a single sorted artifact with a
// header block to out.Path. The write is atomic: renameio writes to a
// temp file in the same directory and renames it into place, so a
// concurrent matcher reload never observes a partial file.
func Merge(entries []SourceResult, out Artifact) (Summary, error) {
	domains := make(map[string]struct{})
	total := 0

	for _, e := range entries {
		data, err := os.ReadFile(e.Result.Path)
		if err != nil {
			return Summary{}, fmt.Errorf("blocklistsrc: read %s: %w", e.Result.Path, err)
		}
		parsed := Parse(string(data), e.Source.Format)
		total += len(parsed)
		for d := range parsed {
			domains[d] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(domains))
	for d := range domains {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString("# sinkhole blocklist\n")
	b.WriteString(fmt.Sprintf("# generated: %s\n", time.Now().UTC().Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("# total domains: %d\n", len(sorted)))
	b.WriteString(fmt.Sprintf("# sources: %d\n", len(entries)))
	b.WriteString("#\n")
	for _, e := range entries {
		b.WriteString(fmt.Sprintf("# - %s\n", e.Source.Name))
	}
	b.WriteString("#\n\n")
	for _, d := range sorted {
		b.WriteString(d)
		b.WriteByte('\n')
	}

	if err := renameio.WriteFile(out.Path, []byte(b.String()), 0o644); err != nil {
		return Summary{}, fmt.Errorf("blocklistsrc: write artifact %s: %w", out.Path, err)
	}

	return Summary{
		TotalDomains:  total,
		UniqueDomains: len(sorted),
		Sources:       len(entries),
	}, nil
}
