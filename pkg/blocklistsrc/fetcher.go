package blocklistsrc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"sinkhole/pkg/logging"
)

const userAgent = "sinkhole-updater/1"

// Fetcher downloads blocklist sources and caches them to disk.
type Fetcher struct {
	client   *http.Client
	logger   *logging.Logger
	cacheDir string
}

// NewFetcher returns a Fetcher that writes cached source files under
// cacheDir. client should be built with resolver.NewHTTPClient so the
// updater's own lookups never loop back through the sinkhole it is
// updating; a nil client falls back to http.DefaultClient.
func NewFetcher(cacheDir string, client *http.Client, logger *logging.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, logger: logger, cacheDir: cacheDir}
}

// Fetch downloads src.URL, decodes it as UTF-8 (replacing invalid
// sequences), and writes it atomically to cacheDir/<id>.txt.
func (f *Fetcher) Fetch(ctx context.Context, src Source, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("blocklistsrc: build request for %s: %w", src.ID, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("blocklistsrc: fetch %s: %w", src.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("blocklistsrc: %s returned HTTP %d", src.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("blocklistsrc: read body for %s: %w", src.ID, err)
	}

	text := toValidUTF8(body)
	sum := sha256.Sum256([]byte(text))
	hash16 := hex.EncodeToString(sum[:])[:16]

	path := filepath.Join(f.cacheDir, src.ID+".txt")
	if err := writeAtomic(path, text); err != nil {
		return Result{}, fmt.Errorf("blocklistsrc: write cache for %s: %w", src.ID, err)
	}

	f.logger.Info("fetched blocklist source",
		"source", src.ID, "bytes", len(text), "hash", hash16)

	return Result{Path: path, Size: len(text), Hash16: hash16}, nil
}

// toValidUTF8 mirrors Python's errors='replace' decode behavior: any
// byte sequence that isn't valid UTF-8 becomes the replacement rune.
func toValidUTF8(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	var b strings.Builder
	b.Grow(len(body))
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		b.WriteRune(r)
		body = body[size:]
	}
	return b.String()
}

func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
