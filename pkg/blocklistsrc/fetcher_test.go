package blocklistsrc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sinkhole/pkg/logging"
)

func testFetcherLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error", Format: "text", Output: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func TestFetcherWritesCacheFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("User-Agent = %q, want %q", r.Header.Get("User-Agent"), userAgent)
		}
		w.Write([]byte("0.0.0.0 ads.example.com\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(dir, srv.Client(), testFetcherLogger(t))

	res, err := f.Fetch(context.Background(), Source{ID: "test", URL: srv.URL}, time.Second)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}

	if res.Path != filepath.Join(dir, "test.txt") {
		t.Errorf("Path = %q", res.Path)
	}
	if res.Hash16 == "" || len(res.Hash16) != 16 {
		t.Errorf("Hash16 = %q, want 16 hex chars", res.Hash16)
	}

	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("failed to read cached file: %v", err)
	}
	if string(data) != "0.0.0.0 ads.example.com\n" {
		t.Errorf("cached content = %q", data)
	}
}

func TestFetcherRejectsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client(), testFetcherLogger(t))
	if _, err := f.Fetch(context.Background(), Source{ID: "test", URL: srv.URL}, time.Second); err == nil {
		t.Fatal("expected error for HTTP 404")
	}
}

func TestFetcherRespectsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("example.com\n"))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client(), testFetcherLogger(t))
	if _, err := f.Fetch(context.Background(), Source{ID: "test", URL: srv.URL}, 10*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}
