package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"sinkhole/pkg/logging"

	_ "modernc.org/sqlite"
)

func testStorageLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error", Format: "text", Output: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func TestSQLiteLogQueryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.db")
	s, err := NewSQLite(path, 10, testStorageLogger(t))
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	defer s.Close()

	err = s.LogQuery(context.Background(), &QueryLog{
		ClientIP:       "10.0.0.5",
		Domain:         "example.com.",
		QueryType:      "A",
		Blocked:        false,
		Cached:         false,
		ResponseTimeMs: 12,
		Upstream:       "1.1.1.1:53",
	})
	if err != nil {
		t.Fatalf("LogQuery() error: %v", err)
	}

	s.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	defer db.Close()

	var domain string
	var blocked bool
	row := db.QueryRow("SELECT domain, blocked FROM queries WHERE client_ip = ?", "10.0.0.5")
	if err := row.Scan(&domain, &blocked); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if domain != "example.com." || blocked {
		t.Errorf("domain=%q blocked=%v, want example.com. false", domain, blocked)
	}
}

func TestSQLiteLogQueryRejectsAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.db")
	s, err := NewSQLite(path, 10, testStorageLogger(t))
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	s.Close()

	err = s.LogQuery(context.Background(), &QueryLog{Domain: "example.com."})
	if err != ErrClosed {
		t.Errorf("LogQuery() after Close() = %v, want ErrClosed", err)
	}
}

func TestSQLiteDefaultsTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.db")
	s, err := NewSQLite(path, 10, testStorageLogger(t))
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	defer s.Close()

	q := &QueryLog{Domain: "example.com."}
	if err := s.LogQuery(context.Background(), q); err != nil {
		t.Fatalf("LogQuery() error: %v", err)
	}
	if q.Timestamp.IsZero() {
		t.Error("expected LogQuery to stamp a zero Timestamp")
	}
}
