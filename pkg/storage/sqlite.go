package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"sinkhole/pkg/logging"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	client_ip TEXT NOT NULL,
	domain TEXT NOT NULL,
	query_type TEXT NOT NULL,
	blocked INTEGER NOT NULL,
	cached INTEGER NOT NULL,
	response_time_ms INTEGER NOT NULL,
	upstream TEXT
)`

// SQLite is a trimmed query-log backend: one table, one prepared
// insert, no migration framework. A background worker drains a
// buffered channel so LogQuery never blocks on disk I/O.
type SQLite struct {
	db         *sql.DB
	stmtInsert *sql.Stmt
	logger     *logging.Logger

	buffer chan *QueryLog
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewSQLite opens (creating if needed) a SQLite database at path and
// starts its background flush worker. bufferSize bounds how many
// pending log entries may queue before LogQuery starts dropping them.
func NewSQLite(path string, bufferSize int, logger *logging.Logger) (*SQLite, error) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set journal mode: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO queries
		(timestamp, client_ip, domain, query_type, blocked, cached, response_time_ms, upstream)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: prepare insert: %w", err)
	}

	s := &SQLite{
		db:         db,
		stmtInsert: stmt,
		logger:     logger,
		buffer:     make(chan *QueryLog, bufferSize),
	}

	s.wg.Add(1)
	go s.flushWorker()

	return s, nil
}

// LogQuery enqueues q for writing. A full buffer drops q rather than
// block the caller.
func (s *SQLite) LogQuery(ctx context.Context, q *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}

	select {
	case s.buffer <- q:
		return nil
	default:
		return ErrBufferFull
	}
}

func (s *SQLite) flushWorker() {
	defer s.wg.Done()

	for q := range s.buffer {
		if _, err := s.stmtInsert.Exec(
			q.Timestamp.Unix(), q.ClientIP, q.Domain, q.QueryType,
			q.Blocked, q.Cached, q.ResponseTimeMs, q.Upstream,
		); err != nil {
			s.logger.Error("storage: insert failed", "error", err)
		}
	}
}

// Close stops accepting new entries, drains the buffer, and closes the
// database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	s.stmtInsert.Close()
	return s.db.Close()
}

var _ Storage = (*SQLite)(nil)
