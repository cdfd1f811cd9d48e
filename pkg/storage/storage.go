// Package storage persists a best-effort log of resolved queries.
// Logging is fire-and-forget: a full buffer rejects the new write with
// ErrBufferFull rather than ever blocking the reply path.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage records query outcomes. Implementations must be safe for
// concurrent use and must never block the caller for more than a
// channel send.
type Storage interface {
	LogQuery(ctx context.Context, q *QueryLog) error
	Close() error
}

// QueryLog is a single resolved query, as handed to LogQuery by the
// server's handler after it has already replied to the client.
type QueryLog struct {
	Timestamp      time.Time
	ClientIP       string
	Domain         string
	QueryType      string
	Blocked        bool
	Cached         bool
	ResponseTimeMs int64
	Upstream       string
}

var (
	ErrBufferFull = errors.New("storage: buffer full")
	ErrClosed     = errors.New("storage: closed")
)
