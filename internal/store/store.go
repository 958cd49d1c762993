// Package store is the append-only persistence boundary used for the
// deployment journal and the audit mirror. Records are never updated or
// deleted; readers filter by stream, key and time.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Streams used by the loop.
const (
	StreamAudit      = "audit"
	StreamDeployment = "deployment"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Record is one appended entry. Body is opaque JSON owned by the writer.
type Record struct {
	Seq    int64     `json:"seq"`
	Stream string    `json:"stream"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Body   []byte    `json:"body"`
}

// Filter narrows a query. Zero values mean no constraint.
type Filter struct {
	Stream string
	Key    string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Match reports whether r satisfies the filter (ignoring Limit).
func (f Filter) Match(r Record) bool {
	if f.Stream != "" && r.Stream != f.Stream {
		return false
	}
	if f.Key != "" && r.Key != f.Key {
		return false
	}
	if !f.Since.IsZero() && r.At.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.At.After(f.Until) {
		return false
	}
	return true
}

// Store is an append-only record store. Query returns records in append order.
type Store interface {
	Append(ctx context.Context, r Record) error
	Query(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}

// Open picks a backend from the DSN:
//
//	memory                      in-process, lost on exit
//	postgres://... postgresql://...  PostgreSQL via lib/pq
//	sqlite://<path> or <path>   SQLite file via modernc.org/sqlite
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pg, err := OpenPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, "sqlite://"):
		return nil, fmt.Errorf("store: unsupported dsn scheme in %q", dsn)
	}
	lite, err := OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	if err != nil {
		return nil, err
	}
	return lite, nil
}

func validate(r Record) error {
	if r.Stream == "" {
		return fmt.Errorf("store: record stream is required")
	}
	if r.At.IsZero() {
		return fmt.Errorf("store: record timestamp is required")
	}
	return nil
}
