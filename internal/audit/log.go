package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/fleetwatch/internal/store"
)

// GenesisHash is the prev_hash for the first record in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout used in audit record timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// maxLine bounds a single JSONL record; execution results are stored inline.
const maxLine = 4 << 20

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each record's prev_hash is the hash of the previous record's JSON line,
// forming a tamper-evident chain. Records can be mirrored into a store
// for querying; the file stays authoritative.
type Log struct {
	path     string
	file     *os.File
	prevHash string
	mirror   store.Store
	logger   *slog.Logger
	mu       sync.Mutex
}

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it reads the last line to recover the chain tail.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audit: read existing log: %w", err)
		}
		scanner := newScanner(f)
		var lastLine []byte
		for scanner.Scan() {
			lastLine = append(lastLine[:0], scanner.Bytes()...)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scan existing log: %w", err)
		}
		if len(lastLine) > 0 {
			prevHash = HashLine(lastLine)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	return &Log{
		path:     path,
		file:     file,
		prevHash: prevHash,
		logger:   slog.Default(),
	}, nil
}

// Mirror copies every record into s (stream "audit", key = entry id).
// Mirror failures are logged; they never fail Append.
func (l *Log) Mirror(s store.Store, logger *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = s
	if logger != nil {
		l.logger = logger
	}
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes rec with hash chaining and syncs to disk. It fills in
// PrevHash and, if empty, Timestamp.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	rec.PrevHash = l.prevHash

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)

	if l.mirror != nil {
		at, err := time.Parse(TimestampFormat, rec.Timestamp)
		if err != nil {
			at = time.Now().UTC()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = l.mirror.Append(ctx, store.Record{Stream: store.StreamAudit, Key: rec.EntryID, At: at, Body: line})
		cancel()
		if err != nil {
			l.logger.Warn("audit mirror append failed", "entry_id", rec.EntryID, "error", err)
		}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

func newScanner(f *os.File) *bufio.Scanner {
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), maxLine)
	return s
}
