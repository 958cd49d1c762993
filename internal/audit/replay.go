package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/store"
)

// ReplayFilter selects entries for replay. Zero values mean no constraint.
type ReplayFilter struct {
	EntryID string
	CycleID string
	Target  string
	From    time.Time
	To      time.Time
}

// ReplaySummary counts decisions and outcomes across replayed entries.
type ReplaySummary struct {
	Total          int    `json:"total"`
	Admitted       int    `json:"admitted"`
	Rejected       int    `json:"rejected"`
	Executed       int    `json:"executed"`
	ExecFailed     int    `json:"exec_failed"`
	Fixed          int    `json:"fixed"`
	Partial        int    `json:"partial"`
	Failed         int    `json:"failed"`
	Unverified     int    `json:"unverified"`
	Pending        int    `json:"pending_verification"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds folded entries and a summary.
type ReplayResult struct {
	Filter  ReplayFilter  `json:"-"`
	Entries []Entry       `json:"entries"`
	Events  []Record      `json:"events,omitempty"`
	Summary ReplaySummary `json:"summary"`
}

// ReadFile parses every record in the log, skipping malformed lines.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := newScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	return out, nil
}

// ReadStore loads mirrored records from s.
func ReadStore(ctx context.Context, s store.Store, f store.Filter) ([]Record, error) {
	f.Stream = store.StreamAudit
	rows, err := s.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: query mirror: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		var rec Record
		if err := json.Unmarshal(row.Body, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Replay reads the audit log and returns entries matching the filter.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	recs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Build(recs, filter), nil
}

// Build filters and folds records.
func Build(recs []Record, filter ReplayFilter) *ReplayResult {
	result := &ReplayResult{Filter: filter}
	var kept []Record
	for _, r := range recs {
		if filter.EntryID != "" && r.EntryID != filter.EntryID {
			continue
		}
		if filter.CycleID != "" && r.CycleID != filter.CycleID {
			continue
		}
		if !filter.From.IsZero() || !filter.To.IsZero() {
			ts, err := time.Parse(TimestampFormat, r.Timestamp)
			if err != nil {
				continue
			}
			if !filter.From.IsZero() && ts.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && ts.After(filter.To) {
				continue
			}
		}
		if r.Stage == StageEvent {
			if filter.EntryID == "" && filter.Target == "" {
				result.Events = append(result.Events, r)
			}
			continue
		}
		kept = append(kept, r)
	}

	for _, e := range Fold(kept) {
		if filter.Target != "" && e.Action.Target != filter.Target {
			continue
		}
		result.Entries = append(result.Entries, e)
		updateSummary(&result.Summary, e)
	}
	return result
}

// Tail returns the last n entries of the log.
func Tail(path string, n int) ([]Entry, error) {
	recs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries := Fold(recs)
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func updateSummary(s *ReplaySummary, e Entry) {
	s.Total++

	if e.Admission != nil {
		switch e.Admission.Decision {
		case Admitted:
			s.Admitted++
		case Rejected:
			s.Rejected++
		}
	}

	if e.Executed() {
		s.Executed++
		if e.Execution.Status == ExecFailed {
			s.ExecFailed++
		}
		if e.Verification == nil {
			s.Pending++
		}
	}

	if e.Verification != nil {
		switch e.Verification.Outcome {
		case model.Fixed:
			s.Fixed++
		case model.Partial:
			s.Partial++
		case model.Failed:
			s.Failed++
		case model.Unverified:
			s.Unverified++
		}
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.CreatedAt
	}
	s.LastTimestamp = e.CreatedAt
}
