package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS fleetwatch_records (
	seq    BIGSERIAL PRIMARY KEY,
	stream TEXT NOT NULL,
	key    TEXT NOT NULL,
	at     TIMESTAMPTZ NOT NULL,
	body   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fleetwatch_records_stream_key ON fleetwatch_records(stream, key);
CREATE INDEX IF NOT EXISTS idx_fleetwatch_records_at ON fleetwatch_records(at DESC);
`

// Postgres is a Store backed by a PostgreSQL table.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Append(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO fleetwatch_records (stream, key, at, body) VALUES ($1, $2, $3, $4)`,
		r.Stream, r.Key, r.At.UTC(), string(r.Body),
	)
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

func (p *Postgres) Query(ctx context.Context, f Filter) ([]Record, error) {
	query, args := buildPostgresQuery(f)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Seq, &r.Stream, &r.Key, &r.At, &r.Body); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return out, nil
}

func buildPostgresQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Stream != "" {
		add("stream = $%d", f.Stream)
	}
	if f.Key != "" {
		add("key = $%d", f.Key)
	}
	if !f.Since.IsZero() {
		add("at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("at <= $%d", f.Until.UTC())
	}

	query := "SELECT seq, stream, key, at, body FROM fleetwatch_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return query, args
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
