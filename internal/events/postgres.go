package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultEventsTable is the table PostgresSink writes to.
const DefaultEventsTable = "policy_events"

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSink appends events to a Postgres table. Writes are idempotent
// on event_id.
//
// Schema:
//
//	CREATE TABLE policy_events (
//	  event_id   TEXT PRIMARY KEY,
//	  event_type TEXT NOT NULL,
//	  payload    JSONB NOT NULL,
//	  emitted_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_policy_events_type ON policy_events(event_type, emitted_at);
type PostgresSink struct {
	db    pgDB
	close func()
	table string
}

// NewPostgresSink connects to connStr and creates the events table if it
// does not exist.
func NewPostgresSink(ctx context.Context, connStr string) (*PostgresSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &PostgresSink{db: pool, close: pool.Close, table: DefaultEventsTable}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id   TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload    JSONB NOT NULL,
			emitted_at TIMESTAMPTZ NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_type ON %s(event_type, emitted_at)`, s.table, s.table),
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, event_type, payload, emitted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, s.table)

	if _, err := s.db.Exec(ctx, query, ev.ID, ev.Type, data, ev.Timestamp); err != nil {
		return fmt.Errorf("postgres INSERT failed: %w", err)
	}
	return nil
}

// Recent returns up to limit stored events of eventType, newest first.
func (s *PostgresSink) Recent(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT event_id, event_type, payload, emitted_at FROM %s
		WHERE event_type = $1
		ORDER BY emitted_at DESC
		LIMIT $2
	`, s.table)

	rows, err := s.db.Query(ctx, query, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres SELECT failed: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			data []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		if err := json.Unmarshal(data, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
