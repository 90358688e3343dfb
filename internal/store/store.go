// Package store persists the session audit trail to PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/session"
)

// DBPool abstracts pgxpool.Pool so the store can be tested against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const eventsTable = "session_events"

var eventColumns = []string{"kind", "session_id", "generation", "tab_id", "phone_masked", "detail", "occurred_at"}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_events (
    id           BIGSERIAL PRIMARY KEY,
    kind         TEXT        NOT NULL,
    session_id   TEXT        NOT NULL,
    generation   TEXT        NOT NULL DEFAULT '',
    tab_id       TEXT        NOT NULL DEFAULT '',
    phone_masked TEXT        NOT NULL DEFAULT '',
    detail       TEXT        NOT NULL DEFAULT '',
    occurred_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_session_id_idx ON session_events (session_id, occurred_at);
`

const recentEventsSQL = `
SELECT kind, session_id, generation, tab_id, phone_masked, detail, occurred_at
FROM session_events
WHERE session_id = $1
ORDER BY occurred_at DESC, id DESC
LIMIT $2;
`

// Store writes and reads session events.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Connect opens a pgx pool for url. Connections are made lazily; New pings.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	return pool, nil
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the events table and index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// InsertEvents bulk-copies events into the audit table.
func (s *Store) InsertEvents(ctx context.Context, events []session.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			string(e.Kind), e.SessionID, e.Generation, e.TabID, e.Phone, e.Detail,
			e.At.UTC(),
		}
	}

	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{eventsTable}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy session events: %w", err)
	}
	if int(n) != len(events) {
		return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(events), n)
	}
	return nil
}

// RecentEvents returns up to limit events for sessionID, newest first.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, limit int) ([]session.Event, error) {
	rows, err := s.pool.Query(ctx, recentEventsSQL, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var events []session.Event
	for rows.Next() {
		var e session.Event
		var kind string
		var at time.Time
		if err := rows.Scan(&kind, &e.SessionID, &e.Generation, &e.TabID, &e.Phone, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan session event row: %w", err)
		}
		e.Kind = session.EventKind(kind)
		e.At = at
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}
