package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Counts is a row-count snapshot of the memory tables, reported by /status
// and the CLI.
type Counts struct {
	Threads   int64 `json:"threads"`
	Turns     int64 `json:"turns"`
	UserFacts int64 `json:"user_facts"`
	TeamFacts int64 `json:"team_facts"`
	Messages  int64 `json:"messages"`
}

// Counts returns the current row counts of the memory tables.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM threads),
			(SELECT COUNT(*) FROM turns),
			(SELECT COUNT(*) FROM profiles),
			(SELECT COUNT(*) FROM team_facts),
			(SELECT COUNT(*) FROM messages)
	`).Scan(&c.Threads, &c.Turns, &c.UserFacts, &c.TeamFacts, &c.Messages)
	if err != nil {
		return Counts{}, fmt.Errorf("store: counts: %w", err)
	}
	return c, nil
}

// Maintain runs the dialect's housekeeping statements: planner statistics
// refresh and, for SQLite, a WAL checkpoint so the -wal file does not grow
// without bound on a long-running process.
func (s *Store) Maintain(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case Postgres:
		stmts = []string{"ANALYZE"}
	default:
		stmts = []string{"PRAGMA optimize", "PRAGMA wal_checkpoint(TRUNCATE)"}
	}

	start := time.Now()
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: maintain: %s: %w", stmt, err)
		}
	}
	slog.Debug("store maintenance complete",
		"dialect", string(s.dialect),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
