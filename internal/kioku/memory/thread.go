package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrInvalidRole is returned by AddTurn for roles other than user and
// assistant.
var ErrInvalidRole = errors.New("memory: invalid role")

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Label is the capitalised role used in transcripts ("User", "Assistant").
func (r Role) Label() string {
	if r == "" {
		return ""
	}
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}

// Turn is one immutable message in a thread.
type Turn struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// Thread is a conversation's rolling summary plus its surviving turns in
// insertion order.
type Thread struct {
	Key     string `json:"key"`
	Summary string `json:"summary"`
	Turns   []Turn `json:"turns"`
}

// Size is the thread's budgeted size in characters.
func (t Thread) Size() int {
	n := charLen(t.Summary)
	for _, turn := range t.Turns {
		n += charLen(turn.Text)
	}
	return n
}

// ThreadStore persists threads and keeps each under the evictor's budget.
//
// Writes for one key are serialized in-process; the eviction pass that
// follows every insert runs under the same lock.
type ThreadStore struct {
	st      *store.Store
	evictor *Evictor
	locks   *keyedMutex
	logger  *slog.Logger
	now     func() time.Time
}

// NewThreadStore creates a ThreadStore over st. A nil evictor disables
// eviction. If logger is nil, the default slog logger is used.
func NewThreadStore(st *store.Store, evictor *Evictor, logger *slog.Logger) *ThreadStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadStore{
		st:      st,
		evictor: evictor,
		locks:   newKeyedMutex(),
		logger:  logger,
		now:     time.Now,
	}
}

// GetThread returns the summary and turns of key in ascending order. An
// unknown key yields an empty thread.
//
// Summary and turns are read in one statement so a concurrent eviction is
// seen either entirely or not at all.
func (s *ThreadStore) GetThread(ctx context.Context, key string) (Thread, error) {
	th := Thread{Key: key, Turns: []Turn{}}

	rows, err := s.st.DB().QueryContext(ctx, s.st.Rebind(`
		SELECT t.summary, u.id, u.role, u.text, u.ts
		FROM threads t
		LEFT JOIN turns u ON u.thread_key = t.thread_key
		WHERE t.thread_key = ?
		ORDER BY u.id ASC`), key)
	if err != nil {
		return Thread{}, fmt.Errorf("memory: get thread %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   sql.NullInt64
			role sql.NullString
			text sql.NullString
			ts   sql.NullFloat64
		)
		if err := rows.Scan(&th.Summary, &id, &role, &text, &ts); err != nil {
			return Thread{}, fmt.Errorf("memory: get thread %s: scan: %w", key, err)
		}
		if !id.Valid {
			continue
		}
		th.Turns = append(th.Turns, Turn{
			ID:        id.Int64,
			Role:      Role(role.String),
			Text:      text.String,
			Timestamp: fromUnixSeconds(ts.Float64),
		})
	}
	if err := rows.Err(); err != nil {
		return Thread{}, fmt.Errorf("memory: get thread %s: %w", key, err)
	}
	return th, nil
}

// SaveSummary overwrites the summary of key, creating the thread if needed.
func (s *ThreadStore) SaveSummary(ctx context.Context, key, summary string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.st.LockKey(ctx, tx, summaryLockKey(key)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.st.Rebind(`
			INSERT INTO threads (thread_key, summary, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (thread_key) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`),
			key, summary, unixSeconds(s.now()),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("memory: save summary %s: %w", key, err)
	}
	return nil
}

// AddTurn appends a turn to key (creating the thread on first use) and then
// runs eviction so the thread is back within budget before returning.
func (s *ThreadStore) AddTurn(ctx context.Context, key string, role Role, text string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	if err := s.insertTurn(ctx, key, role, text, s.now()); err != nil {
		return err
	}
	if s.evictor == nil {
		return nil
	}
	if err := s.evictor.Evict(ctx, key); err != nil {
		return fmt.Errorf("memory: add turn %s: %w", key, err)
	}
	return nil
}

// insertTurn writes the thread row (if absent) and the turn in one
// transaction. Callers hold the key lock.
func (s *ThreadStore) insertTurn(ctx context.Context, key string, role Role, text string, at time.Time) error {
	ts := unixSeconds(at)
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.st.Rebind(`
			INSERT INTO threads (thread_key, summary, updated_at) VALUES (?, '', ?)
			ON CONFLICT (thread_key) DO NOTHING`), key, ts); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.st.Rebind(
			"INSERT INTO turns (thread_key, role, text, ts) VALUES (?, ?, ?, ?)"),
			key, string(role), text, ts,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("memory: add turn %s: %w", key, err)
	}
	return nil
}

// summaryLockKey names the store lock guarding a thread's summary.
func summaryLockKey(key string) string { return "threads:" + key }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second)))
}
