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

// Fact caps and prompt limits.
const (
	DefaultUserFactCap = 100
	DefaultTeamFactCap = 300

	// TeamFactsPromptLimit is how many of a guild's newest facts go into a
	// prompt.
	TeamFactsPromptLimit = 50
)

// ErrEmptyFact is returned by Add for blank fact text.
var ErrEmptyFact = errors.New("memory: empty fact")

// Fact is a durable statement about a user or a guild.
type Fact struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// FactStore keeps at most cap facts per owner, dropping the oldest on
// insert. One FactStore serves one namespace (users or guilds).
type FactStore struct {
	st       *store.Store
	table    string
	ownerCol string
	cap      int
	locks    *keyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewUserFacts returns the per-user namespace backed by the profiles table.
// A non-positive cap selects DefaultUserFactCap.
func NewUserFacts(st *store.Store, factCap int, logger *slog.Logger) *FactStore {
	if factCap <= 0 {
		factCap = DefaultUserFactCap
	}
	return newFactStore(st, "profiles", "user_id", factCap, logger)
}

// NewTeamFacts returns the per-guild namespace backed by the team_facts
// table. A non-positive cap selects DefaultTeamFactCap.
func NewTeamFacts(st *store.Store, factCap int, logger *slog.Logger) *FactStore {
	if factCap <= 0 {
		factCap = DefaultTeamFactCap
	}
	return newFactStore(st, "team_facts", "guild_id", factCap, logger)
}

func newFactStore(st *store.Store, table, ownerCol string, factCap int, logger *slog.Logger) *FactStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FactStore{
		st:       st,
		table:    table,
		ownerCol: ownerCol,
		cap:      factCap,
		locks:    newKeyedMutex(),
		logger:   logger,
		now:      time.Now,
	}
}

// Cap returns the per-owner fact limit.
func (f *FactStore) Cap() int { return f.cap }

// Add stores text for ownerID and evicts the owner's facts beyond the cap,
// oldest first, in the same transaction. The transaction holds the owner's
// store lock, so the cap also holds across processes.
func (f *FactStore) Add(ctx context.Context, ownerID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyFact
	}

	unlock := f.locks.Lock(ownerID)
	defer unlock()

	var evicted int
	err := f.st.WithTx(ctx, func(tx *sql.Tx) error {
		// Other processes sharing a PostgreSQL store would otherwise pick
		// the same oldest row and leave the owner above the cap.
		if err := f.st.LockKey(ctx, tx, f.table+":"+ownerID); err != nil {
			return err
		}
		insert := fmt.Sprintf("INSERT INTO %s (%s, fact, ts) VALUES (?, ?, ?)", f.table, f.ownerCol)
		if _, err := tx.ExecContext(ctx, f.st.Rebind(insert), ownerID, text, unixSeconds(f.now())); err != nil {
			return err
		}

		ids, err := f.idsNewestFirst(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		if len(ids) <= f.cap {
			return nil
		}
		evicted = len(ids) - f.cap
		_, err = deleteIDs(ctx, f.st, tx, f.table, ids[f.cap:])
		return err
	})
	if err != nil {
		return fmt.Errorf("memory: add fact (%s %s): %w", f.table, ownerID, err)
	}
	if evicted > 0 {
		f.logger.Debug("evicted old facts", "table", f.table, "owner_id", ownerID, "count", evicted)
	}
	return nil
}

func (f *FactStore) idsNewestFirst(ctx context.Context, tx *sql.Tx, ownerID string) ([]int64, error) {
	q := fmt.Sprintf("SELECT id FROM %s WHERE %s = ? ORDER BY ts DESC, id DESC", f.table, f.ownerCol)
	rows, err := tx.QueryContext(ctx, f.st.Rebind(q), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns all of ownerID's facts, newest first.
func (f *FactStore) List(ctx context.Context, ownerID string) ([]Fact, error) {
	return f.Recent(ctx, ownerID, 0)
}

// Recent returns at most limit of ownerID's newest facts, newest first. A
// non-positive limit returns all of them.
func (f *FactStore) Recent(ctx context.Context, ownerID string, limit int) ([]Fact, error) {
	q := fmt.Sprintf("SELECT id, %s, fact, ts FROM %s WHERE %s = ? ORDER BY ts DESC, id DESC",
		f.ownerCol, f.table, f.ownerCol)
	args := []any{ownerID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := f.st.DB().QueryContext(ctx, f.st.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("memory: list facts (%s %s): %w", f.table, ownerID, err)
	}
	defer rows.Close()

	facts := []Fact{}
	for rows.Next() {
		var (
			fact Fact
			ts   float64
		)
		if err := rows.Scan(&fact.ID, &fact.OwnerID, &fact.Text, &ts); err != nil {
			return nil, fmt.Errorf("memory: list facts (%s %s): scan: %w", f.table, ownerID, err)
		}
		fact.Timestamp = fromUnixSeconds(ts)
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: list facts (%s %s): %w", f.table, ownerID, err)
	}
	return facts, nil
}

// Texts extracts the text of each fact, preserving order.
func Texts(facts []Fact) []string {
	out := make([]string, len(facts))
	for i, f := range facts {
		out[i] = f.Text
	}
	return out
}
