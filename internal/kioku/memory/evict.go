package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

// Eviction thresholds.
const (
	// DefaultMaxChars is the default thread budget: summary plus all turn
	// texts, counted in characters.
	DefaultMaxChars = 6000

	// KeepRecentTurns is the number of newest turns that always survive a
	// summarization pass and the hard-trim fallback.
	KeepRecentTurns = 6

	// MinSummarizeTurns is the smallest batch of old turns folded into the
	// summary in one pass.
	MinSummarizeTurns = 4

	// SummarizePercent is the share of turns (rounded up) folded into the
	// summary in one pass.
	SummarizePercent = 70

	// SummaryCharLimit caps each summarizer output.
	SummaryCharLimit = 800
)

// errFoldRaced aborts a fold whose turns were already removed by another
// writer, so the same turns are not summarized twice.
var errFoldRaced = errors.New("turns folded concurrently")

// deleteBatchSize bounds the number of ids bound into one IN clause.
const deleteBatchSize = 500

// Summarizer condenses a transcript into at most limit characters.
type Summarizer interface {
	Summarize(ctx context.Context, text string, limit int) (string, error)
}

// Evictor keeps threads within a character budget.
//
// When a thread is over budget and has more than KeepRecentTurns turns, its
// oldest turns are summarized, the result is appended to the thread
// summary, and those turns are deleted. If that is not enough the thread is
// hard-trimmed to its newest KeepRecentTurns turns. A thread with
// KeepRecentTurns or fewer oversized turns is left as-is.
type Evictor struct {
	st         *store.Store
	summarizer Summarizer
	maxChars   int
	logger     *slog.Logger
}

// NewEvictor creates an Evictor. A non-positive maxChars selects
// DefaultMaxChars. A nil summarizer behaves like one that always returns
// nothing. If logger is nil, the default slog logger is used.
func NewEvictor(st *store.Store, summarizer Summarizer, maxChars int, logger *slog.Logger) *Evictor {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{st: st, summarizer: summarizer, maxChars: maxChars, logger: logger}
}

// MaxChars returns the configured budget.
func (e *Evictor) MaxChars() int { return e.maxChars }

// summarizeCount is how many of n turns one pass folds into the summary:
// max(MinSummarizeTurns, ceil(SummarizePercent% of n)), never more than n.
func summarizeCount(n int) int {
	k := (n*SummarizePercent + 99) / 100
	k = max(k, MinSummarizeTurns)
	return min(k, n)
}

type threadSize struct {
	summaryChars int64
	turnChars    int64
	turns        int64
}

func (s threadSize) total() int64 { return s.summaryChars + s.turnChars }

// Evict brings key back within budget. The caller must hold the key's lock.
// Summarizer failures are logged and swallowed; only store errors are
// returned.
func (e *Evictor) Evict(ctx context.Context, key string) error {
	size, err := e.measure(ctx, key)
	if err != nil {
		return err
	}
	if size.total() <= int64(e.maxChars) {
		return nil
	}

	if size.turns <= KeepRecentTurns {
		e.logger.Debug("thread over budget with few turns; leaving as-is",
			"thread_key", key,
			"size", size.total(),
			"turns", size.turns,
		)
		return nil
	}

	if err := e.summarizeOldest(ctx, key, int(size.turns)); err != nil {
		return err
	}

	size, err = e.measure(ctx, key)
	if err != nil {
		return err
	}
	if size.total() > int64(e.maxChars) && size.turns > KeepRecentTurns {
		return e.hardTrim(ctx, key, size)
	}
	return nil
}

// measure reads the summary length, the turn character sum and the turn
// count in one round trip.
func (e *Evictor) measure(ctx context.Context, key string) (threadSize, error) {
	var s threadSize
	err := e.st.DB().QueryRowContext(ctx, e.st.Rebind(`
		SELECT
			COALESCE((SELECT LENGTH(summary) FROM threads WHERE thread_key = ?), 0),
			COALESCE(SUM(LENGTH(text)), 0),
			COUNT(*)
		FROM turns WHERE thread_key = ?`), key, key,
	).Scan(&s.summaryChars, &s.turnChars, &s.turns)
	if err != nil {
		return threadSize{}, fmt.Errorf("evict %s: measure: %w", key, err)
	}
	return s, nil
}

// summarizeOldest folds the oldest summarizeCount(n) turns into the summary
// and deletes them, in one transaction.
func (e *Evictor) summarizeOldest(ctx context.Context, key string, n int) error {
	k := summarizeCount(n)

	rows, err := e.st.DB().QueryContext(ctx, e.st.Rebind(`
		SELECT id, role, text FROM turns
		WHERE thread_key = ?
		ORDER BY id ASC
		LIMIT ?`), key, k)
	if err != nil {
		return fmt.Errorf("evict %s: select oldest: %w", key, err)
	}
	var (
		ids        []int64
		transcript strings.Builder
	)
	for rows.Next() {
		var (
			id   int64
			role Role
			text string
		)
		if err := rows.Scan(&id, &role, &text); err != nil {
			rows.Close()
			return fmt.Errorf("evict %s: scan: %w", key, err)
		}
		ids = append(ids, id)
		fmt.Fprintf(&transcript, "%s: %s\n", role.Label(), text)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("evict %s: select oldest: %w", key, err)
	}
	if len(ids) == 0 {
		return nil
	}

	addition := e.summarize(ctx, key, strings.TrimRight(transcript.String(), "\n"))

	var summary string
	err = e.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.st.LockKey(ctx, tx, summaryLockKey(key)); err != nil {
			return err
		}
		var current string
		if err := tx.QueryRowContext(ctx,
			e.st.Rebind("SELECT summary FROM threads WHERE thread_key = ?"), key,
		).Scan(&current); err != nil {
			return err
		}
		deleted, err := deleteIDs(ctx, e.st, tx, "turns", ids)
		if err != nil {
			return err
		}
		if deleted != int64(len(ids)) {
			return errFoldRaced
		}
		summary = appendSummary(current, addition)
		_, err = tx.ExecContext(ctx,
			e.st.Rebind("UPDATE threads SET summary = ? WHERE thread_key = ?"),
			summary, key,
		)
		return err
	})
	if errors.Is(err, errFoldRaced) {
		e.logger.Debug("turns already folded by another writer", "thread_key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("evict %s: fold turns: %w", key, err)
	}

	e.logger.Info("summarized thread",
		"thread_key", key,
		"turns_folded", len(ids),
		"summary_added_chars", charLen(addition),
		"summary_chars", charLen(summary),
	)
	return nil
}

// hardTrim deletes everything except the newest KeepRecentTurns turns.
func (e *Evictor) hardTrim(ctx context.Context, key string, before threadSize) error {
	res, err := e.st.DB().ExecContext(ctx, e.st.Rebind(`
		DELETE FROM turns
		WHERE thread_key = ?
		  AND id NOT IN (
			SELECT id FROM turns WHERE thread_key = ? ORDER BY id DESC LIMIT ?
		  )`), key, key, KeepRecentTurns)
	if err != nil {
		return fmt.Errorf("evict %s: hard trim: %w", key, err)
	}
	n, _ := res.RowsAffected()
	e.logger.Warn("hard-trimmed thread",
		"thread_key", key,
		"size", before.total(),
		"turns_dropped", n,
	)
	return nil
}

// summarize calls the summarizer and returns its output truncated to
// SummaryCharLimit, or "" on failure.
func (e *Evictor) summarize(ctx context.Context, key, text string) string {
	if e.summarizer == nil {
		return ""
	}
	out, err := e.summarizer.Summarize(ctx, text, SummaryCharLimit)
	if err != nil {
		e.logger.Warn("summarization failed; dropping folded turns", "thread_key", key, "err", err)
		return ""
	}
	return truncateChars(strings.TrimSpace(out), SummaryCharLimit)
}

func appendSummary(current, addition string) string {
	switch {
	case addition == "":
		return current
	case current == "":
		return addition
	default:
		return current + "\n" + addition
	}
}

// deleteIDs removes rows by primary key in IN batches and reports how many
// rows were deleted.
func deleteIDs(ctx context.Context, st *store.Store, tx *sql.Tx, table string, ids []int64) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += deleteBatchSize {
		batch := ids[start:min(start+deleteBatchSize, len(ids))]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		q := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, store.Placeholders(len(batch)))
		res, err := tx.ExecContext(ctx, st.Rebind(q), args...)
		if err != nil {
			return deleted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

func charLen(s string) int { return utf8.RuneCountInString(s) }

// truncateChars keeps the first n characters of s.
func truncateChars(s string, n int) string {
	if charLen(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
