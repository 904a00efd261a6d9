package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

// Retriever reads recent context out of the message archive. Every query
// is bounded by a time window ending now and by a row limit; within those
// bounds the newest rows win and are returned oldest first.
type Retriever struct {
	st     *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRetriever creates a Retriever over st. If logger is nil, the default
// slog logger is used.
func NewRetriever(st *store.Store, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{st: st, logger: logger, now: time.Now}
}

type archiveRow struct {
	channelID  string
	authorID   string
	authorName string
	content    string
	isBot      bool
}

func (r archiveRow) role() Role {
	if r.isBot {
		return RoleAssistant
	}
	return RoleUser
}

func (r archiveRow) name() string {
	if r.authorName != "" {
		return r.authorName
	}
	return r.authorID
}

// line renders "role(name): content".
func (r archiveRow) line() string {
	return fmt.Sprintf("%s(%s): %s", r.role(), r.name(), r.content)
}

// guildLine renders "role(name) in #channel: content".
func (r archiveRow) guildLine() string {
	return fmt.Sprintf("%s(%s) in #%s: %s", r.role(), r.name(), r.channelID, r.content)
}

// FetchChannelRecent returns the newest messages posted in channelID within
// window.
func (r *Retriever) FetchChannelRecent(ctx context.Context, channelID string, window time.Duration, limit int) ([]string, error) {
	rows, err := r.query(ctx, "channel_id = ?", []any{channelID}, window, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: fetch channel recent %s: %w", channelID, err)
	}
	return render(rows, archiveRow.line), nil
}

// FetchUserInChannel returns userID's newest messages in channelID within
// window.
func (r *Retriever) FetchUserInChannel(ctx context.Context, channelID, userID string, window time.Duration, limit int) ([]string, error) {
	rows, err := r.query(ctx, "channel_id = ? AND author_id = ?", []any{channelID, userID}, window, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: fetch user %s in channel %s: %w", userID, channelID, err)
	}
	return render(rows, archiveRow.line), nil
}

// FetchUserInGuild returns userID's newest messages anywhere in guildID
// within window, each annotated with its channel.
func (r *Retriever) FetchUserInGuild(ctx context.Context, guildID, userID string, window time.Duration, limit int) ([]string, error) {
	rows, err := r.query(ctx, "guild_id = ? AND author_id = ?", []any{guildID, userID}, window, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: fetch user %s in guild %s: %w", userID, guildID, err)
	}
	return render(rows, archiveRow.guildLine), nil
}

// FetchUserActivity returns userID's activity in channelID, falling back to
// the whole guild when the channel has nothing and a guild is known.
func (r *Retriever) FetchUserActivity(ctx context.Context, channelID, guildID, userID string, window time.Duration, limit int) ([]string, error) {
	_, lines, err := r.userActivity(ctx, channelID, guildID, userID, window, limit)
	return lines, err
}

// userActivity is FetchUserActivity that also reports the user's newest
// display name from the returned rows, or userID when there are none.
func (r *Retriever) userActivity(ctx context.Context, channelID, guildID, userID string, window time.Duration, limit int) (string, []string, error) {
	rows, err := r.query(ctx, "channel_id = ? AND author_id = ?", []any{channelID, userID}, window, limit)
	if err != nil {
		return "", nil, fmt.Errorf("memory: fetch user %s in channel %s: %w", userID, channelID, err)
	}
	format := archiveRow.line
	if len(rows) == 0 && guildID != "" {
		rows, err = r.query(ctx, "guild_id = ? AND author_id = ?", []any{guildID, userID}, window, limit)
		if err != nil {
			return "", nil, fmt.Errorf("memory: fetch user %s in guild %s: %w", userID, guildID, err)
		}
		format = archiveRow.guildLine
	}
	name := userID
	if len(rows) > 0 {
		name = rows[len(rows)-1].name()
	}
	return name, render(rows, format), nil
}

func (r *Retriever) query(ctx context.Context, where string, args []any, window time.Duration, limit int) ([]archiveRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	since := r.now().Add(-window).UnixMilli()

	q := `SELECT channel_id, author_id, author_name, content, is_bot
		FROM messages
		WHERE ` + where + ` AND created_at >= ? AND content <> ''
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	args = append(slices.Clip(args), since, limit)

	rows, err := r.st.DB().QueryContext(ctx, r.st.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []archiveRow
	for rows.Next() {
		var row archiveRow
		if err := rows.Scan(&row.channelID, &row.authorID, &row.authorName, &row.content, &row.isBot); err != nil {
			return nil, err
		}
		if strings.TrimSpace(row.content) == "" {
			continue
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func render(rows []archiveRow, format func(archiveRow) string) []string {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, format(row))
	}
	return lines
}
