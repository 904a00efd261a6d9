package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

// ArchivedMessage is one row of the raw message archive.
type ArchivedMessage struct {
	MessageID   string
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorName  string
	Content     string
	IsBot       bool
	ReferenceID string
	CreatedAt   time.Time
}

// ArchivedFromEvent converts a gateway event into an archive row.
func ArchivedFromEvent(ev Event) ArchivedMessage {
	m := ArchivedMessage{
		MessageID:  ev.ID,
		ChannelID:  ev.ChannelID,
		GuildID:    ev.GuildID,
		AuthorID:   ev.AuthorID,
		AuthorName: ev.AuthorName,
		Content:    ev.Content,
		IsBot:      ev.AuthorIsBot,
		CreatedAt:  ev.CreatedAt,
	}
	if ev.Reference != nil {
		m.ReferenceID = ev.Reference.MessageID
	}
	return m
}

// Archive is the append-only log of every message a gateway observed,
// including the bot's own. It backs reply-chain resolution and the ambient
// context reads.
type Archive struct {
	st     *store.Store
	logger *slog.Logger
	now    func() time.Time
}

var _ MessageLookup = (*Archive)(nil)

// NewArchive creates an Archive over st. If logger is nil, the default slog
// logger is used.
func NewArchive(st *store.Store, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{st: st, logger: logger, now: time.Now}
}

// Append records m. A message id that was already archived is ignored, so
// duplicate gateway deliveries are harmless. inserted reports whether a new
// row was written. A zero CreatedAt is replaced with the current time.
func (a *Archive) Append(ctx context.Context, m ArchivedMessage) (inserted bool, err error) {
	if m.MessageID == "" {
		return false, errors.New("archive: append: empty message id")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = a.now()
	}

	res, err := a.st.DB().ExecContext(ctx, a.st.Rebind(`
		INSERT INTO messages
			(message_id, channel_id, guild_id, author_id, author_name, content, is_bot, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		m.MessageID,
		m.ChannelID,
		nullString(m.GuildID),
		m.AuthorID,
		m.AuthorName,
		m.Content,
		m.IsBot,
		nullString(m.ReferenceID),
		m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("archive: append: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive: append: rows affected: %w", err)
	}
	if n == 0 {
		a.logger.Debug("duplicate message ignored", "message_id", m.MessageID)
	}
	return n > 0, nil
}

// Lookup returns the archived message with the given id.
func (a *Archive) Lookup(ctx context.Context, messageID string) (ArchivedMessage, bool, error) {
	var (
		m         ArchivedMessage
		guildID   sql.NullString
		refID     sql.NullString
		createdMs int64
	)
	err := a.st.DB().QueryRowContext(ctx, a.st.Rebind(`
		SELECT message_id, channel_id, guild_id, author_id, author_name, content, is_bot, reference_id, created_at
		FROM messages WHERE message_id = ?`), messageID,
	).Scan(&m.MessageID, &m.ChannelID, &guildID, &m.AuthorID, &m.AuthorName, &m.Content, &m.IsBot, &refID, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchivedMessage{}, false, nil
	}
	if err != nil {
		return ArchivedMessage{}, false, fmt.Errorf("archive: lookup %s: %w", messageID, err)
	}
	m.GuildID = guildID.String
	m.ReferenceID = refID.String
	m.CreatedAt = time.UnixMilli(createdMs)
	return m, true, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
