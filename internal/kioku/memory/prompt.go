package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultPreface opens every assembled prompt.
const DefaultPreface = "You are a helpful chat assistant. Be concise."

// PromptOptions bounds the context pulled into one prompt.
type PromptOptions struct {
	Preface       string
	TeamFactLimit int
	AmbientWindow time.Duration
	AmbientLimit  int
	MentionWindow time.Duration
	MentionLimit  int
}

// DefaultPromptOptions returns the limits used when none are configured.
func DefaultPromptOptions() PromptOptions {
	return PromptOptions{
		Preface:       DefaultPreface,
		TeamFactLimit: TeamFactsPromptLimit,
		AmbientWindow: 60 * time.Minute,
		AmbientLimit:  20,
		MentionWindow: 24 * time.Hour,
		MentionLimit:  10,
	}
}

// UserActivity is the recent archive activity of one mentioned user.
type UserActivity struct {
	Name  string
	Lines []string
}

// PromptParts is everything that goes into one prompt, already fetched.
type PromptParts struct {
	Preface   string
	UserFacts []string
	TeamFacts []string
	Summary   string
	Ambient   []string
	Mentioned []UserActivity
	Turns     []Turn
}

// Compose renders parts into the prompt text. Empty sections are omitted;
// the recent-turns section and the trailing "Assistant:" are always
// present.
func Compose(p PromptParts) string {
	var b strings.Builder
	if p.Preface != "" {
		b.WriteString(p.Preface)
		b.WriteString("\n\n")
	}
	writeList(&b, "Known user facts:", p.UserFacts)
	writeList(&b, "Known team facts:", p.TeamFacts)
	if p.Summary != "" {
		fmt.Fprintf(&b, "Conversation summary so far:\n%s\n\n", p.Summary)
	}
	writeLines(&b, "Recent channel activity:", p.Ambient)
	for _, m := range p.Mentioned {
		writeLines(&b, fmt.Sprintf("Recent activity of %s:", m.Name), m.Lines)
	}

	b.WriteString("Recent messages:\n")
	for _, t := range p.Turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role.Label(), t.Text)
	}
	b.WriteString("Assistant:")
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(title)
	b.WriteString("\n- ")
	b.WriteString(strings.Join(items, "\n- "))
	b.WriteString("\n\n")
}

func writeLines(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.WriteString(title)
	b.WriteByte('\n')
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")
}

// PromptAssembler gathers thread, facts and archive context for an event.
// It is a thin composition over the stores and owns no state of its own.
type PromptAssembler struct {
	threads   *ThreadStore
	userFacts *FactStore
	teamFacts *FactStore
	retriever *Retriever
	opts      PromptOptions
	logger    *slog.Logger
}

// NewPromptAssembler wires the stores into an assembler. Zero-valued
// options fall back to DefaultPromptOptions field by field.
func NewPromptAssembler(threads *ThreadStore, userFacts, teamFacts *FactStore, retriever *Retriever, opts PromptOptions, logger *slog.Logger) *PromptAssembler {
	def := DefaultPromptOptions()
	if opts.Preface == "" {
		opts.Preface = def.Preface
	}
	if opts.TeamFactLimit <= 0 {
		opts.TeamFactLimit = def.TeamFactLimit
	}
	if opts.AmbientWindow <= 0 {
		opts.AmbientWindow = def.AmbientWindow
	}
	if opts.AmbientLimit <= 0 {
		opts.AmbientLimit = def.AmbientLimit
	}
	if opts.MentionWindow <= 0 {
		opts.MentionWindow = def.MentionWindow
	}
	if opts.MentionLimit <= 0 {
		opts.MentionLimit = def.MentionLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptAssembler{
		threads:   threads,
		userFacts: userFacts,
		teamFacts: teamFacts,
		retriever: retriever,
		opts:      opts,
		logger:    logger,
	}
}

// Build assembles the prompt for replying to ev in the thread key. selfID
// is excluded from the mentioned-user lookups. Thread and fact reads must
// succeed; archive reads are best-effort and only logged on failure.
func (p *PromptAssembler) Build(ctx context.Context, key string, ev Event, selfID string) (string, error) {
	thread, err := p.threads.GetThread(ctx, key)
	if err != nil {
		return "", err
	}

	parts := PromptParts{
		Preface: p.opts.Preface,
		Summary: thread.Summary,
		Turns:   thread.Turns,
	}

	if p.userFacts != nil {
		facts, err := p.userFacts.List(ctx, ev.AuthorID)
		if err != nil {
			return "", err
		}
		parts.UserFacts = Texts(facts)
	}
	if p.teamFacts != nil && ev.GuildID != "" {
		facts, err := p.teamFacts.Recent(ctx, ev.GuildID, p.opts.TeamFactLimit)
		if err != nil {
			return "", err
		}
		parts.TeamFacts = Texts(facts)
	}

	if p.retriever == nil {
		return Compose(parts), nil
	}

	ambient, err := p.retriever.FetchChannelRecent(ctx, ev.ChannelID, p.opts.AmbientWindow, p.opts.AmbientLimit)
	if err != nil {
		p.logger.Warn("ambient context unavailable", "channel_id", ev.ChannelID, "err", err)
	}
	parts.Ambient = ambient

	seen := map[string]bool{selfID: true, ev.AuthorID: true}
	for _, userID := range ev.Mentions {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		name, lines, err := p.retriever.userActivity(ctx, ev.ChannelID, ev.GuildID, userID, p.opts.MentionWindow, p.opts.MentionLimit)
		if err != nil {
			p.logger.Warn("mentioned user activity unavailable", "user_id", userID, "err", err)
			continue
		}
		if len(lines) > 0 {
			parts.Mentioned = append(parts.Mentioned, UserActivity{Name: name, Lines: lines})
		}
	}

	return Compose(parts), nil
}
