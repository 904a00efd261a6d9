package matrix

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// pillPattern matches user pills in formatted bodies, for example
// <a href="https://matrix.to/#/@ann:example.com">Ann</a>.
var pillPattern = regexp.MustCompile(`https://matrix\.to/#/((?:@|%40)[^"'<>?/\s]+)`)

// roomContext is what the gateway knows about the room an event arrived in.
type roomContext struct {
	self    id.UserID
	guildID string
	direct  bool
}

// toEvent reduces a room message to a memory event. ok is false for
// messages without text and for edits, which would otherwise be archived
// as new messages.
func toEvent(evt *event.Event, rc roomContext, authorName string) (memory.Event, bool) {
	content := evt.Content.AsMessage()
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		return memory.Event{}, false
	}
	rel := content.RelatesTo
	if rel != nil && rel.Type == event.RelReplace {
		return memory.Event{}, false
	}

	body := content.Body
	ev := memory.Event{
		ID:         evt.ID.String(),
		AuthorID:   evt.Sender.String(),
		AuthorName: authorName,
		// Matrix has no bot flag; notices are the bot convention.
		AuthorIsBot: evt.Sender == rc.self || content.MsgType == event.MsgNotice,
		ChannelID:   evt.RoomID.String(),
		Direct:      rc.direct,
		CreatedAt:   time.UnixMilli(evt.Timestamp),
	}
	if !rc.direct {
		ev.GuildID = rc.guildID
	}

	if rel != nil {
		if rel.Type == event.RelThread && rel.EventID != "" {
			ev.SubChannelID = rel.EventID.String()
		}
		// Thread messages carry a fallback reply to the previous thread
		// event; only a real reply counts.
		if rel.InReplyTo != nil && rel.InReplyTo.EventID != "" && !(rel.Type == event.RelThread && rel.IsFallingBack) {
			ev.Reference = &memory.Reference{MessageID: rel.InReplyTo.EventID.String()}
			body = stripReplyFallback(body)
		}
	}
	ev.Content = strings.TrimSpace(body)
	if ev.Content == "" {
		return memory.Event{}, false
	}
	ev.Mentions = mentions(content, rc.self, ev.Content)
	return ev, true
}

// mentions collects the mentioned user ids from the structured mention
// list and from pills, and counts a plain-text occurrence of the bot's own
// id as a mention of the bot.
func mentions(content *event.MessageEventContent, self id.UserID, body string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(userID string) {
		if userID == "" {
			return
		}
		if _, ok := seen[userID]; ok {
			return
		}
		seen[userID] = struct{}{}
		out = append(out, userID)
	}

	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			add(u.String())
		}
	}
	for _, m := range pillPattern.FindAllStringSubmatch(content.FormattedBody, -1) {
		if u, err := url.PathUnescape(m[1]); err == nil {
			add(u)
		}
	}
	if self != "" && strings.Contains(body, self.String()) {
		add(self.String())
	}
	return out
}

// stripReplyFallback drops the quoted "> " block clients prepend to
// replies.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	if i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// localpart returns "ann" for "@ann:example.com".
func localpart(userID id.UserID) string {
	s := strings.TrimPrefix(userID.String(), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}
