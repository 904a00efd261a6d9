package memory

import (
	"context"
	"log/slog"
)

// MaxReplyDepth bounds how far the resolver walks a reply chain.
const MaxReplyDepth = 64

// Key prefixes. Changing them orphans every stored thread.
const (
	replyKeyPrefix   = "reply:"
	threadKeyPrefix  = "thread:"
	channelKeyPrefix = "channel:"
)

// ReplyKey is the conversation key of a reply chain rooted at rootMessageID.
func ReplyKey(rootMessageID string) string { return replyKeyPrefix + rootMessageID }

// ThreadKey is the conversation key of a platform sub-channel.
func ThreadKey(subChannelID string) string { return threadKeyPrefix + subChannelID }

// ChannelKey is the conversation key of a whole channel.
func ChannelKey(channelID string) string { return channelKeyPrefix + channelID }

// MessageLookup finds a previously seen message by id. found is false when
// the message is unknown; err is reserved for lookup failures.
type MessageLookup interface {
	Lookup(ctx context.Context, messageID string) (msg ArchivedMessage, found bool, err error)
}

// KeyResolver derives the conversation key for an incoming event.
//
// Replies are keyed on the root of their reply chain, so every message in a
// chain shares one thread. Messages inside a sub-channel share the
// sub-channel's thread; everything else shares the channel's thread.
type KeyResolver struct {
	lookups []MessageLookup
	logger  *slog.Logger
}

// NewKeyResolver creates a resolver that walks reply chains through the
// given lookups, consulted in order. If logger is nil, the default slog
// logger is used.
func NewKeyResolver(logger *slog.Logger, lookups ...MessageLookup) *KeyResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyResolver{lookups: lookups, logger: logger}
}

// Resolve returns the conversation key for ev. It never fails: lookup
// errors are logged and treated as an unresolvable reference.
func (r *KeyResolver) Resolve(ctx context.Context, ev Event) string {
	if ev.IsReply() {
		return ReplyKey(r.rootOf(ctx, ev))
	}
	if ev.IsSubChannel() {
		return ThreadKey(ev.SubChannelID)
	}
	return ChannelKey(ev.ChannelID)
}

// rootOf walks ev's reference chain and returns the id of its root. When
// the direct parent cannot be resolved the event keys on itself. Cycles and
// chains deeper than MaxReplyDepth stop at the last resolved message.
func (r *KeyResolver) rootOf(ctx context.Context, ev Event) string {
	parentID := ev.Reference.MessageID
	parent, ok := r.lookup(ctx, parentID)
	if !ok {
		return ev.ID
	}

	seen := map[string]bool{ev.ID: true, parentID: true}
	current := parent
	for depth := 1; depth < MaxReplyDepth; depth++ {
		next := current.ReferenceID
		if next == "" || seen[next] {
			break
		}
		msg, ok := r.lookup(ctx, next)
		if !ok {
			break
		}
		seen[next] = true
		current = msg
	}
	return current.MessageID
}

func (r *KeyResolver) lookup(ctx context.Context, messageID string) (ArchivedMessage, bool) {
	for _, l := range r.lookups {
		msg, found, err := l.Lookup(ctx, messageID)
		if err != nil {
			r.logger.Warn("reference lookup failed", "message_id", messageID, "err", err)
			continue
		}
		if found {
			if msg.MessageID == "" {
				msg.MessageID = messageID
			}
			return msg, true
		}
	}
	return ArchivedMessage{}, false
}
