// Package memory is Kioku's bounded conversational memory engine.
//
// It decides which conversation an incoming chat message belongs to
// (KeyResolver), stores the conversation's turns and rolling summary
// durably (ThreadStore), keeps every thread under a character budget by
// summarizing and deleting its oldest turns (Evictor), keeps capped per-user
// and per-guild facts (FactStore), archives every observed message (Archive)
// and reads time-windowed context back out of that archive (Retriever).
// PromptAssembler composes all of these into the text sent to the model.
//
// All state lives in the store; nothing is cached across calls, so several
// ThreadStores over one database observe each other's writes.
package memory

import (
	"slices"
	"time"
)

// Reference points at the message an event replies to.
type Reference struct {
	MessageID string
}

// Event is a chat message as delivered by a gateway, reduced to the fields
// the memory engine reads.
type Event struct {
	ID          string
	AuthorID    string
	AuthorName  string
	AuthorIsBot bool
	ChannelID   string
	// GuildID is empty for direct messages.
	GuildID string
	// Direct is set for one-to-one conversations with the bot.
	Direct bool
	// SubChannelID is set when the message was posted inside a platform
	// thread or topic nested under ChannelID.
	SubChannelID string
	Content      string
	// Mentions lists the ids of users explicitly mentioned in the message.
	Mentions  []string
	Reference *Reference
	CreatedAt time.Time
}

// IsSubChannel reports whether the event was posted inside a sub-channel.
func (e Event) IsSubChannel() bool {
	return e.SubChannelID != ""
}

// IsReply reports whether the event references another message.
func (e Event) IsReply() bool {
	return e.Reference != nil && e.Reference.MessageID != ""
}

// Mentioned reports whether userID appears in the event's mention list.
func (e Event) Mentioned(userID string) bool {
	return userID != "" && slices.Contains(e.Mentions, userID)
}

// DisplayName returns the author's display name, falling back to the
// author id.
func (e Event) DisplayName() string {
	if e.AuthorName != "" {
		return e.AuthorName
	}
	return e.AuthorID
}
