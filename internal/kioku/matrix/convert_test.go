package matrix

import (
	"slices"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const self = id.UserID("@kioku:example.com")

func message(content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        "$ev1",
		Type:      event.EventMessage,
		Sender:    "@ann:example.com",
		RoomID:    "!room:example.com",
		Timestamp: 1_760_000_000_123,
		Content:   event.Content{Parsed: content},
	}
}

func TestToEvent_PlainMessage(t *testing.T) {
	rc := roomContext{self: self, guildID: "team"}
	ev, ok := toEvent(message(&event.MessageEventContent{MsgType: event.MsgText, Body: "  hello  "}), rc, "Ann")
	if !ok {
		t.Fatal("expected a text message to convert")
	}
	if ev.ID != "$ev1" || ev.AuthorID != "@ann:example.com" || ev.AuthorName != "Ann" {
		t.Errorf("identity: %+v", ev)
	}
	if ev.ChannelID != "!room:example.com" || ev.GuildID != "team" || ev.Direct {
		t.Errorf("location: %+v", ev)
	}
	if ev.Content != "hello" || ev.AuthorIsBot || ev.IsReply() || ev.IsSubChannel() {
		t.Errorf("content: %+v", ev)
	}
	if !ev.CreatedAt.Equal(time.UnixMilli(1_760_000_000_123)) {
		t.Errorf("created_at: %v", ev.CreatedAt)
	}
}

func TestToEvent_DirectRoomHasNoGuild(t *testing.T) {
	rc := roomContext{self: self, guildID: "team", direct: true}
	ev, ok := toEvent(message(&event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}), rc, "Ann")
	if !ok || !ev.Direct || ev.GuildID != "" {
		t.Errorf("direct event: ok=%v %+v", ok, ev)
	}
}

func TestToEvent_Skips(t *testing.T) {
	rc := roomContext{self: self}
	tests := []struct {
		name    string
		content *event.MessageEventContent
	}{
		{name: "image", content: &event.MessageEventContent{MsgType: event.MsgImage, Body: "cat.png"}},
		{name: "empty", content: &event.MessageEventContent{MsgType: event.MsgText, Body: "   "}},
		{
			name: "edit",
			content: &event.MessageEventContent{
				MsgType:   event.MsgText,
				Body:      "* fixed",
				RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$old"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := toEvent(message(tt.content), rc, "Ann"); ok {
				t.Error("expected message to be skipped")
			}
		})
	}
}

func TestToEvent_ReplyStripsFallback(t *testing.T) {
	content := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      "> <@bob:example.com> original\n> second line\n\nmy answer",
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$parent"}},
	}
	ev, ok := toEvent(message(content), roomContext{self: self}, "Ann")
	if !ok {
		t.Fatal("expected conversion")
	}
	if !ev.IsReply() || ev.Reference.MessageID != "$parent" {
		t.Errorf("reference: %+v", ev.Reference)
	}
	if ev.Content != "my answer" {
		t.Errorf("content: %q", ev.Content)
	}
}

func TestToEvent_Thread(t *testing.T) {
	tests := []struct {
		name      string
		falling   bool
		wantReply bool
	}{
		{name: "fallback reply ignored", falling: true, wantReply: false},
		{name: "explicit reply in thread", falling: false, wantReply: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    "in thread",
				RelatesTo: &event.RelatesTo{
					Type:          event.RelThread,
					EventID:       "$root",
					InReplyTo:     &event.InReplyTo{EventID: "$prev"},
					IsFallingBack: tt.falling,
				},
			}
			ev, ok := toEvent(message(content), roomContext{self: self}, "Ann")
			if !ok {
				t.Fatal("expected conversion")
			}
			if ev.SubChannelID != "$root" {
				t.Errorf("sub-channel: %q", ev.SubChannelID)
			}
			if ev.IsReply() != tt.wantReply {
				t.Errorf("reply: got %v, want %v", ev.IsReply(), tt.wantReply)
			}
		})
	}
}

func TestToEvent_Mentions(t *testing.T) {
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "Kioku, ask Bob",
		FormattedBody: `<a href="https://matrix.to/#/@kioku:example.com">Kioku</a>, ask <a href="https://matrix.to/#/%40bob:example.com">Bob</a>`,
		Mentions:      &event.Mentions{UserIDs: []id.UserID{self}},
	}
	ev, ok := toEvent(message(content), roomContext{self: self}, "Ann")
	if !ok {
		t.Fatal("expected conversion")
	}
	want := []string{"@kioku:example.com", "@bob:example.com"}
	if !slices.Equal(ev.Mentions, want) {
		t.Errorf("mentions: got %v, want %v", ev.Mentions, want)
	}
	if !ev.Mentioned(self.String()) {
		t.Error("bot should be mentioned")
	}
}

func TestToEvent_PlainTextSelfMention(t *testing.T) {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: "@kioku:example.com what is up"}
	ev, _ := toEvent(message(content), roomContext{self: self}, "Ann")
	if !ev.Mentioned(self.String()) {
		t.Errorf("mentions: %v", ev.Mentions)
	}
}

func TestToEvent_BotAuthors(t *testing.T) {
	own := message(&event.MessageEventContent{MsgType: event.MsgText, Body: "my reply"})
	own.Sender = self
	if ev, _ := toEvent(own, roomContext{self: self}, "Kioku"); !ev.AuthorIsBot {
		t.Error("own message should be marked as bot")
	}

	notice := message(&event.MessageEventContent{MsgType: event.MsgNotice, Body: "build passed"})
	if ev, _ := toEvent(notice, roomContext{self: self}, "ci"); !ev.AuthorIsBot {
		t.Error("notice should be marked as bot")
	}
}

func TestStripReplyFallback(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: "no quote", want: "no quote"},
		{in: "> quoted\n\nanswer", want: "answer"},
		{in: "> a\n> b\nanswer\nmore", want: "answer\nmore"},
		{in: "> only quote", want: ""},
	}
	for _, tt := range tests {
		if got := stripReplyFallback(tt.in); got != tt.want {
			t.Errorf("stripReplyFallback(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLocalpart(t *testing.T) {
	if got := localpart("@ann:example.com"); got != "ann" {
		t.Errorf("localpart: %q", got)
	}
}
