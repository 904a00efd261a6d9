package memory

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCompose_FullLayout(t *testing.T) {
	got := Compose(PromptParts{
		Preface:   "Be brief.",
		UserFacts: []string{"likes go", "lives in Oslo"},
		TeamFacts: []string{"deploys on fridays"},
		Summary:   "talked about builds",
		Ambient:   []string{"user(bob): ship it"},
		Mentioned: []UserActivity{{Name: "eve", Lines: []string{"user(eve) in #c2: done"}}},
		Turns: []Turn{
			{Role: RoleUser, Text: "status?"},
			{Role: RoleAssistant, Text: "green"},
		},
	})

	want := "Be brief.\n\n" +
		"Known user facts:\n- likes go\n- lives in Oslo\n\n" +
		"Known team facts:\n- deploys on fridays\n\n" +
		"Conversation summary so far:\ntalked about builds\n\n" +
		"Recent channel activity:\nuser(bob): ship it\n\n" +
		"Recent activity of eve:\nuser(eve) in #c2: done\n\n" +
		"Recent messages:\nUser: status?\nAssistant: green\n" +
		"Assistant:"
	if got != want {
		t.Errorf("prompt mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestCompose_EmptySectionsOmitted(t *testing.T) {
	got := Compose(PromptParts{Turns: []Turn{{Role: RoleUser, Text: "hi"}}})
	if got != "Recent messages:\nUser: hi\nAssistant:" {
		t.Errorf("got %q", got)
	}
}

func TestPromptAssembler_Build(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	threads := NewThreadStore(st, nil, nil)
	users := NewUserFacts(st, 0, nil)
	teams := NewTeamFacts(st, 0, nil)
	archive := NewArchive(st, nil)
	retriever := NewRetriever(st, nil)

	now := time.Now()
	for _, m := range []ArchivedMessage{
		{MessageID: "a1", ChannelID: "c1", GuildID: "g1", AuthorID: "u2", AuthorName: "bob", Content: "anyone seen the logs?", CreatedAt: now.Add(-5 * time.Minute)},
		{MessageID: "a2", ChannelID: "c1", GuildID: "g1", AuthorID: "bot", AuthorName: "kioku", IsBot: true, Content: "old reply", CreatedAt: now.Add(-4 * time.Minute)},
	} {
		if _, err := archive.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := users.Add(ctx, "u1", "prefers short answers"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := teams.Add(ctx, "g1", "on-call is bob"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := threads.AddTurn(ctx, "channel:c1", RoleUser, "where are the logs?"); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}

	p := NewPromptAssembler(threads, users, teams, retriever, PromptOptions{}, nil)
	ev := Event{
		ID:        "m1",
		AuthorID:  "u1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "@kioku where are the logs? ask @bob",
		Mentions:  []string{"bot", "u2", "u1"},
	}
	got, err := p.Build(ctx, "channel:c1", ev, "bot")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, want := range []string{
		DefaultPreface,
		"Known user facts:\n- prefers short answers",
		"Known team facts:\n- on-call is bob",
		"Recent channel activity:\nuser(bob): anyone seen the logs?\nassistant(kioku): old reply",
		"Recent activity of bob:\nuser(bob): anyone seen the logs?",
		"Recent messages:\nUser: where are the logs?\nAssistant:",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q\n%s", want, got)
		}
	}
	if strings.Contains(got, "Recent activity of u2") {
		t.Errorf("mentioned user shown by id instead of name:\n%s", got)
	}
	if strings.Contains(got, "Recent activity of kioku") || strings.Contains(got, "Recent activity of u1") {
		t.Errorf("self or author included as mentioned user:\n%s", got)
	}
}

func TestPromptAssembler_NoGuildSkipsTeamFacts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	threads := NewThreadStore(st, nil, nil)
	teams := NewTeamFacts(st, 0, nil)
	if err := teams.Add(ctx, "", "should not appear"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	p := NewPromptAssembler(threads, nil, teams, nil, PromptOptions{Preface: "x"}, nil)
	got, err := p.Build(ctx, "channel:dm", Event{ID: "m1", AuthorID: "u1", ChannelID: "dm"}, "bot")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if strings.Contains(got, "should not appear") {
		t.Errorf("team facts leaked into a direct message prompt:\n%s", got)
	}
}
