package memory

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"
)

type ambientFixture struct {
	archive   *Archive
	retriever *Retriever
	now       time.Time
}

func newAmbientFixture(t *testing.T) *ambientFixture {
	t.Helper()
	st := newTestStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRetriever(st, nil)
	r.now = fixedClock(now)
	return &ambientFixture{archive: NewArchive(st, nil), retriever: r, now: now}
}

func (f *ambientFixture) add(t *testing.T, m ArchivedMessage, ago time.Duration) {
	t.Helper()
	m.CreatedAt = f.now.Add(-ago)
	if _, err := f.archive.Append(context.Background(), m); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestFetchChannelRecent_WindowScoping(t *testing.T) {
	f := newAmbientFixture(t)
	f.add(t, ArchivedMessage{MessageID: "in", ChannelID: "c1", AuthorID: "u1", AuthorName: "ann", Content: "recent"}, 10*time.Minute)
	f.add(t, ArchivedMessage{MessageID: "out", ChannelID: "c1", AuthorID: "u1", AuthorName: "ann", Content: "stale"}, 120*time.Minute)
	f.add(t, ArchivedMessage{MessageID: "other", ChannelID: "c2", AuthorID: "u1", AuthorName: "ann", Content: "elsewhere"}, time.Minute)

	got, err := f.retriever.FetchChannelRecent(context.Background(), "c1", 60*time.Minute, 10)
	if err != nil {
		t.Fatalf("FetchChannelRecent: %v", err)
	}
	want := []string{"user(ann): recent"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFetchChannelRecent_NewestLimitAscending(t *testing.T) {
	f := newAmbientFixture(t)
	for i := 0; i < 5; i++ {
		f.add(t, ArchivedMessage{
			MessageID: fmt.Sprintf("m%d", i),
			ChannelID: "c1",
			AuthorID:  "u1",
			Content:   fmt.Sprintf("msg %d", i),
		}, time.Duration(5-i)*time.Minute)
	}

	got, err := f.retriever.FetchChannelRecent(context.Background(), "c1", time.Hour, 3)
	if err != nil {
		t.Fatalf("FetchChannelRecent: %v", err)
	}
	want := []string{"user(u1): msg 2", "user(u1): msg 3", "user(u1): msg 4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFetchChannelRecent_FormattingAndEmptySkipped(t *testing.T) {
	f := newAmbientFixture(t)
	f.add(t, ArchivedMessage{MessageID: "m1", ChannelID: "c1", AuthorID: "u1", AuthorName: "ann", Content: "hi"}, 3*time.Minute)
	f.add(t, ArchivedMessage{MessageID: "m2", ChannelID: "c1", AuthorID: "u2", Content: ""}, 2*time.Minute)
	f.add(t, ArchivedMessage{MessageID: "m3", ChannelID: "c1", AuthorID: "b1", AuthorName: "kioku", IsBot: true, Content: "hello ann"}, time.Minute)

	got, err := f.retriever.FetchChannelRecent(context.Background(), "c1", time.Hour, 2)
	if err != nil {
		t.Fatalf("FetchChannelRecent: %v", err)
	}
	want := []string{"user(ann): hi", "assistant(kioku): hello ann"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFetchUserInChannel(t *testing.T) {
	f := newAmbientFixture(t)
	f.add(t, ArchivedMessage{MessageID: "m1", ChannelID: "c1", AuthorID: "u1", AuthorName: "ann", Content: "mine"}, time.Minute)
	f.add(t, ArchivedMessage{MessageID: "m2", ChannelID: "c1", AuthorID: "u2", AuthorName: "bob", Content: "his"}, time.Minute)

	got, err := f.retriever.FetchUserInChannel(context.Background(), "c1", "u1", time.Hour, 10)
	if err != nil {
		t.Fatalf("FetchUserInChannel: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"user(ann): mine"}) {
		t.Errorf("got %v", got)
	}
}

func TestFetchUserActivity_GuildFallback(t *testing.T) {
	f := newAmbientFixture(t)
	f.add(t, ArchivedMessage{MessageID: "m1", ChannelID: "c2", GuildID: "g1", AuthorID: "u1", AuthorName: "ann", Content: "over here"}, time.Minute)
	f.add(t, ArchivedMessage{MessageID: "m2", ChannelID: "c3", GuildID: "g2", AuthorID: "u1", AuthorName: "ann", Content: "other guild"}, time.Minute)
	ctx := context.Background()

	got, err := f.retriever.FetchUserActivity(ctx, "c1", "g1", "u1", time.Hour, 10)
	if err != nil {
		t.Fatalf("FetchUserActivity: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"user(ann) in #c2: over here"}) {
		t.Errorf("got %v", got)
	}

	// No guild known: no fallback.
	got, err = f.retriever.FetchUserActivity(ctx, "c1", "", "u1", time.Hour, 10)
	if err != nil {
		t.Fatalf("FetchUserActivity: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no lines without guild, got %v", got)
	}
}

func TestFetchUserActivity_PrefersChannel(t *testing.T) {
	f := newAmbientFixture(t)
	f.add(t, ArchivedMessage{MessageID: "m1", ChannelID: "c1", GuildID: "g1", AuthorID: "u1", Content: "here"}, time.Minute)
	f.add(t, ArchivedMessage{MessageID: "m2", ChannelID: "c2", GuildID: "g1", AuthorID: "u1", Content: "there"}, time.Minute)

	got, err := f.retriever.FetchUserActivity(context.Background(), "c1", "g1", "u1", time.Hour, 10)
	if err != nil {
		t.Fatalf("FetchUserActivity: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"user(u1): here"}) {
		t.Errorf("got %v", got)
	}
}

func TestFetch_ZeroLimit(t *testing.T) {
	f := newAmbientFixture(t)
	f.add(t, ArchivedMessage{MessageID: "m1", ChannelID: "c1", AuthorID: "u1", Content: "x"}, time.Minute)
	got, err := f.retriever.FetchChannelRecent(context.Background(), "c1", time.Hour, 0)
	if err != nil || len(got) != 0 {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestUserActivity_DisplayName(t *testing.T) {
	f := newAmbientFixture(t)
	f.add(t, ArchivedMessage{MessageID: "g1", ChannelID: "c2", GuildID: "g", AuthorID: "u1", AuthorName: "Ann", Content: "older"}, 20*time.Minute)
	f.add(t, ArchivedMessage{MessageID: "g2", ChannelID: "c3", GuildID: "g", AuthorID: "u1", AuthorName: "Ann B.", Content: "newer"}, 10*time.Minute)
	f.add(t, ArchivedMessage{MessageID: "g3", ChannelID: "c2", GuildID: "g", AuthorID: "u2", Content: "nameless"}, 5*time.Minute)
	ctx := context.Background()

	tests := []struct {
		name     string
		userID   string
		wantName string
		wantLen  int
	}{
		{name: "newest name via guild fallback", userID: "u1", wantName: "Ann B.", wantLen: 2},
		{name: "blank name falls back to id", userID: "u2", wantName: "u2", wantLen: 1},
		{name: "no activity keeps id", userID: "u3", wantName: "u3", wantLen: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, lines, err := f.retriever.userActivity(ctx, "c1", "g", tt.userID, time.Hour, 10)
			if err != nil {
				t.Fatalf("userActivity: %v", err)
			}
			if name != tt.wantName || len(lines) != tt.wantLen {
				t.Errorf("got name %q with %d lines, want %q with %d", name, len(lines), tt.wantName, tt.wantLen)
			}
		})
	}
}
