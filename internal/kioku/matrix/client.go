// Package matrix connects Kioku to a Matrix homeserver.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kioku/internal/kioku/gateway"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// Config holds Matrix gateway configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms restricts the gateway to these room ids and is joined on start.
	// Empty means every joined room.
	Rooms []string
	// GuildID groups all non-direct rooms into one team for team facts and
	// cross-room activity.
	GuildID string
	// Store persists the sync token. When nil, an in-memory store is used
	// and the first sync after every restart is skipped.
	Store *store.Store
}

// Gateway delivers room messages to a handler and sends replies.
type Gateway struct {
	client *mautrix.Client
	cfg    Config
	rooms  map[id.RoomID]struct{}
	logger *slog.Logger

	handler  gateway.Handler
	selfName string

	mu      sync.Mutex
	names   map[id.UserID]string
	members map[id.RoomID]int

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Gateway. If logger is nil, the default slog logger is used.
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.Store != nil {
		client.Store = NewDBSyncStore(cfg.Store)
	} else {
		logger.Warn("matrix sync store: no database configured, using in-memory store")
	}

	rooms := make(map[id.RoomID]struct{}, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		rooms[id.RoomID(r)] = struct{}{}
	}
	return &Gateway{
		client:   client,
		cfg:      cfg,
		rooms:    rooms,
		logger:   logger,
		selfName: localpart(id.UserID(cfg.UserID)),
		names:    make(map[id.UserID]string),
		members:  make(map[id.RoomID]int),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SelfID returns the bot's Matrix user id.
func (g *Gateway) SelfID() string { return g.cfg.UserID }

// SelfName returns the bot's display name, or its localpart before Start.
func (g *Gateway) SelfName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selfName
}

// Start joins the configured rooms and begins syncing in the background.
// Every text message is passed to handler, the bot's own included.
func (g *Gateway) Start(ctx context.Context, handler gateway.Handler) error {
	g.handler = handler

	syncer, ok := g.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	// Skip the backlog of a first-ever sync.
	syncer.OnSync(g.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, g.handleMessage)
	syncer.OnEventType(event.StateMember, g.handleMember)

	for _, roomID := range g.cfg.Rooms {
		if err := g.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("matrix: join room %s: %w", roomID, err)
		}
	}
	if name := g.displayName(ctx, id.UserID(g.cfg.UserID)); name != "" {
		g.mu.Lock()
		g.selfName = name
		g.mu.Unlock()
	}

	g.started.Store(true)
	go g.syncLoop(ctx)
	g.logger.Info("matrix gateway started", "user_id", g.cfg.UserID, "rooms", len(g.cfg.Rooms))
	return nil
}

// syncLoop keeps /sync running with exponential back-off until Stop is
// called or ctx ends.
func (g *Gateway) syncLoop(ctx context.Context) {
	defer close(g.done)
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := g.client.SyncWithContext(ctx)
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err == nil {
			return
		}
		g.logger.Error("matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop ends syncing and waits for the sync loop to exit if it was started.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		g.client.StopSync()
	})
	if g.started.Load() {
		<-g.done
	}
}

// Send posts text to a room and returns the new event id.
func (g *Gateway) Send(ctx context.Context, channelID, text string) (string, error) {
	resp, err := g.client.SendText(ctx, id.RoomID(channelID), text)
	if err != nil {
		return "", fmt.Errorf("matrix: send: %w", err)
	}
	return resp.EventID.String(), nil
}

func (g *Gateway) allowed(roomID id.RoomID) bool {
	if len(g.rooms) == 0 {
		return true
	}
	_, ok := g.rooms[roomID]
	return ok
}

func (g *Gateway) handleMessage(ctx context.Context, evt *event.Event) {
	if !g.allowed(evt.RoomID) || g.handler == nil {
		return
	}
	rc := roomContext{
		self:    id.UserID(g.cfg.UserID),
		guildID: g.cfg.GuildID,
		direct:  g.isDirect(ctx, evt.RoomID),
	}
	ev, ok := toEvent(evt, rc, g.displayName(ctx, evt.Sender))
	if !ok {
		return
	}
	g.handler(ctx, ev)
}

// handleMember drops cached membership and profile data when a member
// event arrives.
func (g *Gateway) handleMember(_ context.Context, evt *event.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, evt.RoomID)
	delete(g.names, id.UserID(evt.GetStateKey()))
}

// isDirect reports whether the room has at most two joined members.
func (g *Gateway) isDirect(ctx context.Context, roomID id.RoomID) bool {
	g.mu.Lock()
	n, ok := g.members[roomID]
	g.mu.Unlock()
	if !ok {
		resp, err := g.client.JoinedMembers(ctx, roomID)
		if err != nil {
			g.logger.Warn("matrix: joined members lookup failed", "room_id", roomID, "err", err)
			return false
		}
		n = len(resp.Joined)
		g.mu.Lock()
		g.members[roomID] = n
		g.mu.Unlock()
	}
	return n > 0 && n <= 2
}

// displayName returns the cached profile name of userID, falling back to
// its localpart.
func (g *Gateway) displayName(ctx context.Context, userID id.UserID) string {
	g.mu.Lock()
	name, ok := g.names[userID]
	g.mu.Unlock()
	if ok {
		return name
	}

	name = localpart(userID)
	profile, err := g.client.GetProfile(ctx, userID)
	if err != nil {
		g.logger.Debug("matrix: profile lookup failed", "user_id", userID, "err", err)
	} else if profile.DisplayName != "" {
		name = profile.DisplayName
	}
	g.mu.Lock()
	g.names[userID] = name
	g.mu.Unlock()
	return name
}

func (g *Gateway) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := g.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			g.logger.Warn("matrix: already a member or access denied, continuing", "room_id", roomID)
			return nil
		}
		return err
	}
	return nil
}
