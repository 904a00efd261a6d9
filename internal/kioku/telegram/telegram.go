// Package telegram connects Kioku to the Telegram Bot API by long polling.
//
// Telegram message ids are only unique inside a chat, so every id handed to
// the memory engine is "<chat id>:<message id>". Group chats double as the
// guild; private chats have none.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/bdobrica/kioku/internal/kioku/gateway"
	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// pollTimeout is the long-poll timeout in seconds.
const pollTimeout = 30

// Bot is the subset of tgbotapi.BotAPI the gateway uses.
type Bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type botAPI struct {
	bot *tgbotapi.BotAPI
}

func (b *botAPI) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.bot.GetUpdatesChan(config)
}

func (b *botAPI) StopReceivingUpdates() { b.bot.StopReceivingUpdates() }

func (b *botAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) { return b.bot.Send(c) }

func (b *botAPI) GetSelf() tgbotapi.User { return b.bot.Self }

// BotFactory creates a Bot; tests substitute a fake.
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

// DefaultBotFactory authenticates against the real Bot API.
func DefaultBotFactory(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &botAPI{bot: bot}, nil
}

// Config holds Telegram gateway configuration.
type Config struct {
	Token string
	// APIEndpoint defaults to tgbotapi.APIEndpoint.
	APIEndpoint string
	HTTPClient  *http.Client
}

// Gateway delivers chat messages to a handler and sends replies.
type Gateway struct {
	cfg     Config
	factory BotFactory
	logger  *slog.Logger

	bot  Bot
	self tgbotapi.User

	mu sync.Mutex
	// usernames maps lower-cased @usernames seen as authors to user ids,
	// so plain @mentions can be resolved.
	usernames map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Gateway using DefaultBotFactory.
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithFactory(cfg, DefaultBotFactory, logger)
}

// NewWithFactory creates a Gateway with a custom bot factory. If logger is
// nil, the default slog logger is used.
func NewWithFactory(cfg Config, factory BotFactory, logger *slog.Logger) (*Gateway, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: (pollTimeout + 10) * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:       cfg,
		factory:   factory,
		logger:    logger,
		usernames: make(map[string]string),
	}, nil
}

// SelfID returns the bot's user id, or "" before Start.
func (g *Gateway) SelfID() string {
	if g.self.ID == 0 {
		return ""
	}
	return strconv.FormatInt(g.self.ID, 10)
}

// SelfName returns the bot's first name.
func (g *Gateway) SelfName() string { return g.self.FirstName }

// Start authenticates and begins polling in the background.
func (g *Gateway) Start(ctx context.Context, handler gateway.Handler) error {
	bot, err := g.factory(g.cfg.Token, g.cfg.APIEndpoint, g.cfg.HTTPClient)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	g.bot = bot
	g.self = bot.GetSelf()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(u)

	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				if ev, ok := g.toEvent(update.Message); ok {
					handler(ctx, ev)
				}
			}
		}
	}()

	g.logger.Info("telegram gateway started", "username", g.self.UserName)
	return nil
}

// Stop ends polling and waits for the poll loop to exit.
func (g *Gateway) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	g.bot.StopReceivingUpdates()
	<-g.done
}

// Send posts text to a chat and returns the new message id.
func (g *Gateway) Send(_ context.Context, channelID, text string) (string, error) {
	if g.bot == nil {
		return "", errors.New("telegram: send: bot not started")
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: send: invalid chat id %q: %w", channelID, err)
	}
	sent, err := g.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("telegram: send: %w", err)
	}
	return messageID(chatID, sent.MessageID), nil
}

func messageID(chatID int64, id int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(id)
}

// toEvent reduces a Telegram message to a memory event. ok is false for
// messages without text or without a sender.
func (g *Gateway) toEvent(msg *tgbotapi.Message) (memory.Event, bool) {
	if msg.From == nil || msg.Chat == nil {
		return memory.Event{}, false
	}
	text, entities := msg.Text, msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	if strings.TrimSpace(text) == "" {
		return memory.Event{}, false
	}

	authorID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.UserName != "" {
		g.mu.Lock()
		g.usernames[strings.ToLower(msg.From.UserName)] = authorID
		g.mu.Unlock()
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	ev := memory.Event{
		ID:          messageID(msg.Chat.ID, msg.MessageID),
		AuthorID:    authorID,
		AuthorName:  displayName(msg.From),
		AuthorIsBot: msg.From.IsBot,
		ChannelID:   chatID,
		Direct:      msg.Chat.IsPrivate(),
		Content:     strings.TrimSpace(text),
		CreatedAt:   msg.Time(),
	}
	if !ev.Direct {
		ev.GuildID = chatID
	}
	if msg.ReplyToMessage != nil {
		ev.Reference = &memory.Reference{MessageID: messageID(msg.Chat.ID, msg.ReplyToMessage.MessageID)}
	}
	ev.Mentions = g.mentions(msg, text, entities)
	return ev, true
}

// mentions resolves @username and text_mention entities to user ids. A
// reply to one of the bot's messages counts as mentioning the bot.
func (g *Gateway) mentions(msg *tgbotapi.Message, text string, entities []tgbotapi.MessageEntity) []string {
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

	units := utf16.Encode([]rune(text))
	for _, e := range entities {
		switch {
		case e.Type == "text_mention" && e.User != nil:
			add(strconv.FormatInt(e.User.ID, 10))
		case e.IsMention():
			if e.Offset < 0 || e.Offset+e.Length > len(units) {
				continue
			}
			name := strings.ToLower(strings.TrimPrefix(string(utf16.Decode(units[e.Offset:e.Offset+e.Length])), "@"))
			add(g.resolveUsername(name))
		}
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil && g.self.ID != 0 && reply.From.ID == g.self.ID {
		add(g.SelfID())
	}
	return out
}

func (g *Gateway) resolveUsername(name string) string {
	if g.self.UserName != "" && strings.EqualFold(name, g.self.UserName) {
		return g.SelfID()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usernames[name]
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}
