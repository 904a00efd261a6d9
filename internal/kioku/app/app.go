// Package app wires Kioku together: one chat gateway, the memory engine,
// the generative backend, the inspection API and the maintenance job.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bdobrica/kioku/common/trace"
	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/dispatch"
	"github.com/bdobrica/kioku/internal/kioku/gateway"
	"github.com/bdobrica/kioku/internal/kioku/llm"
	"github.com/bdobrica/kioku/internal/kioku/matrix"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/observability"
	"github.com/bdobrica/kioku/internal/kioku/store"
	"github.com/bdobrica/kioku/internal/kioku/telegram"
)

// ApologyMessage is sent instead of a reply when the backend fails. It is
// never stored as a turn.
const ApologyMessage = "Sorry, I can't answer right now. Please try again in a moment."

// Gateway is a chat platform connection.
type Gateway interface {
	// Start begins delivering messages to handler in the background.
	Start(ctx context.Context, handler gateway.Handler) error
	Stop()
	// Send posts text to a channel and returns the platform message id.
	Send(ctx context.Context, channelID, text string) (string, error)
	SelfID() string
	SelfName() string
}

// Responder produces replies.
type Responder interface {
	Respond(ctx context.Context, prompt, system string) (string, error)
}

// Backend is what the app needs from the generative backend.
type Backend interface {
	Responder
	memory.Summarizer
}

var (
	_ Gateway = (*matrix.Gateway)(nil)
	_ Gateway = (*telegram.Gateway)(nil)
	_ Backend = (*llm.Client)(nil)
)

// App is the running bot.
type App struct {
	cfg     *config.Config
	store   *store.Store
	gateway Gateway
	backend Backend
	logger  *slog.Logger

	archive    *memory.Archive
	resolver   *memory.KeyResolver
	threads    *memory.ThreadStore
	userFacts  *memory.FactStore
	teamFacts  *memory.FactStore
	prompts    *memory.PromptAssembler
	dispatcher *dispatch.Dispatcher

	api         *APIServer
	maintenance *Maintenance

	now      func() time.Time
	stopOnce sync.Once
}

// New opens the store, builds the backend client and connects the
// configured gateway.
func New(cfg *config.Config) (*App, error) {
	logger := slog.Default()

	st, err := store.Open(context.Background(), cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	maxRetries := cfg.LLM.MaxRetries
	if maxRetries == 0 {
		// llm treats zero as "use the default"; here zero means none.
		maxRetries = -1
	}
	backend := llm.New(llm.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		System:     cfg.LLM.System,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: maxRetries,
	}, logger.With("component", "llm"))

	gw, err := newGateway(cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	a, err := NewWithDeps(cfg, st, gw, backend, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func newGateway(cfg *config.Config, st *store.Store, logger *slog.Logger) (Gateway, error) {
	switch cfg.Gateway {
	case config.GatewayMatrix:
		gw, err := matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.Matrix.Rooms,
			GuildID:     cfg.Matrix.GuildID,
			Store:       st,
		}, logger.With("component", "matrix"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Matrix gateway: %w", err)
		}
		return gw, nil
	case config.GatewayTelegram:
		gw, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, logger.With("component", "telegram"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Telegram gateway: %w", err)
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown gateway %q", cfg.Gateway)
	}
}

// NewWithDeps assembles an App from already constructed parts. The App
// takes ownership of st and closes it on Stop.
func NewWithDeps(cfg *config.Config, st *store.Store, gw Gateway, backend Backend, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	archive := memory.NewArchive(st, logger)
	evictor := memory.NewEvictor(st, backend, cfg.Memory.MaxChars, logger)
	threads := memory.NewThreadStore(st, evictor, logger)
	userFacts := memory.NewUserFacts(st, cfg.Memory.UserFactCap, logger)
	teamFacts := memory.NewTeamFacts(st, cfg.Memory.TeamFactCap, logger)
	retriever := memory.NewRetriever(st, logger)

	a := &App{
		cfg:        cfg,
		store:      st,
		gateway:    gw,
		backend:    backend,
		logger:     logger,
		archive:    archive,
		resolver:   memory.NewKeyResolver(logger, archive),
		threads:    threads,
		userFacts:  userFacts,
		teamFacts:  teamFacts,
		prompts:    memory.NewPromptAssembler(threads, userFacts, teamFacts, retriever, cfg.PromptOptions(), logger),
		dispatcher: dispatch.New(logger),
		now:        time.Now,
	}

	if cfg.HTTPAddr != "" {
		a.api = NewAPIServer(cfg.HTTPAddr, st, threads, userFacts, teamFacts, logger)
	}
	if cfg.MaintenanceSchedule != "" {
		m, err := NewMaintenance(cfg.MaintenanceSchedule, st, logger)
		if err != nil {
			return nil, err
		}
		a.maintenance = m
	}
	return a, nil
}

// Run serves until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return a.Serve(ctx)
}

// Serve starts every component and blocks until ctx is done, then stops.
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("starting kioku", "version", version.Version, "gateway", a.cfg.Gateway, "config", a.cfg)

	if a.api != nil {
		if err := a.api.Start(ctx); err != nil {
			a.Stop()
			return err
		}
	}
	if a.maintenance != nil {
		a.maintenance.Start()
	}
	if err := a.gateway.Start(ctx, a.HandleEvent); err != nil {
		a.Stop()
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	a.logger.Info("kioku is running", "self_id", a.gateway.SelfID(), "self_name", a.gateway.SelfName())

	<-ctx.Done()
	a.logger.Info("shutting down")
	a.Stop()
	return nil
}

// Stop disconnects the gateway, waits for in-flight events and closes the
// store. It is safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.gateway.Stop()
		a.dispatcher.Close()
		if a.maintenance != nil {
			a.maintenance.Stop()
		}
		if a.api != nil {
			a.api.Stop()
		}
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", "err", err)
		}
	})
}

// HandleEvent is the gateway handler. Each event gets a trace id and is
// processed on the dispatcher, in order per channel.
func (a *App) HandleEvent(ctx context.Context, ev memory.Event) {
	// In-flight work finishes during shutdown instead of being cancelled.
	ctx = trace.WithTraceID(context.WithoutCancel(ctx), trace.GenerateID())
	if err := a.dispatcher.Submit(ev.ChannelID, func() { a.process(ctx, ev) }); err != nil {
		observability.TraceLogger(ctx, a.logger).Warn("event dropped", "message_id", ev.ID, "err", err)
	}
}

// process archives ev and, when the bot is addressed, answers it.
func (a *App) process(ctx context.Context, ev memory.Event) {
	log := observability.TraceLogger(ctx, a.logger).With("message_id", ev.ID, "channel_id", ev.ChannelID)

	inserted, err := a.archive.Append(ctx, memory.ArchivedFromEvent(ev))
	if err != nil {
		log.Error("failed to archive message", "err", err)
		return
	}
	if !inserted {
		log.Debug("duplicate delivery ignored")
		return
	}

	selfID := a.gateway.SelfID()
	if ev.AuthorID == selfID || ev.AuthorIsBot {
		return
	}
	if !ev.Direct && !ev.Mentioned(selfID) {
		return
	}

	key := a.resolver.Resolve(ctx, ev)
	log = log.With("thread_key", key)
	if err := a.threads.AddTurn(ctx, key, memory.RoleUser, ev.Content); err != nil {
		log.Error("failed to store user turn", "err", err)
		return
	}

	prompt, err := a.prompts.Build(ctx, key, ev, selfID)
	if err != nil {
		log.Error("failed to build prompt", "err", err)
		return
	}

	start := time.Now()
	reply, err := a.backend.Respond(ctx, prompt, a.cfg.LLM.System)
	if err != nil {
		log.Warn("backend failed; sending apology", "err", err)
		a.send(ctx, log, ev, ApologyMessage)
		return
	}
	log.Info("reply generated",
		"prompt_chars", len([]rune(prompt)),
		"reply_chars", len([]rune(reply)),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := a.threads.AddTurn(ctx, key, memory.RoleAssistant, reply); err != nil {
		log.Error("failed to store assistant turn", "err", err)
	}
	a.send(ctx, log, ev, reply)
}

// send posts text in chunks and archives each sent chunk as a reply to ev,
// so a later reply to the bot's message stays in ev's reply chain.
func (a *App) send(ctx context.Context, log *slog.Logger, ev memory.Event, text string) {
	for i, chunk := range gateway.Split(text, a.cfg.ChunkLimit) {
		messageID, err := a.gateway.Send(ctx, ev.ChannelID, chunk)
		if err != nil {
			log.Error("failed to send reply", "chunk", i, "err", err)
			return
		}
		if messageID == "" {
			continue
		}
		_, err = a.archive.Append(ctx, memory.ArchivedMessage{
			MessageID:   messageID,
			ChannelID:   ev.ChannelID,
			GuildID:     ev.GuildID,
			AuthorID:    a.gateway.SelfID(),
			AuthorName:  a.gateway.SelfName(),
			Content:     chunk,
			IsBot:       true,
			ReferenceID: ev.ID,
			CreatedAt:   a.now(),
		})
		if err != nil {
			log.Warn("failed to archive sent message", "sent_id", messageID, "err", err)
		}
	}
}
