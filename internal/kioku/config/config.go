// Package config loads Kioku's runtime configuration.
//
// Values are layered: built-in defaults, then an optional YAML file
// (validated against the embedded JSON schema), then environment variables.
// The environment always wins so container deployments can override a baked
// in file without editing it.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/kioku/common/environment"
	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/internal/kioku/gateway"
	"github.com/bdobrica/kioku/internal/kioku/llm"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

//go:embed schema.json
var schemaJSON string

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Gateway names.
const (
	GatewayMatrix   = "matrix"
	GatewayTelegram = "telegram"
)

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

// MatrixConfig holds Matrix gateway settings.
type MatrixConfig struct {
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	Rooms       []string `yaml:"rooms"`
	// GuildID groups the joined rooms into one guild for team facts and
	// cross-room user activity.
	GuildID string `yaml:"guild_id"`
}

// TelegramConfig holds Telegram gateway settings.
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// LLMConfig holds generative backend settings.
type LLMConfig struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	System     string        `yaml:"system"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// MemoryConfig bounds the memory engine.
type MemoryConfig struct {
	Preface       string        `yaml:"preface"`
	MaxChars      int           `yaml:"max_chars"`
	UserFactCap   int           `yaml:"user_fact_cap"`
	TeamFactCap   int           `yaml:"team_fact_cap"`
	AmbientWindow time.Duration `yaml:"ambient_window"`
	AmbientLimit  int           `yaml:"ambient_limit"`
	MentionWindow time.Duration `yaml:"mention_window"`
	MentionLimit  int           `yaml:"mention_limit"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete runtime configuration.
type Config struct {
	Gateway  string         `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Telegram TelegramConfig `yaml:"telegram"`
	LLM      LLMConfig      `yaml:"llm"`
	Memory   MemoryConfig   `yaml:"memory"`
	Log      LogConfig      `yaml:"log"`

	// ChunkLimit is the largest outbound message in characters.
	ChunkLimit int `yaml:"chunk_limit"`

	// HTTPAddr enables the health/inspection API when non-empty.
	HTTPAddr string `yaml:"http_addr"`

	// MaintenanceSchedule is a cron spec for store housekeeping, e.g.
	// "@every 6h". Empty disables it.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`
}

// Default returns the built-in configuration.
func Default() *Config {
	prompt := memory.DefaultPromptOptions()
	return &Config{
		Gateway: GatewayMatrix,
		Database: DatabaseConfig{
			Driver: string(store.SQLite),
			Path:   "./kioku.db",
		},
		LLM: LLMConfig{
			BaseURL:    llm.DefaultBaseURL,
			Model:      llm.DefaultModel,
			System:     llm.DefaultSystem,
			Timeout:    llm.DefaultTimeout,
			MaxRetries: 2,
		},
		Memory: MemoryConfig{
			Preface:       prompt.Preface,
			MaxChars:      memory.DefaultMaxChars,
			UserFactCap:   memory.DefaultUserFactCap,
			TeamFactCap:   memory.DefaultTeamFactCap,
			AmbientWindow: prompt.AmbientWindow,
			AmbientLimit:  prompt.AmbientLimit,
			MentionWindow: prompt.MentionWindow,
			MentionLimit:  prompt.MentionLimit,
		},
		Log:                 LogConfig{Level: "info", Format: "text"},
		ChunkLimit:          gateway.DefaultChunkLimit,
		HTTPAddr:            ":8080",
		MaintenanceSchedule: "@every 6h",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read layers defaults, the YAML file and the environment without the
// cross-field checks. Offline tools that only touch the store use it with
// ValidateDatabase.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// applyYAML validates data against the schema and decodes it over cfg.
func (c *Config) applyYAML(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := validateSchema(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func validateSchema(doc any) error {
	schema, err := jsonschema.CompileString("schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON-native types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema input: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("schema input: %w", err)
	}
	return schema.Validate(v)
}

func (c *Config) applyEnv() error {
	environment.String(&c.Gateway, "GATEWAY")
	environment.String(&c.Database.Driver, "DATABASE_DRIVER")
	environment.String(&c.Database.Path, "DATABASE_PATH")
	environment.String(&c.Database.URL, "DATABASE_URL")
	environment.String(&c.Matrix.Homeserver, "MATRIX_HOMESERVER")
	environment.String(&c.Matrix.UserID, "MATRIX_USER_ID")
	environment.String(&c.Matrix.AccessToken, "MATRIX_ACCESS_TOKEN")
	environment.StringSlice(&c.Matrix.Rooms, "MATRIX_ROOMS")
	environment.String(&c.Matrix.GuildID, "MATRIX_GUILD_ID")
	environment.String(&c.Telegram.Token, "TELEGRAM_TOKEN")
	environment.String(&c.LLM.APIKey, "KIOKU_LLM_API_KEY")
	environment.String(&c.LLM.BaseURL, "KIOKU_LLM_BASE_URL")
	environment.String(&c.LLM.Model, "KIOKU_LLM_MODEL")
	environment.String(&c.LLM.System, "KIOKU_LLM_SYSTEM")
	environment.String(&c.HTTPAddr, "HTTP_ADDR")
	environment.String(&c.MaintenanceSchedule, "MAINTENANCE_SCHEDULE")
	environment.String(&c.Log.Level, "LOG_LEVEL")
	environment.String(&c.Log.Format, "LOG_FORMAT")

	return environment.Collect(
		environment.Duration(&c.LLM.Timeout, "KIOKU_LLM_TIMEOUT"),
		environment.Int(&c.LLM.MaxRetries, "KIOKU_LLM_MAX_RETRIES"),
		environment.Int(&c.Memory.MaxChars, "KIOKU_MAX_CHARS"),
		environment.Int(&c.Memory.UserFactCap, "KIOKU_USER_FACT_CAP"),
		environment.Int(&c.Memory.TeamFactCap, "KIOKU_TEAM_FACT_CAP"),
		environment.Duration(&c.Memory.AmbientWindow, "KIOKU_AMBIENT_WINDOW"),
		environment.Int(&c.Memory.AmbientLimit, "KIOKU_AMBIENT_LIMIT"),
		environment.Duration(&c.Memory.MentionWindow, "KIOKU_MENTION_WINDOW"),
		environment.Int(&c.Memory.MentionLimit, "KIOKU_MENTION_LIMIT"),
		environment.Int(&c.ChunkLimit, "KIOKU_CHUNK_LIMIT"),
	)
}

// Validate checks cross-field requirements that the schema cannot express
// and that environment overrides may have broken.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := c.databaseError(); err != nil {
		errs = append(errs, err)
	}

	switch c.Gateway {
	case GatewayMatrix:
		if c.Matrix.Homeserver == "" {
			add("MATRIX_HOMESERVER is required")
		}
		if c.Matrix.UserID == "" {
			add("MATRIX_USER_ID is required")
		}
		if c.Matrix.AccessToken == "" {
			add("MATRIX_ACCESS_TOKEN is required")
		}
	case GatewayTelegram:
		if c.Telegram.Token == "" {
			add("TELEGRAM_TOKEN is required")
		}
	default:
		add("unknown gateway %q", c.Gateway)
	}

	positive := map[string]int{
		"max_chars":     c.Memory.MaxChars,
		"user_fact_cap": c.Memory.UserFactCap,
		"team_fact_cap": c.Memory.TeamFactCap,
		"ambient_limit": c.Memory.AmbientLimit,
		"mention_limit": c.Memory.MentionLimit,
		"chunk_limit":   c.ChunkLimit,
	}
	for name, v := range positive {
		if v <= 0 {
			add("%s must be positive, got %d", name, v)
		}
	}
	if c.Memory.AmbientWindow <= 0 || c.Memory.MentionWindow <= 0 {
		add("ambient_window and mention_window must be positive")
	}
	if c.LLM.Timeout <= 0 {
		add("llm timeout must be positive")
	}

	if c.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
			add("maintenance_schedule: %v", err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ValidateDatabase checks only the store settings.
func (c *Config) ValidateDatabase() error {
	if err := c.databaseError(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) databaseError() error {
	switch store.Dialect(c.Database.Driver) {
	case store.SQLite:
		if c.Database.Path == "" {
			return errors.New("DATABASE_PATH is required for sqlite")
		}
	case store.Postgres:
		if c.Database.URL == "" {
			return errors.New("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
}

// StoreOptions maps the database settings onto store.Open's options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver: store.Dialect(c.Database.Driver),
		Path:   c.Database.Path,
		URL:    c.Database.URL,
	}
}

// PromptOptions maps the memory settings onto the assembler's options.
func (c *Config) PromptOptions() memory.PromptOptions {
	return memory.PromptOptions{
		Preface:       c.Memory.Preface,
		TeamFactLimit: memory.TeamFactsPromptLimit,
		AmbientWindow: c.Memory.AmbientWindow,
		AmbientLimit:  c.Memory.AmbientLimit,
		MentionWindow: c.Memory.MentionWindow,
		MentionLimit:  c.Memory.MentionLimit,
	}
}

// LogValue implements slog.LogValuer with secrets redacted.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("gateway", c.Gateway),
		slog.String("database_driver", c.Database.Driver),
		slog.String("database_path", c.Database.Path),
		slog.String("database_url", redact.URL(c.Database.URL)),
		slog.String("matrix_homeserver", c.Matrix.Homeserver),
		slog.String("matrix_user_id", c.Matrix.UserID),
		slog.String("matrix_access_token", redact.Secret(c.Matrix.AccessToken)),
		slog.String("matrix_rooms", strings.Join(c.Matrix.Rooms, ",")),
		slog.String("telegram_token", redact.Secret(c.Telegram.Token)),
		slog.String("llm_base_url", c.LLM.BaseURL),
		slog.String("llm_model", c.LLM.Model),
		slog.String("llm_api_key", redact.Secret(c.LLM.APIKey)),
		slog.Int("max_chars", c.Memory.MaxChars),
		slog.String("http_addr", c.HTTPAddr),
		slog.String("maintenance_schedule", c.MaintenanceSchedule),
	)
}
