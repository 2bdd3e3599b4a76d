// Package config loads the YAML configuration, .env files and environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"MarketSignals/internal/collector"
	"MarketSignals/internal/dedupe"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/infrastructure/scheduler"
	"MarketSignals/internal/ratelimit"
	"MarketSignals/internal/signal"
	"MarketSignals/internal/validator"
)

const (
	defaultTimezone   = "UTC"
	configPathEnv     = "MARKET_SIGNALS_CONFIG"
	databaseDSNEnv    = "DATABASE_DSN"
	redisAddressEnv   = "REDIS_ADDRESS"
	sentimentKeyEnv   = "SENTIMENT_API_KEY"
	chatGPTAPIKeyEnv  = "CHATGPT_API_KEY"
	chatGPTModelEnv   = "CHATGPT_MODEL"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	logLevelEnv       = "LOG_LEVEL"
	serverAddrEnv     = "SERVER_ADDR"
)

// Source kinds.
const (
	SourceHTML = "html"
	SourceMock = "mock"
)

// Sentiment scorer kinds.
const (
	SentimentLexicon = "lexicon"
	SentimentML      = "ml"
	SentimentChat    = "chat"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config holds high-level settings required across the application.
type Config struct {
	Rate          RateConfig         `yaml:"rate"`
	Collect       CollectConfig      `yaml:"collect"`
	Validation    ValidateConfig     `yaml:"validate"`
	Dedupe        DedupeConfig       `yaml:"dedupe"`
	Signal        SignalConfig       `yaml:"signal"`
	Sources       []SourceConfig     `yaml:"sources"`
	Sentiment     SentimentConfig    `yaml:"sentiment"`
	ChatGPT       ChatGPTConfig      `yaml:"chatgpt"`
	Storage       StorageConfig      `yaml:"storage"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Notifications NotificationConfig `yaml:"notifications"`
	Server        ServerConfig       `yaml:"server"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// RateConfig shapes the admission gate. Durations are in seconds.
type RateConfig struct {
	Capacity              int     `yaml:"capacity"`
	RefillPerSecond       float64 `yaml:"refillPerSecond"`
	FailureThreshold      int     `yaml:"failureThreshold"`
	CoolDownSeconds       float64 `yaml:"coolDownSeconds"`
	MinIntervalSeconds    float64 `yaml:"minIntervalSeconds"`
	BackoffInitialSeconds float64 `yaml:"backoffInitialSeconds"`
	BackoffFactor         float64 `yaml:"backoffFactor"`
	MaxIntervalSeconds    float64 `yaml:"maxIntervalSeconds"`
}

// CollectConfig bounds a single collection run.
type CollectConfig struct {
	Workers           int     `yaml:"workers"`
	MaxAttempts       int     `yaml:"maxAttempts"`
	MaxWaitSeconds    float64 `yaml:"maxWaitSeconds"`
	RunTimeoutSeconds float64 `yaml:"runTimeoutSeconds"`
	MaxItems          int     `yaml:"maxItems"`
	JitterFraction    float64 `yaml:"jitterFraction"`
}

// ValidateConfig holds record validation rules.
type ValidateConfig struct {
	MinLength            int      `yaml:"minLength"`
	MaxLength            int      `yaml:"maxLength"`
	MaxAgeHours          float64  `yaml:"maxAgeHours"`
	MaxFutureSkewMinutes float64  `yaml:"maxFutureSkewMinutes"`
	QualityThreshold     float64  `yaml:"qualityThreshold"`
	SpamMarkers          []string `yaml:"spamMarkers"`
	RelevantTags         []string `yaml:"relevantTags"`
}

// DedupeConfig holds near-duplicate detection settings.
type DedupeConfig struct {
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	WindowMinutes       float64 `yaml:"windowMinutes"`
	Workers             int     `yaml:"workers"`
}

// SignalConfig holds window aggregation settings.
type SignalConfig struct {
	Weights                 signal.Weights `yaml:"weights"`
	WindowSeconds           float64        `yaml:"windowSeconds"`
	BootstrapSamples        int            `yaml:"bootstrapSamples"`
	BootstrapSeed           uint64         `yaml:"bootstrapSeed"`
	BaselineWindows         int            `yaml:"baselineWindows"`
	MedianHistory           int            `yaml:"medianHistory"`
	TemporalHalfLifeSeconds float64        `yaml:"temporalHalfLifeSeconds"`
	// FlushOnFinish emits open windows at the end of each run.
	FlushOnFinish bool `yaml:"flushOnFinish"`
}

// SourceConfig describes a single upstream with its adapter kind.
type SourceConfig struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	BaseURL string   `yaml:"baseUrl"`
	Queries []string `yaml:"queries"`
	// Mock-only knobs.
	Total     int    `yaml:"total"`
	FailEvery int    `yaml:"failEvery"`
	Seed      uint64 `yaml:"seed"`
}

// SentimentConfig selects the scorer.
type SentimentConfig struct {
	Kind           string             `yaml:"kind"`
	Endpoint       string             `yaml:"endpoint"`
	APIKey         string             `yaml:"apiKey"`
	TimeoutSeconds float64            `yaml:"timeoutSeconds"`
	Lexicon        map[string]float64 `yaml:"lexicon"`
}

// ChatGPTConfig defines how to contact the ChatGPT API.
type ChatGPTConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// StorageConfig selects where posts and windows are persisted.
type StorageConfig struct {
	Driver        string  `yaml:"driver"`
	DSN           string  `yaml:"dsn"`
	Migrate       bool    `yaml:"migrate"`
	RedisAddress  string  `yaml:"redisAddress"`
	RedisPassword string  `yaml:"redisPassword"`
	RedisDB       int     `yaml:"redisDb"`
	TTLHours      float64 `yaml:"ttlHours"`
}

// SchedulerConfig defines when the pipeline should run.
type SchedulerConfig struct {
	CronExpression string         `yaml:"cronExpression"`
	Timezone       string         `yaml:"timezone"`
	RunOnStart     bool           `yaml:"runOnStart"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram    TelegramConfig `yaml:"telegram"`
	MinAbsScore float64        `yaml:"minAbsScore"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
	APIBase  string `yaml:"apiBase"`
}

// Enabled reports whether both credentials are present.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// ServerConfig configures the status HTTP server. An empty address disables it.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads .env files, the YAML file at path (or $MARKET_SIGNALS_CONFIG) over
// the defaults, applies environment overrides and validates the result.
// The returned Config is usable for inspection even when the error is non-nil.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := loadEnvFiles(); err != nil {
		return cfg, err
	}

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	tzErr := cfg.bindTimezone()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, tzErr
}

// decode overlays YAML onto cfg; keys absent from the file keep their defaults
// and unknown keys are errors.
func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func loadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(redisAddressEnv); v != "" {
		c.Storage.RedisAddress = v
	}
	if v := os.Getenv(sentimentKeyEnv); v != "" {
		c.Sentiment.APIKey = v
	}
	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}
	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.ChatGPT.Model = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(serverAddrEnv); v != "" {
		c.Server.Addr = v
	}
}

func (c *Config) bindTimezone() error {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		c.Scheduler.location = time.UTC
		return fmt.Errorf("%w: scheduler.timezone %q: %w", domain.ErrInvalidConfig, tz, err)
	}
	c.Scheduler.location = loc
	return nil
}

// Validate checks every section and reports all offending keys at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.GateConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ValidatorConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.DedupeConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.SignalConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Collect.Workers < 1 {
		errs = append(errs, fmt.Errorf("collect.workers must be >= 1, got %d", c.Collect.Workers))
	}
	if c.Collect.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("collect.maxAttempts must be >= 1, got %d", c.Collect.MaxAttempts))
	}
	if c.Collect.MaxWaitSeconds <= 0 {
		errs = append(errs, fmt.Errorf("collect.maxWaitSeconds must be > 0, got %v", c.Collect.MaxWaitSeconds))
	}
	if c.Collect.RunTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("collect.runTimeoutSeconds must be >= 0, got %v", c.Collect.RunTimeoutSeconds))
	}
	if c.Collect.JitterFraction < 0 || c.Collect.JitterFraction > 1 {
		errs = append(errs, fmt.Errorf("collect.jitterFraction must be within [0,1], got %v", c.Collect.JitterFraction))
	}

	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("sources must list at least one source"))
	}
	seen := map[string]bool{}
	for i, s := range c.Sources {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("sources[%d].name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("sources[%d].name %q is duplicated", i, s.Name))
		}
		seen[s.Name] = true
		switch s.Kind {
		case SourceMock:
		case SourceHTML:
			if s.BaseURL == "" {
				errs = append(errs, fmt.Errorf("sources[%d].baseUrl is required for kind html", i))
			}
		default:
			errs = append(errs, fmt.Errorf("sources[%d].kind %q is not one of html, mock", i, s.Kind))
		}
	}

	switch c.Sentiment.Kind {
	case SentimentLexicon:
	case SentimentML:
		if c.Sentiment.Endpoint == "" {
			errs = append(errs, errors.New("sentiment.endpoint is required for kind ml"))
		}
	case SentimentChat:
		if c.ChatGPT.Endpoint == "" || c.ChatGPT.Model == "" {
			errs = append(errs, errors.New("chatgpt.endpoint and chatgpt.model are required for kind chat"))
		}
	default:
		errs = append(errs, fmt.Errorf("sentiment.kind %q is not one of lexicon, ml, chat", c.Sentiment.Kind))
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for driver postgres"))
		}
	case StorageRedis:
		if c.Storage.RedisAddress == "" {
			errs = append(errs, errors.New("storage.redisAddress is required for driver redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, postgres, redis", c.Storage.Driver))
	}

	if err := scheduler.ValidateSpec(c.Scheduler.CronExpression); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.cronExpression: %w", err))
	}
	if c.Notifications.MinAbsScore < 0 || c.Notifications.MinAbsScore > 1 {
		errs = append(errs, fmt.Errorf("notifications.minAbsScore must be within [0,1], got %v", c.Notifications.MinAbsScore))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Queries lists every configured query with the source that serves it.
func (c Config) Queries() []domain.Query {
	var out []domain.Query
	for _, s := range c.Sources {
		for _, q := range s.Queries {
			if q = strings.TrimSpace(q); q != "" {
				out = append(out, domain.Query{Term: q, Source: s.Name, MaxItems: c.Collect.MaxItems})
			}
		}
	}
	return out
}

// GateConfig converts the rate section.
func (c Config) GateConfig() ratelimit.Config {
	return ratelimit.Config{
		Capacity:         c.Rate.Capacity,
		RefillPerSecond:  c.Rate.RefillPerSecond,
		FailureThreshold: c.Rate.FailureThreshold,
		CoolDown:         seconds(c.Rate.CoolDownSeconds),
		MinInterval:      seconds(c.Rate.MinIntervalSeconds),
		BackoffInitial:   seconds(c.Rate.BackoffInitialSeconds),
		BackoffFactor:    c.Rate.BackoffFactor,
		MaxInterval:      seconds(c.Rate.MaxIntervalSeconds),
	}
}

// CollectorConfig converts the collect section. Retry backoff reuses the gate's curve.
func (c Config) CollectorConfig() collector.Config {
	return collector.Config{
		Workers:     c.Collect.Workers,
		MaxAttempts: c.Collect.MaxAttempts,
		MaxWait:     seconds(c.Collect.MaxWaitSeconds),
		RunTimeout:  seconds(c.Collect.RunTimeoutSeconds),
		MaxItems:    c.Collect.MaxItems,
		Backoff: collector.Backoff{
			Initial: seconds(c.Rate.BackoffInitialSeconds),
			Factor:  c.Rate.BackoffFactor,
			Max:     seconds(c.Rate.MaxIntervalSeconds),
			Jitter:  c.Collect.JitterFraction,
		},
	}
}

// ValidatorConfig converts the validate section.
func (c Config) ValidatorConfig() validator.Config {
	base := validator.DefaultConfig()
	base.MinLength = c.Validation.MinLength
	base.MaxLength = c.Validation.MaxLength
	base.MaxAge = hours(c.Validation.MaxAgeHours)
	base.MaxFutureSkew = minutes(c.Validation.MaxFutureSkewMinutes)
	base.QualityThreshold = c.Validation.QualityThreshold
	base.SpamMarkers = c.Validation.SpamMarkers
	base.RelevantTags = c.Validation.RelevantTags
	return base
}

// DedupeConfig converts the dedupe section.
func (c Config) DedupeConfig() dedupe.Config {
	return dedupe.Config{
		SimilarityThreshold: c.Dedupe.SimilarityThreshold,
		Window:              minutes(c.Dedupe.WindowMinutes),
		Workers:             c.Dedupe.Workers,
	}
}

// SignalConfig converts the signal section.
func (c Config) SignalConfig() signal.Config {
	base := signal.DefaultConfig()
	base.Window = seconds(c.Signal.WindowSeconds)
	base.Weights = c.Signal.Weights
	base.BootstrapSamples = c.Signal.BootstrapSamples
	base.Seed = c.Signal.BootstrapSeed
	base.BaselineWindows = c.Signal.BaselineWindows
	base.MedianHistory = c.Signal.MedianHistory
	base.HalfLife = seconds(c.Signal.TemporalHalfLifeSeconds)
	return base
}

// SentimentTimeout is the per-request scorer timeout.
func (c Config) SentimentTimeout() time.Duration {
	return seconds(c.Sentiment.TimeoutSeconds)
}

// StorageTTL is how long Redis keeps keys; zero keeps them forever.
func (c Config) StorageTTL() time.Duration {
	return hours(c.Storage.TTLHours)
}

// Default returns the documented defaults.
func Default() Config {
	gate := ratelimit.DefaultConfig()
	col := collector.DefaultConfig()
	val := validator.DefaultConfig()
	dd := dedupe.DefaultConfig()
	sig := signal.DefaultConfig()

	return Config{
		Rate: RateConfig{
			Capacity:              gate.Capacity,
			RefillPerSecond:       gate.RefillPerSecond,
			FailureThreshold:      gate.FailureThreshold,
			CoolDownSeconds:       gate.CoolDown.Seconds(),
			MinIntervalSeconds:    gate.MinInterval.Seconds(),
			BackoffInitialSeconds: gate.BackoffInitial.Seconds(),
			BackoffFactor:         gate.BackoffFactor,
			MaxIntervalSeconds:    gate.MaxInterval.Seconds(),
		},
		Collect: CollectConfig{
			Workers:           col.Workers,
			MaxAttempts:       col.MaxAttempts,
			MaxWaitSeconds:    col.MaxWait.Seconds(),
			RunTimeoutSeconds: col.RunTimeout.Seconds(),
			MaxItems:          col.MaxItems,
			JitterFraction:    col.Backoff.Jitter,
		},
		Validation: ValidateConfig{
			MinLength:            val.MinLength,
			MaxLength:            val.MaxLength,
			MaxAgeHours:          val.MaxAge.Hours(),
			MaxFutureSkewMinutes: val.MaxFutureSkew.Minutes(),
			QualityThreshold:     val.QualityThreshold,
			SpamMarkers:          val.SpamMarkers,
			RelevantTags:         val.RelevantTags,
		},
		Dedupe: DedupeConfig{
			SimilarityThreshold: dd.SimilarityThreshold,
			WindowMinutes:       dd.Window.Minutes(),
			Workers:             dd.Workers,
		},
		Signal: SignalConfig{
			Weights:          sig.Weights,
			WindowSeconds:    sig.Window.Seconds(),
			BootstrapSamples: sig.BootstrapSamples,
			BaselineWindows:  sig.BaselineWindows,
			MedianHistory:    sig.MedianHistory,
		},
		Sources: []SourceConfig{
			{Name: SourceMock, Kind: SourceMock, Queries: []string{"#nifty50"}},
		},
		Sentiment: SentimentConfig{Kind: SentimentLexicon, TimeoutSeconds: 10},
		ChatGPT: ChatGPTConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o-mini",
			SystemPrompt: "You rate the market sentiment of short social posts.",
		},
		Storage:       StorageConfig{Driver: StorageMemory},
		Scheduler:     SchedulerConfig{CronExpression: "*/5 * * * *", Timezone: defaultTimezone, location: time.UTC},
		Notifications: NotificationConfig{MinAbsScore: 0.2},
		Server:        ServerConfig{Addr: ":8080"},
		Logging:       LoggingConfig{Level: "info"},
	}
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
func minutes(m float64) time.Duration { return time.Duration(m * float64(time.Minute)) }
func hours(h float64) time.Duration   { return time.Duration(h * float64(time.Hour)) }
