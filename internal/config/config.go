// Package config resolves process configuration from the environment (and an
// optional .env file) into an immutable Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	DatabaseURL    string
	MigrationsPath string
	RunMigrations  bool

	LogLevel string
	LogJSON  bool

	// RedisURL is optional. Without it OAuth state lives in memory and the sweep
	// runs without a distributed lock.
	RedisURL string

	JWTSecret        string
	InternalWSSecret string
	CORSOrigins      []string

	LemonSqueezyWebhookSecret string
	StripeWebhookSecret       string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	LinkedIn LinkedIn

	Scheduler Scheduler

	TrialDuration          time.Duration
	TrialWordLimit         int
	EnforceImageDimensions bool
}

type LinkedIn struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// DoneURL is the app page the OAuth callback redirects to.
	DoneURL  string
	APIBase  string
	StateTTL time.Duration
	RPS      float64
	Burst    int
}

type Scheduler struct {
	Enabled bool
	// Spec is a robfig/cron spec, "@every 1m" by default.
	Spec           string
	BatchSize      int
	SweepTimeout   time.Duration
	ExpiryEnabled  bool
	ExpiryInterval time.Duration
}

var keys = []string{
	"PORT", "DATABASE_URL", "MIGRATIONS_PATH", "RUN_MIGRATIONS",
	"LOG_LEVEL", "LOG_JSON", "REDIS_URL",
	"JWT_SECRET", "INTERNAL_WS_SECRET", "CORS_ORIGINS",
	"LEMONSQUEEZY_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRET",
	"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL",
	"LINKEDIN_CLIENT_ID", "LINKEDIN_CLIENT_SECRET", "LINKEDIN_REDIRECT_URL", "LINKEDIN_DONE_URL", "LINKEDIN_API_BASE",
	"LINKEDIN_STATE_TTL", "LINKEDIN_RPS", "LINKEDIN_BURST",
	"SCHEDULED_POSTS_ENABLED", "SCHEDULED_POSTS_SPEC", "SCHEDULED_POSTS_BATCH", "SCHEDULED_POSTS_SWEEP_TIMEOUT_SECONDS",
	"SUBSCRIPTION_EXPIRY_ENABLED", "SUBSCRIPTION_EXPIRY_INTERVAL_SECONDS",
	"TRIAL_DURATION", "TRIAL_WORD_LIMIT", "ENFORCE_IMAGE_DIMENSIONS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "18911")
	v.SetDefault("MIGRATIONS_PATH", "file://db/migrations")
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", true)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com")
	v.SetDefault("LINKEDIN_API_BASE", "https://api.linkedin.com")
	v.SetDefault("LINKEDIN_STATE_TTL", 10*time.Minute)
	v.SetDefault("LINKEDIN_RPS", 1.0)
	v.SetDefault("LINKEDIN_BURST", 2)
	v.SetDefault("SCHEDULED_POSTS_ENABLED", true)
	v.SetDefault("SCHEDULED_POSTS_SPEC", "@every 1m")
	v.SetDefault("SCHEDULED_POSTS_BATCH", 100)
	v.SetDefault("SUBSCRIPTION_EXPIRY_ENABLED", true)
	v.SetDefault("TRIAL_DURATION", 5*24*time.Hour)
	v.SetDefault("TRIAL_WORD_LIMIT", 3000)
	v.SetDefault("ENFORCE_IMAGE_DIMENSIONS", false)
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from an arbitrary lookup, so callers and tests can inject
// their own environment.
func FromEnv(getenv func(string) string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, k := range keys {
		if val := strings.TrimSpace(getenv(k)); val != "" {
			v.Set(k, val)
		}
	}

	cfg := Config{
		Port:           v.GetString("PORT"),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		MigrationsPath: v.GetString("MIGRATIONS_PATH"),
		RunMigrations:  v.GetBool("RUN_MIGRATIONS"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogJSON:        v.GetBool("LOG_JSON"),
		RedisURL:       v.GetString("REDIS_URL"),

		JWTSecret:        v.GetString("JWT_SECRET"),
		InternalWSSecret: v.GetString("INTERNAL_WS_SECRET"),
		CORSOrigins:      splitList(v.GetString("CORS_ORIGINS")),

		LemonSqueezyWebhookSecret: v.GetString("LEMONSQUEEZY_WEBHOOK_SECRET"),
		StripeWebhookSecret:       v.GetString("STRIPE_WEBHOOK_SECRET"),

		OpenAIAPIKey:  v.GetString("OPENAI_API_KEY"),
		OpenAIModel:   v.GetString("OPENAI_MODEL"),
		OpenAIBaseURL: strings.TrimRight(v.GetString("OPENAI_BASE_URL"), "/"),

		LinkedIn: LinkedIn{
			ClientID:     v.GetString("LINKEDIN_CLIENT_ID"),
			ClientSecret: v.GetString("LINKEDIN_CLIENT_SECRET"),
			RedirectURL:  v.GetString("LINKEDIN_REDIRECT_URL"),
			DoneURL:      v.GetString("LINKEDIN_DONE_URL"),
			APIBase:      strings.TrimRight(v.GetString("LINKEDIN_API_BASE"), "/"),
			StateTTL:     v.GetDuration("LINKEDIN_STATE_TTL"),
			RPS:          v.GetFloat64("LINKEDIN_RPS"),
			Burst:        v.GetInt("LINKEDIN_BURST"),
		},

		Scheduler: Scheduler{
			Enabled:        v.GetBool("SCHEDULED_POSTS_ENABLED"),
			Spec:           v.GetString("SCHEDULED_POSTS_SPEC"),
			BatchSize:      v.GetInt("SCHEDULED_POSTS_BATCH"),
			SweepTimeout:   intervalSeconds(v, "SCHEDULED_POSTS_SWEEP_TIMEOUT_SECONDS", 5*time.Minute),
			ExpiryEnabled:  v.GetBool("SUBSCRIPTION_EXPIRY_ENABLED"),
			ExpiryInterval: intervalSeconds(v, "SUBSCRIPTION_EXPIRY_INTERVAL_SECONDS", time.Hour),
		},

		TrialDuration:          v.GetDuration("TRIAL_DURATION"),
		TrialWordLimit:         v.GetInt("TRIAL_WORD_LIMIT"),
		EnforceImageDimensions: v.GetBool("ENFORCE_IMAGE_DIMENSIONS"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.LinkedIn.RPS <= 0 {
		cfg.LinkedIn.RPS = 1
	}
	if cfg.LinkedIn.Burst <= 0 {
		cfg.LinkedIn.Burst = 1
	}
	if cfg.TrialDuration <= 0 {
		cfg.TrialDuration = 5 * 24 * time.Hour
	}
	if cfg.TrialWordLimit <= 0 {
		cfg.TrialWordLimit = 3000
	}
	return cfg, nil
}

// intervalSeconds reads a positive whole number of seconds, falling back to def on
// anything else.
func intervalSeconds(v *viper.Viper, key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
