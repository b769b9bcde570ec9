package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	DatabaseURL     string
	RedisURL        string
	RedisSessionTTL time.Duration

	ProviderBaseURL      string
	ProviderAPIKey       string
	ProviderModels       []string
	ProviderRPMLimit     int
	ProviderMaxRetries   int
	CallTimeout          time.Duration
	StreamIdleTimeout    time.Duration
	BreakerThreshold     int
	BreakerCooldown      time.Duration
	PrimaryResetCooldown time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration

	ClassifierURL     string
	ClassifierAPIKey  string
	ClassifierTimeout time.Duration

	ContextTokenCeiling int
	ContextRecentTurns  int
	SummaryModel        string

	SeedDefaultRules bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "critterchat"),
		AllowAnyOrigin:           false,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		RedisURL:                 stringsTrimSpace("REDIS_URL"),
		RedisSessionTTL:          24 * time.Hour,
		ProviderBaseURL:          stringsTrimSpace("PROVIDER_BASE_URL"),
		ProviderAPIKey:           stringsTrimSpace("PROVIDER_API_KEY"),
		ProviderModels:           splitList(envOrDefault("PROVIDER_MODELS", "critter-1,critter-1-mini")),
		ProviderRPMLimit:         60,
		ProviderMaxRetries:       2,
		CallTimeout:              30 * time.Second,
		StreamIdleTimeout:        15 * time.Second,
		BreakerThreshold:         5,
		BreakerCooldown:          30 * time.Second,
		PrimaryResetCooldown:     2 * time.Minute,
		BackoffBase:              time.Second,
		BackoffCap:               60 * time.Second,
		ClassifierURL:            stringsTrimSpace("CLASSIFIER_URL"),
		ClassifierAPIKey:         stringsTrimSpace("CLASSIFIER_API_KEY"),
		ClassifierTimeout:        5 * time.Second,
		ContextTokenCeiling:      20000,
		ContextRecentTurns:       10,
		SummaryModel:             stringsTrimSpace("SUMMARY_MODEL"),
		SeedDefaultRules:         true,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisSessionTTL, err = durationFromEnv("REDIS_SESSION_TTL", cfg.RedisSessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderRPMLimit, err = intFromEnv("PROVIDER_RPM_LIMIT", cfg.ProviderRPMLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderMaxRetries, err = intFromEnv("PROVIDER_MAX_RETRIES", cfg.ProviderMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.CallTimeout, err = durationFromEnv("PROVIDER_CALL_TIMEOUT", cfg.CallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamIdleTimeout, err = durationFromEnv("PROVIDER_STREAM_IDLE_TIMEOUT", cfg.StreamIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerThreshold, err = intFromEnv("PROVIDER_BREAKER_THRESHOLD", cfg.BreakerThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerCooldown, err = durationFromEnv("PROVIDER_BREAKER_COOLDOWN", cfg.BreakerCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.PrimaryResetCooldown, err = durationFromEnv("PROVIDER_PRIMARY_RESET_COOLDOWN", cfg.PrimaryResetCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.BackoffBase, err = durationFromEnv("PROVIDER_BACKOFF_BASE", cfg.BackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.BackoffCap, err = durationFromEnv("PROVIDER_BACKOFF_CAP", cfg.BackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ClassifierTimeout, err = durationFromEnv("CLASSIFIER_TIMEOUT", cfg.ClassifierTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextTokenCeiling, err = intFromEnv("CONTEXT_TOKEN_CEILING", cfg.ContextTokenCeiling)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextRecentTurns, err = intFromEnv("CONTEXT_RECENT_TURNS", cfg.ContextRecentTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.SeedDefaultRules, err = boolFromEnv("APP_SEED_DEFAULT_RULES", cfg.SeedDefaultRules)
	if err != nil {
		return Config{}, err
	}

	if len(cfg.ProviderModels) == 0 {
		return Config{}, fmt.Errorf("PROVIDER_MODELS must name at least one model")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ProviderRPMLimit <= 0 {
		return Config{}, fmt.Errorf("PROVIDER_RPM_LIMIT must be positive")
	}
	if cfg.ContextTokenCeiling <= 0 {
		return Config{}, fmt.Errorf("CONTEXT_TOKEN_CEILING must be positive")
	}
	if cfg.ContextRecentTurns <= 0 {
		return Config{}, fmt.Errorf("CONTEXT_RECENT_TURNS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
