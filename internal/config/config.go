// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Completion upstream (OpenAI-style chat completions).
	CompletionURL    string
	CompletionAPIKey string
	CompletionModel  string

	// Hosted backend holding children records and session snapshots.
	BackendURL     string
	BackendAnonKey string

	// Tunables of the synchronization state machine. The defaults mirror the
	// constants the product shipped with; they are configuration, not
	// invariants.
	ProfilePushDebounce    time.Duration
	ResumeThreshold        int
	HistoryWindow          int
	FinalizeLimit          int
	CompletionHistoryLimit int
	MaxContentLen          int
	MaxMessagesInRequest   int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/tanken.db"),

		CompletionURL:    getEnv("COMPLETION_URL", "https://api.openai.com/v1/chat/completions"),
		CompletionAPIKey: getEnv("COMPLETION_API_KEY", ""),
		CompletionModel:  getEnv("COMPLETION_MODEL", "gpt-4o-mini"),

		BackendURL:     getEnv("BACKEND_URL", ""),
		BackendAnonKey: getEnv("BACKEND_ANON_KEY", ""),

		ProfilePushDebounce:    getEnvDuration("PROFILE_PUSH_DEBOUNCE", 700*time.Millisecond),
		ResumeThreshold:        getEnvInt("RESUME_THRESHOLD", 2),
		HistoryWindow:          getEnvInt("HISTORY_WINDOW", 16),
		FinalizeLimit:          getEnvInt("FINALIZE_LIMIT", 120),
		CompletionHistoryLimit: getEnvInt("COMPLETION_HISTORY_LIMIT", 60),
		MaxContentLen:          getEnvInt("MAX_CONTENT_LEN", 2000),
		MaxMessagesInRequest:   getEnvInt("MAX_MESSAGES_IN_REQUEST", 200),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.CompletionURL == "" {
		return fmt.Errorf("COMPLETION_URL cannot be empty")
	}
	if c.ProfilePushDebounce <= 0 {
		return fmt.Errorf("PROFILE_PUSH_DEBOUNCE must be > 0")
	}
	if c.ResumeThreshold < 1 {
		return fmt.Errorf("RESUME_THRESHOLD must be >= 1")
	}
	if c.HistoryWindow < 1 {
		return fmt.Errorf("HISTORY_WINDOW must be >= 1")
	}
	if c.FinalizeLimit < 1 {
		return fmt.Errorf("FINALIZE_LIMIT must be >= 1")
	}
	if c.CompletionHistoryLimit < 1 {
		return fmt.Errorf("COMPLETION_HISTORY_LIMIT must be >= 1")
	}
	if c.MaxContentLen < 1 {
		return fmt.Errorf("MAX_CONTENT_LEN must be >= 1")
	}
	if c.MaxMessagesInRequest < 1 {
		return fmt.Errorf("MAX_MESSAGES_IN_REQUEST must be >= 1")
	}
	return nil
}

// HasBackend reports whether the hosted backend is configured. Without it
// the service still runs: remote reconciliation, resumption, and
// finalization are disabled and chat is local-only.
func (c *Config) HasBackend() bool {
	return c.BackendURL != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
