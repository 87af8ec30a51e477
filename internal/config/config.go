package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr        string
	RedisURL    string
	DatabaseURL string
	CORSOrigin  string

	// Atlassian OAuth
	AtlassianClientID     string
	AtlassianClientSecret string
	AtlassianRedirectURI  string
	AtlassianScopes       string

	// Sessions / cookies
	SecretKey    string
	SessionTTL   time.Duration
	CookieSecure bool

	// Query configuration file (optional, defaults apply when empty)
	QueryConfigPath string

	Query QueryConfig
}

// QueryConfig drives the reporter query issued during project sync. Jira
// installations vary in both language and workflow, so the tracked issue
// types and the statuses considered terminal are configuration, not code.
type QueryConfig struct {
	TrackedTypes []string `yaml:"tracked_types"`
	DoneStatuses []string `yaml:"done_statuses"`
}

// DefaultQueryConfig covers the English and French status names commonly
// found in Jira Cloud instances.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		TrackedTypes: []string{"Epic", "Story", "Étude"},
		DoneStatuses: []string{
			"Done", "Closed", "Resolved", "Cancelled", "Canceled",
			"Terminé", "Fermé", "Résolu", "Annulé",
		},
	}
}

func Load() Config {
	cfg := Config{
		Addr:        getenv("API_ADDR", ":8788"),
		RedisURL:    getenv("REDIS_URL", ""),
		DatabaseURL: getenv("DATABASE_URL", ""),
		CORSOrigin:  getenv("JIRAVISION_CORS_ORIGIN", "*"),

		AtlassianClientID:     getenv("ATLASSIAN_CLIENT_ID", ""),
		AtlassianClientSecret: getenv("ATLASSIAN_CLIENT_SECRET", ""),
		AtlassianRedirectURI:  getenv("ATLASSIAN_REDIRECT_URI", "http://localhost:8788/api/auth/callback"),
		AtlassianScopes:       getenv("ATLASSIAN_SCOPES", "read:jira-work read:jira-user offline_access"),

		SecretKey:    getenv("JIRAVISION_SECRET_KEY", "jiravision-dev-secret"),
		SessionTTL:   time.Duration(getenvInt("JIRAVISION_SESSION_TTL_SECONDS", 28800)) * time.Second,
		CookieSecure: getenvBool("JIRAVISION_COOKIE_SECURE", false),

		QueryConfigPath: getenv("JIRAVISION_QUERY_CONFIG", ""),
	}

	cfg.Query = DefaultQueryConfig()
	if cfg.QueryConfigPath != "" {
		if loaded, err := LoadQueryConfig(cfg.QueryConfigPath); err == nil {
			cfg.Query = loaded
		}
	}
	return cfg
}

// LoadQueryConfig reads a YAML query configuration file. Missing fields
// keep their defaults.
func LoadQueryConfig(path string) (QueryConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return QueryConfig{}, fmt.Errorf("read query config: %w", err)
	}
	cfg := DefaultQueryConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return QueryConfig{}, fmt.Errorf("parse query config: %w", err)
	}
	if len(cfg.TrackedTypes) == 0 {
		cfg.TrackedTypes = DefaultQueryConfig().TrackedTypes
	}
	if len(cfg.DoneStatuses) == 0 {
		cfg.DoneStatuses = DefaultQueryConfig().DoneStatuses
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
