// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from an optional config.yaml and
// environment variables. Environment variables always win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FlowControl bounds the broker's unacknowledged deliveries.
type FlowControl struct {
	MaxMessages      int
	MaxBytes         int
	MaxLeaseDuration time.Duration
}

// Config holds all configuration for the mailpush service.
type Config struct {
	// Pub/Sub
	Subscription    string
	ProjectID       string
	SubscriptionID  string
	TopicName       string
	PubSubCredsFile string
	FlowControl     FlowControl
	StopTimeout     time.Duration
	PushEnabled     bool
	PushToken       string

	// Gmail accounts
	TokensDir       string
	StateDir        string
	CredentialsFile string
	Accounts        []string
	ExcludeAccounts []string

	// Watch registration
	LabelIDs            []string
	LabelFilterBehavior string
	RenewalCheckHours   int
	RenewalMargin       time.Duration

	CatchUpInterval    time.Duration
	AttachmentMaxBytes int64

	// Storage
	StateBackend string
	DatabaseURL  string
	RedisURL     string
	EmailsQueue  string

	// Feature toggles
	ListenerEnabled    bool
	RenewalEnabled     bool
	DiagnosticsEnabled bool

	// Server (health + metrics)
	Port     int
	LogLevel slog.Level
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	PubSub struct {
		Subscription    string `yaml:"subscription"`
		ProjectID       string `yaml:"project_id"`
		SubscriptionID  string `yaml:"subscription_id"`
		Topic           string `yaml:"topic"`
		CredentialsFile string `yaml:"credentials_file"`
		PushToken       string `yaml:"push_token"`
	} `yaml:"pubsub"`
	Gmail struct {
		TokensDir       string   `yaml:"tokens_dir"`
		StateDir        string   `yaml:"state_dir"`
		CredentialsFile string   `yaml:"credentials_file"`
		Accounts        []string `yaml:"accounts"`
		ExcludeAccounts []string `yaml:"exclude_accounts"`
		LabelIDs        []string `yaml:"label_ids"`
	} `yaml:"gmail"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Emails string `yaml:"emails"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables, then validates it for the server. A missing config
// file is not an error.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses configuration without the server's cross-field checks. The
// operator tools use it and check only what they need.
func Read() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Environment-only configuration
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	tokensDir := firstNonEmpty(os.Getenv("GMAIL_TOKENS_DIR"), raw.Gmail.TokensDir, "secrets/tokens")

	cfg := &Config{
		Subscription:    firstNonEmpty(os.Getenv("PUBSUB_SUBSCRIPTION"), raw.PubSub.Subscription),
		ProjectID:       firstNonEmpty(os.Getenv("GCP_PROJECT_ID"), raw.PubSub.ProjectID),
		SubscriptionID:  firstNonEmpty(os.Getenv("PUBSUB_SUBSCRIPTION_ID"), raw.PubSub.SubscriptionID),
		TopicName:       firstNonEmpty(os.Getenv("PUBSUB_TOPIC_NAME"), raw.PubSub.Topic),
		PubSubCredsFile: firstNonEmpty(os.Getenv("PUBSUB_CREDENTIALS_FILE"), raw.PubSub.CredentialsFile),
		StopTimeout:     envOrDefaultDuration("PUBSUB_STOP_TIMEOUT", 5*time.Second),
		PushEnabled:     envOrDefaultBool("PUSH_ENDPOINT_ENABLED", false),
		PushToken:       firstNonEmpty(os.Getenv("PUSH_VERIFICATION_TOKEN"), raw.PubSub.PushToken),

		TokensDir:       tokensDir,
		StateDir:        firstNonEmpty(os.Getenv("GMAIL_STATE_DIR"), raw.Gmail.StateDir, tokensDir),
		CredentialsFile: firstNonEmpty(os.Getenv("GMAIL_CREDENTIALS_FILE"), raw.Gmail.CredentialsFile),
		Accounts:        listOrDefault("GMAIL_ACCOUNTS", raw.Gmail.Accounts),
		ExcludeAccounts: listOrDefault("GMAIL_EXCLUDE_ACCOUNTS", raw.Gmail.ExcludeAccounts),

		LabelIDs:            listOrDefault("WATCH_LABEL_IDS", raw.Gmail.LabelIDs),
		LabelFilterBehavior: strings.ToUpper(envOrDefault("WATCH_LABEL_FILTER_BEHAVIOR", "INCLUDE")),
		RenewalCheckHours:   envOrDefaultInt("WATCH_RENEWAL_CHECK_HOURS", 1),
		RenewalMargin:       envOrDefaultDuration("WATCH_RENEWAL_MARGIN", 24*time.Hour),

		CatchUpInterval:    envOrDefaultDuration("CATCHUP_INTERVAL", 15*time.Minute),
		AttachmentMaxBytes: int64(envOrDefaultInt("ATTACHMENT_MAX_BYTES", 25*1024*1024)),

		StateBackend: strings.ToLower(envOrDefault("STATE_BACKEND", "file")),
		DatabaseURL:  firstNonEmpty(os.Getenv("DATABASE_URL"), raw.Database.URL),
		RedisURL:     firstNonEmpty(os.Getenv("REDIS_URL"), raw.Redis.URL),
		EmailsQueue:  firstNonEmpty(os.Getenv("EMAILS_QUEUE"), raw.Redis.Queues.Emails, "emails"),

		ListenerEnabled:    envOrDefaultBool("LISTENER_ENABLED", true),
		RenewalEnabled:     envOrDefaultBool("WATCH_RENEWAL_ENABLED", true),
		DiagnosticsEnabled: envOrDefaultBool("STARTUP_DIAGNOSTICS_ENABLED", false),

		Port:     envOrDefaultInt("PORT", 8080),
		LogLevel: parseLevel(envOrDefault("LOG_LEVEL", "info")),
	}

	if len(cfg.LabelIDs) == 0 {
		cfg.LabelIDs = []string{"INBOX"}
	}

	// Flow control values must be valid when present: no silent fallback.
	if cfg.FlowControl.MaxMessages, err = envPositiveInt("PUBSUB_MAX_MESSAGES", 10); err != nil {
		return nil, err
	}
	if cfg.FlowControl.MaxBytes, err = envPositiveInt("PUBSUB_MAX_BYTES", 10*1024*1024); err != nil {
		return nil, err
	}
	leaseSeconds, err := envPositiveInt("PUBSUB_MAX_LEASE_DURATION", 600)
	if err != nil {
		return nil, err
	}
	cfg.FlowControl.MaxLeaseDuration = time.Duration(leaseSeconds) * time.Second

	return cfg, nil
}

// validate checks cross-field requirements. Only enabled features impose
// requirements, so a renewal-only deployment need not name a subscription.
func (c *Config) validate() error {
	if c.ListenerEnabled && c.Subscription == "" && (c.ProjectID == "" || c.SubscriptionID == "") {
		return fmt.Errorf("pub/sub subscription not provided: set PUBSUB_SUBSCRIPTION or GCP_PROJECT_ID + PUBSUB_SUBSCRIPTION_ID")
	}
	if c.RenewalEnabled {
		if err := c.ValidateTopic(); err != nil {
			return fmt.Errorf("watch renewal enabled: %w", err)
		}
		if c.RenewalCheckHours <= 0 {
			return fmt.Errorf("WATCH_RENEWAL_CHECK_HOURS must be positive, got %d", c.RenewalCheckHours)
		}
	}
	switch c.StateBackend {
	case "file":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STATE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q (want file or postgres)", c.StateBackend)
	}
	return nil
}

// ValidateTopic checks that TopicPath resolves to a complete topic name.
// A short topic name needs a project id.
func (c *Config) ValidateTopic() error {
	if c.TopicName == "" {
		return fmt.Errorf("PUBSUB_TOPIC_NAME is required")
	}
	if !strings.HasPrefix(c.TopicName, "projects/") && c.ProjectID == "" {
		return fmt.Errorf("GCP_PROJECT_ID is required for a short PUBSUB_TOPIC_NAME")
	}
	return nil
}

// TopicPath returns the fully-qualified topic used for watch registration.
func (c *Config) TopicPath() string {
	if strings.HasPrefix(c.TopicName, "projects/") {
		return c.TopicName
	}
	return fmt.Sprintf("projects/%s/topics/%s", c.ProjectID, c.TopicName)
}

// RenewalInterval is the watch renewal scan interval.
func (c *Config) RenewalInterval() time.Duration {
	return time.Duration(c.RenewalCheckHours) * time.Hour
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envPositiveInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a positive integer: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %d", key, n)
	}
	return n, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// listOrDefault prefers a comma-separated env var over the YAML list.
func listOrDefault(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		return splitList(v)
	}
	var out []string
	for _, item := range fallback {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
