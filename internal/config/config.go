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

// Package config loads configuration from config.yaml, a local .env file
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TenantConfig holds Microsoft Graph credentials for one m365 tenant.
type TenantConfig struct {
	Alias        string
	TenantID     string
	ClientID     string
	ClientSecret string
	// Organization is the organization notifications from this tenant
	// are routed to.
	Organization string
}

// OrganizationConfig describes one organization accepting receipts.
type OrganizationConfig struct {
	ID string
	// Aliases are the inbound addresses (lowercased) that belong to the
	// organization. Empty accepts the first recipient.
	Aliases []string
	// ClientState is the shared secret expected on m365 notifications.
	ClientState string
}

type ModelConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type PipelineConfig struct {
	Workers         int
	ExtractAttempts int
	// ReviewThreshold of 0 disables review routing.
	ReviewThreshold int
	MessageTimeout  time.Duration
	// MaxRedeliveries bounds how often a message whose admission could not
	// be confirmed goes back on the queue before it is dead-lettered.
	MaxRedeliveries int
}

type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type SweeperConfig struct {
	Interval          time.Duration
	OrphanMaxAge      time.Duration
	RetentionDays     int
	RetentionInterval time.Duration
}

// Config holds all configuration for the receipts service.
type Config struct {
	Port     int
	LogLevel string

	// Exactly one store is configured.
	DatabaseURL string
	SQLitePath  string

	RedisURL       string
	InboundQueue   string
	AuditStream    string
	AuditStreamLen int64
	AuditQueueSize int
	DedupTTL       time.Duration

	RawDir string

	Model    ModelConfig
	Pipeline PipelineConfig
	Retry    RetryConfig
	Sweeper  SweeperConfig

	Tenants       []TenantConfig
	Organizations []OrganizationConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port     int    `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Database struct {
		URL        string `yaml:"url"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Inbound string `yaml:"inbound"`
		} `yaml:"queues"`
		AuditStream    string `yaml:"audit_stream"`
		AuditStreamLen int64  `yaml:"audit_stream_len"`
		DedupTTL       string `yaml:"dedup_ttl"`
	} `yaml:"redis"`
	Storage struct {
		RawDir string `yaml:"raw_dir"`
	} `yaml:"storage"`
	Model struct {
		APIKey    string `yaml:"api_key"`
		BaseURL   string `yaml:"base_url"`
		Name      string `yaml:"name"`
		MaxTokens int    `yaml:"max_tokens"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"model"`
	Pipeline struct {
		Workers         int    `yaml:"workers"`
		ExtractAttempts int    `yaml:"extract_attempts"`
		ReviewThreshold *int   `yaml:"review_threshold"`
		MessageTimeout  string `yaml:"message_timeout"`
		MaxRedeliveries int    `yaml:"max_redeliveries"`
		RetryBaseDelay  string `yaml:"retry_base_delay"`
		RetryMaxDelay   string `yaml:"retry_max_delay"`
	} `yaml:"pipeline"`
	Audit struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"audit"`
	Sweeper struct {
		Interval          string `yaml:"interval"`
		OrphanMaxAge      string `yaml:"orphan_max_age"`
		RetentionDays     int    `yaml:"retention_days"`
		RetentionInterval string `yaml:"retention_interval"`
	} `yaml:"sweeper"`
	Tenants []struct {
		Alias        string `yaml:"alias"`
		TenantID     string `yaml:"tenant_id"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		Organization string `yaml:"organization"`
	} `yaml:"tenants"`
	Organizations []struct {
		ID          string   `yaml:"id"`
		Aliases     []string `yaml:"aliases"`
		ClientState string   `yaml:"client_state"`
	} `yaml:"organizations"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. A .env file in the working directory is loaded
// first when present. The YAML file may be absent when the store is
// configured through the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && (os.Getenv("DATABASE_URL") != "" || os.Getenv("SQLITE_PATH") != ""):
		slog.Info("config file not found, using environment only", "path", configPath)
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	var errs []error
	dur := func(name, yamlValue, env string, fallback time.Duration) time.Duration {
		v := firstNonEmpty(yamlValue, os.Getenv(env))
		if v == "" {
			return fallback
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return fallback
		}
		return d
	}

	cfg := &Config{
		Port:           firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		LogLevel:       firstNonEmpty(raw.Server.LogLevel, envOrDefault("LOG_LEVEL", "info")),
		DatabaseURL:    firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		SQLitePath:     firstNonEmpty(raw.Database.SQLitePath, os.Getenv("SQLITE_PATH")),
		RedisURL:       firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		InboundQueue:   firstNonEmpty(raw.Redis.Queues.Inbound, envOrDefault("INBOUND_QUEUE", "receipts:inbound")),
		AuditStream:    firstNonEmpty(raw.Redis.AuditStream, os.Getenv("AUDIT_STREAM")),
		AuditStreamLen: int64(firstPositive(int(raw.Redis.AuditStreamLen), envOrDefaultInt("AUDIT_STREAM_LEN", 100000))),
		AuditQueueSize: firstPositive(raw.Audit.QueueSize, envOrDefaultInt("AUDIT_QUEUE_SIZE", 1024)),
		DedupTTL:       dur("redis.dedup_ttl", raw.Redis.DedupTTL, "DEDUP_TTL", 24*time.Hour),
		RawDir:         firstNonEmpty(raw.Storage.RawDir, envOrDefault("RAW_DIR", "/var/lib/receipts/raw")),
		Model: ModelConfig{
			APIKey:    firstNonEmpty(raw.Model.APIKey, os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL:   firstNonEmpty(raw.Model.BaseURL, os.Getenv("MODEL_BASE_URL")),
			Model:     firstNonEmpty(raw.Model.Name, os.Getenv("MODEL_NAME")),
			MaxTokens: firstPositive(raw.Model.MaxTokens, envOrDefaultInt("MODEL_MAX_TOKENS", 1024)),
			Timeout:   dur("model.timeout", raw.Model.Timeout, "MODEL_TIMEOUT", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			Workers:         firstPositive(raw.Pipeline.Workers, envOrDefaultInt("WORKERS", 4)),
			ExtractAttempts: firstPositive(raw.Pipeline.ExtractAttempts, envOrDefaultInt("EXTRACT_ATTEMPTS", 3)),
			ReviewThreshold: envOrDefaultInt("REVIEW_THRESHOLD", 70),
			MessageTimeout:  dur("pipeline.message_timeout", raw.Pipeline.MessageTimeout, "MESSAGE_TIMEOUT", 2*time.Minute),
			MaxRedeliveries: firstPositive(raw.Pipeline.MaxRedeliveries, envOrDefaultInt("MAX_REDELIVERIES", 10)),
		},
		Retry: RetryConfig{
			BaseDelay: dur("pipeline.retry_base_delay", raw.Pipeline.RetryBaseDelay, "RETRY_BASE_DELAY", time.Second),
			MaxDelay:  dur("pipeline.retry_max_delay", raw.Pipeline.RetryMaxDelay, "RETRY_MAX_DELAY", 30*time.Second),
		},
		Sweeper: SweeperConfig{
			Interval:          dur("sweeper.interval", raw.Sweeper.Interval, "SWEEP_INTERVAL", 5*time.Minute),
			OrphanMaxAge:      dur("sweeper.orphan_max_age", raw.Sweeper.OrphanMaxAge, "ORPHAN_MAX_AGE", 60*time.Minute),
			RetentionDays:     firstPositive(raw.Sweeper.RetentionDays, envOrDefaultInt("RETENTION_DAYS", 30)),
			RetentionInterval: dur("sweeper.retention_interval", raw.Sweeper.RetentionInterval, "RETENTION_INTERVAL", 24*time.Hour),
		},
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse config durations: %w", errors.Join(errs...))
	}

	// An explicit 0 in YAML is a valid threshold, so only absence falls back.
	if raw.Pipeline.ReviewThreshold != nil {
		cfg.Pipeline.ReviewThreshold = *raw.Pipeline.ReviewThreshold
	}

	for _, o := range raw.Organizations {
		oc := OrganizationConfig{ID: strings.TrimSpace(o.ID), ClientState: o.ClientState}
		for _, a := range o.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				oc.Aliases = append(oc.Aliases, a)
			}
		}
		cfg.Organizations = append(cfg.Organizations, oc)
	}

	for _, t := range raw.Tenants {
		tc := TenantConfig{
			Alias:        t.Alias,
			TenantID:     t.TenantID,
			ClientID:     t.ClientID,
			ClientSecret: t.ClientSecret,
			Organization: t.Organization,
		}

		// Skip tenants with empty credentials (commented out in YAML)
		if tc.TenantID == "" || tc.ClientID == "" || tc.ClientSecret == "" {
			continue
		}
		if tc.Alias == "" {
			tc.Alias = tc.TenantID[:min(8, len(tc.TenantID))]
		}
		cfg.Tenants = append(cfg.Tenants, tc)
	}

	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch {
	case c.DatabaseURL == "" && c.SQLitePath == "":
		errs = append(errs, errors.New("one of database.url (DATABASE_URL) or database.sqlite_path (SQLITE_PATH) is required"))
	case c.DatabaseURL != "" && c.SQLitePath != "":
		errs = append(errs, errors.New("database.url and database.sqlite_path are mutually exclusive"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("redis.url is required"))
	}
	if c.Model.APIKey == "" {
		errs = append(errs, errors.New("model.api_key (ANTHROPIC_API_KEY) is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Pipeline.ReviewThreshold < 0 || c.Pipeline.ReviewThreshold > 100 {
		errs = append(errs, fmt.Errorf("review threshold %d outside 0-100", c.Pipeline.ReviewThreshold))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(c.Organizations) == 0 {
		errs = append(errs, errors.New("no organizations configured"))
	}
	seen := make(map[string]bool)
	for _, o := range c.Organizations {
		if o.ID == "" {
			errs = append(errs, errors.New("organization with empty id"))
			continue
		}
		if seen[o.ID] {
			errs = append(errs, fmt.Errorf("organization %q configured twice", o.ID))
		}
		seen[o.ID] = true
	}
	for _, t := range c.Tenants {
		if !seen[t.Organization] {
			errs = append(errs, fmt.Errorf("tenant %s routes to unknown organization %q", t.Alias, t.Organization))
		}
	}
	return errors.Join(errs...)
}

// Organization looks up an organization by id.
func (c *Config) Organization(id string) (OrganizationConfig, bool) {
	for _, o := range c.Organizations {
		if o.ID == id {
			return o, true
		}
	}
	return OrganizationConfig{}, false
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level: %w", err)
	}
	return l, nil
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

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
