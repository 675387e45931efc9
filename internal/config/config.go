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

// Package config loads relay configuration from a YAML or TOML file and
// environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither an argument nor CONFIG_PATH is given.
const DefaultPath = "/app/config/config.yaml"

// Delivery backends.
const (
	BackendTelegram = "telegram"
	BackendHTTPPost = "httppost"
)

// Delivery modes.
const (
	ModeDirect = "direct"
	ModeQueued = "queued"
)

// TopicConfig is the raw definition of one topic. Networks are parsed and
// validated by the topic registry, not here.
type TopicConfig struct {
	Name       string
	Recipients []string
	AllowList  []string
}

// TelegramConfig holds Bot API settings.
type TelegramConfig struct {
	Token         string
	BaseURL       string
	Timeout       time.Duration
	VerifyOnStart bool
}

// HTTPPostConfig holds settings for the generic JSON webhook backend.
// When TokenURL is set, requests carry an OAuth2 client-credentials token.
type HTTPPostConfig struct {
	URL          string
	Timeout      time.Duration
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Config holds all configuration for the relay.
type Config struct {
	Topics []TopicConfig

	// Server
	Port           int
	MetricsPort    int
	MaxBodyBytes   int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TrustedProxies []string

	// Delivery
	Backend    string
	Mode       string
	MaxRetries int
	Workers    int

	// DeliveryTimeout bounds one recipient delivery, retries included.
	// In direct mode it must leave room within WriteTimeout for the
	// response.
	DeliveryTimeout time.Duration

	Telegram TelegramConfig
	HTTPPost HTTPPostConfig

	// Redis (queued mode)
	RedisURL   string
	RedisQueue string

	// Postgres (outcome log, optional)
	DatabaseURL string
	Retention   time.Duration

	LogLevel slog.Level
}

// rawTopic mirrors one entry of the topics table.
type rawTopic struct {
	Recipients []string `yaml:"recipients" toml:"recipients"`
	AllowList  []string `yaml:"allow_list" toml:"allow_list"`
}

// rawConfig mirrors the file structure for unmarshalling. Top-level port
// and secret keep older flat config files working.
type rawConfig struct {
	Port     int                 `yaml:"port" toml:"port"`
	Secret   string              `yaml:"secret" toml:"secret"`
	LogLevel string              `yaml:"log_level" toml:"log_level"`
	Topics   map[string]rawTopic `yaml:"topics" toml:"topics"`
	Server   struct {
		MetricsPort    *int     `yaml:"metrics_port" toml:"metrics_port"`
		MaxBodyBytes   int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`
		ReadTimeout    string   `yaml:"read_timeout" toml:"read_timeout"`
		WriteTimeout   string   `yaml:"write_timeout" toml:"write_timeout"`
		TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
	} `yaml:"server" toml:"server"`
	Telegram struct {
		Token         string `yaml:"token" toml:"token"`
		BaseURL       string `yaml:"base_url" toml:"base_url"`
		Timeout       string `yaml:"timeout" toml:"timeout"`
		VerifyOnStart bool   `yaml:"verify_on_start" toml:"verify_on_start"`
	} `yaml:"telegram" toml:"telegram"`
	HTTPPost struct {
		URL          string   `yaml:"url" toml:"url"`
		Timeout      string   `yaml:"timeout" toml:"timeout"`
		ClientID     string   `yaml:"client_id" toml:"client_id"`
		ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
		TokenURL     string   `yaml:"token_url" toml:"token_url"`
		Scopes       []string `yaml:"scopes" toml:"scopes"`
	} `yaml:"httppost" toml:"httppost"`
	Delivery struct {
		Backend    string `yaml:"backend" toml:"backend"`
		Mode       string `yaml:"mode" toml:"mode"`
		MaxRetries *int   `yaml:"max_retries" toml:"max_retries"`
		Workers    int    `yaml:"workers" toml:"workers"`
		Timeout    string `yaml:"timeout" toml:"timeout"`
	} `yaml:"delivery" toml:"delivery"`
	Redis struct {
		URL   string `yaml:"url" toml:"url"`
		Queue string `yaml:"queue" toml:"queue"`
	} `yaml:"redis" toml:"redis"`
	Database struct {
		URL       string `yaml:"url" toml:"url"`
		Retention string `yaml:"retention" toml:"retention"`
	} `yaml:"database" toml:"database"`
}

// ResolvePath picks the config file: explicit argument, then CONFIG_PATH,
// then DefaultPath.
func ResolvePath(arg string) string {
	if strings.TrimSpace(arg) != "" {
		return arg
	}
	return envOrDefault("CONFIG_PATH", DefaultPath)
}

// Load reads configuration from path (with env var expansion) and
// environment variables for settings the file leaves empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Expand ${VAR} references before decoding
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &raw); err != nil {
			return nil, fmt.Errorf("parse config TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	cfg := &Config{
		Port:           firstPositive(raw.Port, envOrDefaultInt("PORT", 8080)),
		MetricsPort:    envOrDefaultInt("METRICS_PORT", 9090),
		MaxBodyBytes:   raw.Server.MaxBodyBytes,
		TrustedProxies: raw.Server.TrustedProxies,
		Backend:        strings.ToLower(firstNonEmpty(raw.Delivery.Backend, BackendTelegram)),
		Mode:           strings.ToLower(firstNonEmpty(raw.Delivery.Mode, ModeDirect)),
		MaxRetries:     2,
		Workers:        raw.Delivery.Workers,
		Telegram: TelegramConfig{
			Token:         firstNonEmpty(raw.Telegram.Token, raw.Secret, os.Getenv("TELEGRAM_BOT_TOKEN")),
			BaseURL:       strings.TrimRight(firstNonEmpty(raw.Telegram.BaseURL, "https://api.telegram.org"), "/"),
			VerifyOnStart: raw.Telegram.VerifyOnStart,
		},
		HTTPPost: HTTPPostConfig{
			URL:          raw.HTTPPost.URL,
			ClientID:     raw.HTTPPost.ClientID,
			ClientSecret: raw.HTTPPost.ClientSecret,
			TokenURL:     raw.HTTPPost.TokenURL,
			Scopes:       raw.HTTPPost.Scopes,
		},
		RedisURL:    firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		RedisQueue:  firstNonEmpty(raw.Redis.Queue, envOrDefault("REDIS_QUEUE", "relay:deliveries")),
		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
	}

	if raw.Server.MetricsPort != nil {
		cfg.MetricsPort = *raw.Server.MetricsPort
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 50 * 1000 * 1000
	}
	if raw.Delivery.MaxRetries != nil {
		cfg.MaxRetries = *raw.Delivery.MaxRetries
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	var err error
	durations := []struct {
		name     string
		raw      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"server.read_timeout", raw.Server.ReadTimeout, 30 * time.Second, &cfg.ReadTimeout},
		{"server.write_timeout", raw.Server.WriteTimeout, 60 * time.Second, &cfg.WriteTimeout},
		{"telegram.timeout", raw.Telegram.Timeout, 10 * time.Second, &cfg.Telegram.Timeout},
		{"httppost.timeout", raw.HTTPPost.Timeout, 10 * time.Second, &cfg.HTTPPost.Timeout},
		{"database.retention", raw.Database.Retention, 720 * time.Hour, &cfg.Retention},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.raw, d.fallback); err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
	}
	if cfg.DeliveryTimeout, err = parseDuration(raw.Delivery.Timeout, cfg.WriteTimeout*3/4); err != nil {
		return nil, fmt.Errorf("delivery.timeout: %w", err)
	}

	if cfg.LogLevel, err = parseLevel(firstNonEmpty(raw.LogLevel, envOrDefault("LOG_LEVEL", "info"))); err != nil {
		return nil, err
	}

	// Sorted so validation errors and startup logs are stable
	names := make([]string, 0, len(raw.Topics))
	for name := range raw.Topics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := raw.Topics[name]
		cfg.Topics = append(cfg.Topics, TopicConfig{
			Name:       name,
			Recipients: t.Recipients,
			AllowList:  t.AllowList,
		})
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks cross-field settings. Topic contents are checked when
// the registry is built.
func (c *Config) validate() error {
	if len(c.Topics) == 0 {
		return fmt.Errorf("no topics configured")
	}

	switch c.Backend {
	case BackendTelegram:
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram backend requires telegram.token (or secret / TELEGRAM_BOT_TOKEN)")
		}
	case BackendHTTPPost:
		if c.HTTPPost.URL == "" {
			return fmt.Errorf("httppost backend requires httppost.url")
		}
	default:
		return fmt.Errorf("unknown delivery.backend %q", c.Backend)
	}

	switch c.Mode {
	case ModeDirect:
	case ModeQueued:
		if c.RedisURL == "" {
			return fmt.Errorf("queued delivery requires redis.url (or REDIS_URL)")
		}
	default:
		return fmt.Errorf("unknown delivery.mode %q", c.Mode)
	}

	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery.timeout must be positive")
	}
	if c.Mode == ModeDirect && c.WriteTimeout > 0 && c.DeliveryTimeout >= c.WriteTimeout {
		return fmt.Errorf("delivery.timeout (%s) must be shorter than server.write_timeout (%s) in direct mode",
			c.DeliveryTimeout, c.WriteTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must not be negative")
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(raw))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
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
