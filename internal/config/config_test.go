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

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoad_YAML verifies a full YAML document with env expansion.
func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "123:abc")

	path := writeFile(t, "config.yaml", `
port: 8181
log_level: debug
server:
  metrics_port: 0
  max_body_bytes: 1024
  read_timeout: 5s
  trusted_proxies: ["10.0.0.0/8"]
telegram:
  token: ${TEST_BOT_TOKEN}
  timeout: 3s
delivery:
  max_retries: 0
  workers: 8
database:
  url: postgres://relay@localhost/relay
  retention: 24h
topics:
  myLab:
    recipients: ["11111111", "22222222"]
    allow_list: ["192.168.69.0/24"]
  alpha:
    recipients: ["33333333"]
    allow_list: []
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Port)
	assert.Equal(t, 0, cfg.MetricsPort)
	assert.Equal(t, int64(1024), cfg.MaxBodyBytes)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.WriteTimeout)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.TrustedProxies)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "https://api.telegram.org", cfg.Telegram.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Telegram.Timeout)
	assert.Equal(t, BackendTelegram, cfg.Backend)
	assert.Equal(t, ModeDirect, cfg.Mode)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 45*time.Second, cfg.DeliveryTimeout)
	assert.Equal(t, "postgres://relay@localhost/relay", cfg.DatabaseURL)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)

	require.Len(t, cfg.Topics, 2)
	// Topics are sorted by name
	assert.Equal(t, "alpha", cfg.Topics[0].Name)
	assert.Equal(t, "myLab", cfg.Topics[1].Name)
	assert.Equal(t, []string{"11111111", "22222222"}, cfg.Topics[1].Recipients)
	assert.Equal(t, []string{"192.168.69.0/24"}, cfg.Topics[1].AllowList)
}

// TestLoad_TOML verifies the flat TOML layout with the legacy secret key.
func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
port = 9000
secret = "bot-secret"

[topics.myLab]
recipients = ["11111111"]
allow_list = ["192.168.69.0/24", "::1"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "bot-secret", cfg.Telegram.Token)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, int64(50_000_000), cfg.MaxBodyBytes)
	require.Len(t, cfg.Topics, 1)
	assert.Equal(t, []string{"192.168.69.0/24", "::1"}, cfg.Topics[0].AllowList)
}

// TestLoad_EnvFallbacks verifies environment defaults for unset keys.
func TestLoad_EnvFallbacks(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")

	path := writeFile(t, "config.yaml", `
delivery:
  mode: queued
topics:
  t:
    recipients: ["1"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, ModeQueued, cfg.Mode)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, "relay:deliveries", cfg.RedisQueue)
}

// TestLoad_Invalid covers configuration that must abort startup.
func TestLoad_Invalid(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("REDIS_URL", "")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no topics",
			content: "secret: x\n",
			wantErr: "no topics configured",
		},
		{
			name:    "missing token",
			content: "topics:\n  t:\n    recipients: [\"1\"]\n",
			wantErr: "telegram.token",
		},
		{
			name:    "unknown backend",
			content: "secret: x\ndelivery:\n  backend: pigeon\ntopics:\n  t:\n    recipients: [\"1\"]\n",
			wantErr: "unknown delivery.backend",
		},
		{
			name:    "httppost without url",
			content: "delivery:\n  backend: httppost\ntopics:\n  t:\n    recipients: [\"1\"]\n",
			wantErr: "httppost.url",
		},
		{
			name:    "queued without redis",
			content: "secret: x\ndelivery:\n  mode: queued\ntopics:\n  t:\n    recipients: [\"1\"]\n",
			wantErr: "redis.url",
		},
		{
			name:    "bad duration",
			content: "secret: x\nserver:\n  read_timeout: soon\ntopics:\n  t:\n    recipients: [\"1\"]\n",
			wantErr: "server.read_timeout",
		},
		{
			name:    "delivery timeout not below write timeout",
			content: "secret: x\nserver:\n  write_timeout: 10s\ndelivery:\n  timeout: 10s\ntopics:\n  t:\n    recipients: [\"1\"]\n",
			wantErr: "must be shorter than server.write_timeout",
		},
		{
			name:    "bad delivery timeout",
			content: "secret: x\ndelivery:\n  timeout: -1s\ntopics:\n  t:\n    recipients: [\"1\"]\n",
			wantErr: "delivery.timeout must be positive",
		},
		{
			name:    "bad log level",
			content: "secret: x\nlog_level: chatty\ntopics:\n  t:\n    recipients: [\"1\"]\n",
			wantErr: "log_level",
		},
		{
			name:    "duplicate topic key",
			content: "secret: x\ntopics:\n  t:\n    recipients: [\"1\"]\n  t:\n    recipients: [\"2\"]\n",
			wantErr: "parse config YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestLoad_DeliveryTimeout verifies the explicit key and that queued mode
// is not tied to the HTTP write deadline.
func TestLoad_DeliveryTimeout(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	cfg, err := Load(writeFile(t, "config.yaml", `
secret: x
server:
  write_timeout: 20s
delivery:
  timeout: 15s
topics:
  t:
    recipients: ["1"]
`))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.DeliveryTimeout)

	cfg, err = Load(writeFile(t, "queued.yaml", `
secret: x
server:
  write_timeout: 5s
delivery:
  mode: queued
  timeout: 2m
redis:
  url: redis://localhost:6379/0
topics:
  t:
    recipients: ["1"]
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.DeliveryTimeout)
}

// TestLoad_MissingFile verifies the path appears in the error.
func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent/relay.yaml")
}

// TestResolvePath verifies argument, env and default precedence.
func TestResolvePath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, DefaultPath, ResolvePath(""))

	t.Setenv("CONFIG_PATH", "/etc/relay.toml")
	assert.Equal(t, "/etc/relay.toml", ResolvePath(""))
	assert.Equal(t, "./local.yaml", ResolvePath("./local.yaml"))
}
