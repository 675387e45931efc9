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

// Command relay is the HTTP message relay. It accepts POST /{topic}/{sender}
// from allow-listed networks and forwards each message to every recipient
// of the topic through the configured delivery backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hookrelay/relay/internal/audit"
	"github.com/hookrelay/relay/internal/config"
	"github.com/hookrelay/relay/internal/delivery"
	"github.com/hookrelay/relay/internal/httppost"
	"github.com/hookrelay/relay/internal/metrics"
	"github.com/hookrelay/relay/internal/netmatch"
	"github.com/hookrelay/relay/internal/queue"
	"github.com/hookrelay/relay/internal/routing"
	"github.com/hookrelay/relay/internal/telegram"
	"github.com/hookrelay/relay/internal/topic"
	"github.com/hookrelay/relay/internal/webhook"
)

const shutdownDrain = 15 * time.Second

func main() {
	// Structured JSON logging
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("starting relay")

	// --- Load Configuration ---
	var arg string
	if len(os.Args) > 1 {
		arg = os.Args[1]
	}
	cfgPath := config.ResolvePath(arg)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	registry, err := topic.NewRegistry(cfg.Topics)
	if err != nil {
		slog.Error("invalid topic configuration", "error", err)
		os.Exit(1)
	}
	holder := topic.NewHolder(registry)

	trusted, err := netmatch.ParseList(cfg.TrustedProxies)
	if err != nil {
		slog.Error("invalid server.trusted_proxies", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"path", cfgPath,
		"topics", registry.Names(),
		"backend", cfg.Backend,
		"mode", cfg.Mode,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Delivery Backend ---
	sender, err := newSender(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise delivery backend", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}

	checks := map[string]webhook.HealthCheck{}

	// --- Outcome Log (optional) ---
	var (
		pgPool *pgxpool.Pool
		store  *audit.Store
		pruner *audit.Pruner
	)
	if cfg.DatabaseURL != "" {
		pgPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		store, err = audit.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise audit store", "error", err)
			os.Exit(1)
		}
		checks["postgres"] = store.Ping

		pruner = audit.NewPruner(store, cfg.Retention)
		pruner.Start(ctx)
	}

	// --- Dispatcher ---
	var (
		dispatcher routing.Dispatcher
		rdb        *redis.Client
		workers    *queue.Workers
	)
	switch cfg.Mode {
	case config.ModeQueued:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis.url", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)

		publisher := queue.NewPublisher(rdb, cfg.RedisQueue)
		if err := publisher.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
		checks["redis"] = publisher.Ping
		dispatcher = publisher

		wcfg := queue.WorkerConfig{
			Queue:      cfg.RedisQueue,
			Workers:    cfg.Workers,
			JobTimeout: cfg.DeliveryTimeout,
		}
		if store != nil {
			wcfg.Recorder = store
		}
		workers = queue.NewWorkers(rdb, sender, wcfg)
	default:
		// Jobs must finish before the response is due.
		dispatcher = delivery.NewDirect(sender, cfg.DeliveryTimeout)
	}

	var engineOpts []routing.Option
	engineOpts = append(engineOpts, routing.WithMaxBodyBytes(cfg.MaxBodyBytes))
	if store != nil {
		engineOpts = append(engineOpts, routing.WithRecorder(store))
	}
	engine := routing.NewEngine(holder, dispatcher, engineOpts...)

	// --- Servers ---
	handler := webhook.NewHandler(engine, trusted, cfg.MaxBodyBytes)
	ready, relayDone, err := webhook.Serve(ctx, webhook.ServerConfig{
		Name:         "relay",
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, webhook.NewMux(handler), shutdownDrain)
	if err != nil {
		slog.Error("failed to start relay server", "error", err)
		os.Exit(1)
	}
	<-ready

	var opsDone <-chan struct{}
	if cfg.MetricsPort > 0 {
		opsReady, done, err := webhook.Serve(ctx, webhook.ServerConfig{
			Name:         "ops",
			Port:         cfg.MetricsPort,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, webhook.NewOpsMux(checks, metrics.Handler()), shutdownDrain)
		if err != nil {
			slog.Error("failed to start ops server", "error", err)
			os.Exit(1)
		}
		<-opsReady
		opsDone = done
	}

	workersDone := make(chan struct{})
	if workers != nil {
		go func() {
			defer close(workersDone)
			workers.Run(ctx)
		}()
	} else {
		close(workersDone)
	}

	slog.Info("relay ready")

	// --- Signals: SIGHUP reloads topics, SIGINT/SIGTERM shut down ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reload(cfgPath, holder)
			continue
		}
		slog.Info("received shutdown signal", "signal", sig)
		break
	}
	signal.Stop(sigCh)

	// --- Graceful Shutdown ---
	cancel()
	<-relayDone
	if opsDone != nil {
		<-opsDone
	}
	<-workersDone
	if pruner != nil {
		pruner.Stop()
	}
	if rdb != nil {
		rdb.Close()
	}

	slog.Info("relay stopped")
}

// newSender builds the configured delivery backend.
func newSender(ctx context.Context, cfg *config.Config) (delivery.Sender, error) {
	switch cfg.Backend {
	case config.BackendTelegram:
		client := telegram.NewClient(telegram.Config{
			Token:      cfg.Telegram.Token,
			BaseURL:    cfg.Telegram.BaseURL,
			Timeout:    cfg.Telegram.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
		if cfg.Telegram.VerifyOnStart {
			verifyCtx, cancel := context.WithTimeout(ctx, cfg.Telegram.Timeout)
			defer cancel()
			me, err := client.GetMe(verifyCtx)
			if err != nil {
				return nil, fmt.Errorf("verify bot token: %w", err)
			}
			slog.Info("telegram bot verified", "username", me.Username, "id", me.ID)
		}
		return client, nil

	case config.BackendHTTPPost:
		s, err := httppost.New(ctx, httppost.Config{
			URL:          cfg.HTTPPost.URL,
			Timeout:      cfg.HTTPPost.Timeout,
			MaxRetries:   cfg.MaxRetries,
			ClientID:     cfg.HTTPPost.ClientID,
			ClientSecret: cfg.HTTPPost.ClientSecret,
			TokenURL:     cfg.HTTPPost.TokenURL,
			Scopes:       cfg.HTTPPost.Scopes,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("httppost backend configured",
			"url", httppost.RedactURL(cfg.HTTPPost.URL),
			"oauth2", cfg.HTTPPost.TokenURL != "",
		)
		return s, nil
	}
	return nil, errors.New("unknown backend " + cfg.Backend)
}

// reload rebuilds the topic registry from path. The previous registry
// stays live when anything fails.
func reload(path string, holder *topic.Holder) {
	cfg, err := config.Load(path)
	if err == nil {
		var reg *topic.Registry
		if reg, err = topic.NewRegistry(cfg.Topics); err == nil {
			holder.Swap(reg)
			metrics.RegistryReloads.WithLabelValues("ok").Inc()
			slog.Info("topic registry reloaded", "topics", reg.Names())
			return
		}
	}
	metrics.RegistryReloads.WithLabelValues("error").Inc()
	slog.Error("topic registry reload failed, keeping previous registry", "path", path, "error", err)
}
