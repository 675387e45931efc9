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

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pruner periodically deletes entries older than the retention window.
type Pruner struct {
	store     *Store
	retention time.Duration
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPruner creates a pruner. The interval is a tenth of the retention,
// clamped to [1m, 1h].
func NewPruner(store *Store, retention time.Duration) *Pruner {
	interval := retention / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	return &Pruner{store: store, retention: retention, interval: interval}
}

// Start prunes once and then on every tick until Stop.
func (p *Pruner) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(loopCtx)

	slog.Info("audit pruner started",
		"retention", p.retention,
		"interval", p.interval,
	)
}

// Stop shuts down the loop and waits for it.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("audit pruner stopped")
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	p.pruneOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneOnce(ctx)
		}
	}
}

func (p *Pruner) pruneOnce(ctx context.Context) {
	n, err := p.store.Prune(ctx, time.Now().Add(-p.retention))
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("audit prune failed", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Info("pruned delivery outcomes", "deleted", n)
	}
}
