package dispatch

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UsageStore persists per-command invocation counters.
type UsageStore interface {
	LoadCommandUsage(ctx context.Context) (map[string]int64, error)
	AddCommandUsage(ctx context.Context, deltas map[string]int64) error
}

type usageCounter struct {
	mu      sync.Mutex
	totals  map[string]int64
	pending map[string]int64
}

func newUsageCounter() *usageCounter {
	return &usageCounter{
		totals:  make(map[string]int64),
		pending: make(map[string]int64),
	}
}

func (u *usageCounter) add(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.totals[name]++
	u.pending[name]++
}

func (u *usageCounter) seed(totals map[string]int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for name, count := range totals {
		u.totals[name] += count
	}
}

func (u *usageCounter) snapshot() map[string]int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return maps.Clone(u.totals)
}

func (u *usageCounter) takePending() map[string]int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) == 0 {
		return nil
	}
	out := u.pending
	u.pending = make(map[string]int64)
	return out
}

func (u *usageCounter) restore(pending map[string]int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for name, count := range pending {
		u.pending[name] += count
	}
}

// Usage returns invocation counts per command, including persisted history.
func (d *Dispatcher) Usage() map[string]int64 {
	return d.usage.snapshot()
}

// LoadUsage seeds counters from store.
func (d *Dispatcher) LoadUsage(ctx context.Context, store UsageStore) error {
	if store == nil {
		return nil
	}
	totals, err := store.LoadCommandUsage(ctx)
	if err != nil {
		return err
	}
	d.usage.seed(totals)
	return nil
}

// FlushUsage writes counters accumulated since the last flush. Counts are
// kept for the next flush when the write fails.
func (d *Dispatcher) FlushUsage(ctx context.Context, store UsageStore) error {
	if store == nil {
		return nil
	}
	pending := d.usage.takePending()
	if len(pending) == 0 {
		return nil
	}
	if err := store.AddCommandUsage(ctx, pending); err != nil {
		d.usage.restore(pending)
		return err
	}
	return nil
}

// RunUsageFlusher flushes usage every interval until ctx is done, then flushes
// once more.
func (d *Dispatcher) RunUsageFlusher(ctx context.Context, store UsageStore, interval time.Duration) {
	if store == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.FlushUsage(ctx, store); err != nil {
				d.logger.Warn("Failed to persist command usage", zap.Error(err))
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := d.FlushUsage(flushCtx, store); err != nil {
				d.logger.Warn("Failed to persist command usage", zap.Error(err))
			}
			cancel()
			return
		}
	}
}
