// Package worker runs scheduled background jobs against the ledger's market data.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trade-ledger/internal/logging"
)

// RateSyncer pulls reference rates for currencies over a date range
type RateSyncer interface {
	Sync(ctx context.Context, currencies []string, from, to time.Time) (int, error)
}

// FxSyncWorkerConfig holds configuration for an FX sync worker
type FxSyncWorkerConfig struct {
	Syncer     RateSyncer
	Schedule   string // six-field cron spec, seconds first
	Currencies []string
	Lookback   time.Duration
	Timeout    time.Duration
}

// FxSyncWorker refreshes stored FX rates on a cron schedule
type FxSyncWorker struct {
	syncer     RateSyncer
	schedule   string
	currencies []string
	lookback   time.Duration
	timeout    time.Duration
	cron       *cron.Cron
	logger     *logging.Logger
	now        func() time.Time

	mu       sync.RWMutex
	running  bool
	lastRun  time.Time
	lastErr  error
	lastRows int
}

// NewFxSyncWorker validates cfg and creates a worker
func NewFxSyncWorker(cfg *FxSyncWorkerConfig) (*FxSyncWorker, error) {
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("rate syncer cannot be nil")
	}
	if len(cfg.Currencies) == 0 {
		return nil, fmt.Errorf("at least one currency is required")
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	w := &FxSyncWorker{
		syncer:     cfg.Syncer,
		schedule:   cfg.Schedule,
		currencies: cfg.Currencies,
		lookback:   cfg.Lookback,
		timeout:    cfg.Timeout,
		cron:       cron.New(cron.WithSeconds()),
		logger:     logging.WithField("component", "fx_sync_worker"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if _, err := w.cron.AddFunc(cfg.Schedule, w.tick); err != nil {
		return nil, fmt.Errorf("invalid FX sync schedule %q: %w", cfg.Schedule, err)
	}
	return w, nil
}

// Start runs one sync immediately and then follows the schedule
func (w *FxSyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("fx sync worker already running")
	}
	w.running = true
	w.mu.Unlock()

	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.WithError(err).Warn("Initial FX sync failed")
	}
	w.cron.Start()
	w.logger.WithFields(map[string]interface{}{
		"schedule":   w.schedule,
		"currencies": w.currencies,
	}).Info("FX sync worker started")
	return nil
}

// Stop halts the schedule and waits for a running sync, bounded by ctx
func (w *FxSyncWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	done := w.cron.Stop()
	select {
	case <-done.Done():
		w.logger.Info("FX sync worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fx sync worker stop timed out: %w", ctx.Err())
	}
}

// RunOnce syncs the lookback window ending today
func (w *FxSyncWorker) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	to := w.now()
	from := to.Add(-w.lookback)
	start := time.Now()
	n, err := w.syncer.Sync(ctx, w.currencies, from, to)

	w.mu.Lock()
	w.lastRun, w.lastErr, w.lastRows = to, err, n
	w.mu.Unlock()

	logger := w.logger.WithFields(map[string]interface{}{
		"rates":       n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		logger.WithError(err).Error("FX sync failed")
		return n, err
	}
	logger.Info("FX sync completed")
	return n, nil
}

func (w *FxSyncWorker) tick() {
	_, _ = w.RunOnce(context.Background())
}

// Status reports the outcome of the last sync
type Status struct {
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"lastRun"`
	LastRows int       `json:"lastRows"`
	LastErr  string    `json:"lastError,omitempty"`
}

// Status returns a snapshot of the worker state
func (w *FxSyncWorker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Status{Running: w.running, LastRun: w.lastRun, LastRows: w.lastRows}
	if w.lastErr != nil {
		s.LastErr = w.lastErr.Error()
	}
	return s
}
