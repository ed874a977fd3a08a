// Package scheduler drives named sweeps in the background, one
// checkpointed step at a time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sornon/member-sub002/internal/checkpoint"
	"github.com/sornon/member-sub002/internal/logging"
)

// Config configures the sweep worker.
type Config struct {
	// Name is the checkpoint name of the sweep.
	// Default: "profiles"
	Name string

	// IntervalMs is the pause between two complete passes.
	// Default: 3600000 (1 hour)
	IntervalMs int64

	// StepPauseMs is the pause between two steps of the same pass.
	// Default: 1000
	StepPauseMs int64

	// BatchSize and MaxDurationMs are passed to every step. Zero keeps the
	// values saved with the sweep, or the engine defaults.
	BatchSize     int
	MaxDurationMs int64
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Name:        "profiles",
		IntervalMs:  3600000,
		StepPauseMs: 1000,
	}
}

// Worker steps one sweep until it completes a pass, then waits for the
// next interval. Any number of workers may drive the same sweep; the
// checkpoint lets exactly one of them win each step.
type Worker struct {
	store   *checkpoint.Store
	sweeper checkpoint.Sweeper
	config  Config
	logger  *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWorker creates a sweep worker.
func NewWorker(store *checkpoint.Store, sweeper checkpoint.Sweeper, config Config, logger *logging.Logger) *Worker {
	d := DefaultConfig()
	if config.Name == "" {
		config.Name = d.Name
	}
	if config.IntervalMs <= 0 {
		config.IntervalMs = d.IntervalMs
	}
	if config.StepPauseMs <= 0 {
		config.StepPauseMs = d.StepPauseMs
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{
		store:   store,
		sweeper: sweeper,
		config:  config,
		logger:  logger.With(map[string]any{"sweep": config.Name}),
	}
}

// Start begins the worker background loop.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run()
}

// Stop stops the worker and waits for the current step to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Running reports whether the background loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run() {
	defer close(w.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		wait := time.Duration(w.config.StepPauseMs) * time.Millisecond
		if !w.Step(ctx) {
			wait = time.Duration(w.config.IntervalMs) * time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-w.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Step runs one sweep step and reports whether the pass has more to do.
// Failures are logged; a failed step is retried after the step pause.
func (w *Worker) Step(ctx context.Context) bool {
	st, res, err := w.store.Step(ctx, w.sweeper, w.config.Name, w.config.BatchSize, w.config.MaxDurationMs)
	switch {
	case errors.Is(err, checkpoint.ErrConcurrentSweep):
		w.logger.Debugf("sweep step lost to another worker", nil)
		return true
	case errors.Is(err, context.Canceled):
		return false
	case err != nil:
		w.logger.Errorf("sweep step failed", map[string]any{"error": err.Error()})
		return true
	}

	if !res.HasMore {
		w.logger.Infof("sweep pass completed", map[string]any{
			"cycles":    st.Cycles,
			"processed": res.Processed,
			"refreshed": res.Refreshed,
			"failed":    res.Failed,
		})
		return false
	}
	w.logger.Debugf("sweep step saved", map[string]any{
		"cursor":    st.Cursor,
		"remaining": st.Remaining,
	})
	return true
}
