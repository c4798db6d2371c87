package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// RetryPolicy controls backoff between failed materialization attempts.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
}

// DefaultRetryPolicy returns the worker's default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    3,
	}
}

// Backoff calculates exponential backoff with jitter for a retry attempt.
// math/rand/v2 is fine for non-cryptographic jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialInterval
	}

	multiplier := math.Pow(p.BackoffCoefficient, float64(attempt-1))
	backoff := float64(p.InitialInterval) * multiplier

	jitterFactor := 0.8 + rand.Float64()*0.4
	backoff *= jitterFactor

	if backoff > float64(p.MaximumInterval) {
		backoff = float64(p.MaximumInterval)
	}

	return time.Duration(backoff)
}

// Worker is the in-process Trigger: notifications go through a bounded
// channel consumed by a goroutine pool that runs the Manager. When the
// buffer is full a notification is dropped and logged; the next qualifying
// append re-triggers evaluation, so a drop never loses a snapshot for good.
type Worker struct {
	manager *Manager
	retry   RetryPolicy
	workers int
	logger  *slog.Logger

	ch      chan string
	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// WorkerConfig holds in-process trigger configuration.
type WorkerConfig struct {
	Manager  *Manager
	Workers  int
	Capacity int
	Retry    RetryPolicy
	Logger   *slog.Logger
}

// NewWorker creates an in-process snapshot trigger worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		manager: cfg.Manager,
		retry:   cfg.Retry,
		workers: cfg.Workers,
		logger:  cfg.Logger,
		ch:      make(chan string, cfg.Capacity),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("snapshot worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	return nil
}

// Stop shuts the workers down, waiting up to the context deadline.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify implements Trigger. Never blocks the caller.
func (w *Worker) Notify(ctx context.Context, workspaceID string) {
	select {
	case w.ch <- workspaceID:
	default:
		w.logger.Warn("snapshot trigger buffer full, dropping notification",
			slog.String("workspace_id", workspaceID),
		)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case workspaceID := <-w.ch:
			w.materializeWithRetry(ctx, workspaceID)
		}
	}
}

func (w *Worker) materializeWithRetry(ctx context.Context, workspaceID string) {
	var lastErr error
	for attempt := 1; attempt <= w.retry.MaximumAttempts; attempt++ {
		_, err := w.manager.Materialize(ctx, workspaceID)
		if err == nil {
			return
		}
		lastErr = err

		if attempt < w.retry.MaximumAttempts {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-time.After(w.retry.Backoff(attempt)):
			}
		}
	}

	// Absorbed: the writer's append already succeeded, and the next
	// qualifying append re-triggers evaluation.
	w.logger.Error("snapshot materialization failed",
		slog.String("workspace_id", workspaceID),
		slog.Int("attempts", w.retry.MaximumAttempts),
		slog.String("error", lastErr.Error()),
	)
}
