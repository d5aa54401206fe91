// Package resilience provides small building blocks for making mesh
// operations durable against transient failure: retry with exponential
// backoff, a periodic watchdog, and a supervised-goroutine wrapper that
// isolates and logs panics instead of letting them crash the process.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/meshcore/hub/internal/logger"
)

// RetryPolicy configures exponential-backoff retries.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetry is the retry policy used when callers don't specify one.
var DefaultRetry = RetryPolicy{
	MaxRetries:    3,
	BaseDelay:     500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
}

// DelayFor returns the backoff delay before attempt number attempt
// (0-indexed).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if max := float64(p.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// RetrySend calls send up to 1+MaxRetries times, sleeping DelayFor(attempt)
// between attempts, stopping as soon as send returns true. It returns
// whether any attempt succeeded. ctx cancellation aborts the retry loop
// early.
func RetrySend(ctx context.Context, send func() bool, policy RetryPolicy, label string) bool {
	attempts := 1 + policy.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if send() {
			return true
		}
		logger.Get().WithComponent("resilience").Warn("send attempt failed", "label", label, "attempt", attempt+1, "of", attempts)

		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(policy.DelayFor(attempt)):
		}
	}
	return false
}

// Watchdog periodically invokes a callback, isolating and logging panics so
// one bad tick never stops subsequent ticks.
type Watchdog struct {
	Name     string
	Callback func(ctx context.Context)
	Interval time.Duration

	log     *logger.Logger
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start begins the watchdog's periodic loop. Idempotent: calling Start on
// an already-running watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	if w.log == nil {
		w.log = logger.Get().WithComponent("resilience")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(runCtx)
}

// Stop halts the watchdog loop. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)

	interval := w.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Warn("watchdog tick panicked", "name", w.Name, "recovered", r)
		}
	}()
	w.Callback(ctx)
}

// Supervise runs fn in a new goroutine, recovering any panic and logging it
// under name instead of crashing the process. It returns immediately; the
// returned channel closes when fn returns or panics.
func Supervise(name string, fn func()) <-chan struct{} {
	log := logger.Get().WithComponent("resilience")
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.Warn("supervised task panicked", "name", name, "recovered", r)
			}
		}()
		fn()
	}()
	return done
}
