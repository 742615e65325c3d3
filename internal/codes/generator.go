package codes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mapagov/helena/internal/metrics"
	"github.com/mapagov/helena/internal/store"
)

// ErrCounterContention is returned when every attempt to increment a
// counter lost a lock race.
var ErrCounterContention = errors.New("code counter contention")

// Default retry policy.
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 10 * time.Millisecond
	DefaultMaxDelay     = 200 * time.Millisecond
)

// Opts holds generator configuration.
type Opts struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Metrics      *metrics.Collector
}

// Option configures a Generator.
type Option func(*Opts)

// WithMaxAttempts bounds the number of increments tried per code.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithBackoff sets the first retry delay and its cap.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *Opts) {
		o.InitialDelay = initial
		o.MaxDelay = max
	}
}

// WithMetrics records generated codes and retries on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = c }
}

// Generator allocates CAP and CP codes from a transactional counter.
type Generator struct {
	counters store.CounterRepo
	opts     Opts
	sleep    func(context.Context, time.Duration) error
}

// NewGenerator creates a generator over counters.
func NewGenerator(counters store.CounterRepo, opts ...Option) *Generator {
	o := Opts{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	return &Generator{counters: counters, opts: o, sleep: sleepContext}
}

// NextActivityCode allocates the next CAP code under k.
func (g *Generator) NextActivityCode(ctx context.Context, k ActivityKey) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	seq, err := g.next(ctx, k.CounterKey())
	if err != nil {
		return "", err
	}
	code, err := FormatCAP(k, seq)
	if err != nil {
		return "", err
	}
	g.opts.Metrics.RecordCode("cap")
	slog.Info("Generator.NextActivityCode: allocated", "code", code)
	return code, nil
}

// NextProductCode allocates the next CP code under k.
func (g *Generator) NextProductCode(ctx context.Context, k ProductKey) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	seq, err := g.next(ctx, k.CounterKey())
	if err != nil {
		return "", err
	}
	code, err := FormatCP(k, seq)
	if err != nil {
		return "", err
	}
	g.opts.Metrics.RecordCode("cp")
	slog.Info("Generator.NextProductCode: allocated", "code", code)
	return code, nil
}

// next increments key, retrying lock conflicts with doubling delays.
func (g *Generator) next(ctx context.Context, key string) (int, error) {
	delay := g.opts.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		seq, err := g.counters.NextSequence(ctx, key)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			slog.Error("Generator.next: counter increment failed", "key", key, "error", err)
			return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
		}
		lastErr = err
		if attempt == g.opts.MaxAttempts {
			break
		}
		g.opts.Metrics.RecordCounterRetry()
		slog.Warn("Generator.next: counter conflict, retrying", "key", key, "attempt", attempt, "delay", delay)
		if err := g.sleep(ctx, delay); err != nil {
			return 0, err
		}
		delay *= 2
		if delay > g.opts.MaxDelay {
			delay = g.opts.MaxDelay
		}
	}
	slog.Error("Generator.next: giving up", "key", key, "attempts", g.opts.MaxAttempts, "error", lastErr)
	return 0, fmt.Errorf("%w: %s after %d attempts: %v", ErrCounterContention, key, g.opts.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
