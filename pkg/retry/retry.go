// Package retry runs operations on an exponential backoff schedule and,
// for event consumption, parks deliveries that exhaust it on a
// dead-letter topic.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrContextCanceled    = errors.New("context canceled during retry")
)

// Config tunes the backoff schedule. MaxRetries counts attempts after the
// first one, so zero means a single try.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// JitterFactor randomizes each wait by ±that fraction of the interval
	JitterFactor float64
}

// DefaultConfig retries five times on a 1s, 2s, 4s, ... schedule capped
// at 30s with 10% jitter
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.1,
	}
}

// Operation is retried until it succeeds, fails permanently, or the
// schedule runs out
type Operation func(ctx context.Context) error

// PermanentError stops the retry loop immediately. Gateway rejections and
// malformed payloads wear it so they are not replayed.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Result reports how a retried operation went. Err is nil on success;
// LastError keeps the final attempt's error when the schedule ran out.
type Result struct {
	Err           error
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// RetryCallback observes each failed attempt before the wait
type RetryCallback func(attempt int, err error, nextInterval time.Duration)

// Retrier executes operations under one backoff configuration
type Retrier struct {
	cfg *Config
}

// New creates a Retrier, filling zero config fields with defaults
func New(cfg *Config) *Retrier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	if cfg.JitterFactor > 1 {
		cfg.JitterFactor = 1
	}
	return &Retrier{cfg: cfg}
}

// Do runs op under the backoff schedule
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	return r.DoWithCallback(ctx, op, nil)
}

// DoWithCallback runs op, invoking callback before each wait
func (r *Retrier) DoWithCallback(ctx context.Context, op Operation, callback RetryCallback) *Result {
	start := time.Now()
	result := &Result{}
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		if ctx.Err() != nil {
			result.Err = ErrContextCanceled
			result.LastError = lastErr
			result.TotalDuration = time.Since(start)
			return result
		}

		err := op(ctx)
		if err == nil {
			result.TotalDuration = time.Since(start)
			return result
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			result.Err = perm.Err
			result.LastError = perm.Err
			result.TotalDuration = time.Since(start)
			return result
		}

		if attempt == r.cfg.MaxRetries {
			break
		}

		wait := r.interval(attempt)
		if callback != nil {
			callback(attempt+1, err, wait)
		}

		select {
		case <-ctx.Done():
			result.Err = ErrContextCanceled
			result.LastError = lastErr
			result.TotalDuration = time.Since(start)
			return result
		case <-time.After(wait):
		}
	}

	result.Err = ErrMaxRetriesExceeded
	result.LastError = lastErr
	result.TotalDuration = time.Since(start)
	return result
}

// interval is initial * multiplier^attempt with jitter, capped at MaxInterval
func (r *Retrier) interval(attempt int) time.Duration {
	wait := float64(r.cfg.InitialInterval) * math.Pow(r.cfg.Multiplier, float64(attempt))
	if r.cfg.JitterFactor > 0 {
		spread := wait * r.cfg.JitterFactor
		wait += (rand.Float64()*2 - 1) * spread
	}
	if wait > float64(r.cfg.MaxInterval) {
		wait = float64(r.cfg.MaxInterval)
	}
	if wait < 0 {
		wait = float64(r.cfg.InitialInterval)
	}
	return time.Duration(wait)
}
