// Package integrator makes JSON calls between the cores' HTTP surfaces with
// bounded retries. Terminal failures surface to the caller and are logged so
// reconciliation can heal the gap later.
package integrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/pkg/logger"
	"github.com/davidx345/openride-backend-sub002/pkg/retry"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second
)

// Client is a retrying JSON HTTP client
type Client struct {
	http    *http.Client
	retrier *retry.Retrier
	log     *logger.Logger
}

// Config tunes the integrator client. Zero values use the defaults
// (10s timeout, 3 attempts, 2s base backoff).
type Config struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// New creates an integrator client with one pooled transport
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}

	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		retrier: retry.New(&retry.Config{
			MaxRetries:      cfg.Attempts - 1,
			InitialInterval: cfg.Backoff,
			MaxInterval:     cfg.Timeout,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		}),
		log: logger.Get(),
	}
}

// PostJSON posts body to url and decodes a 2xx response into out (out may be
// nil). Non-2xx responses and transport errors are retried with backoff.
func (c *Client) PostJSON(ctx context.Context, url string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, url, body, out)
}

// GetJSON fetches url and decodes a 2xx response into out
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

func (c *Client) do(ctx context.Context, method, url string, body, out interface{}) error {
	ctx, span := telemetry.StartSpan(ctx, "integrator.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", url),
	)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "marshal failed")
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	result := c.retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		return c.once(ctx, method, url, payload, out)
	}, func(attempt int, err error, next time.Duration) {
		c.log.Warn("Integrator call failed, retrying",
			"method", method, "url", url,
			"attempt", attempt, "next_retry_in", next, "error", err)
	})
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "call failed")
		c.log.Error("Integrator call exhausted retries",
			"method", method, "url", url,
			"attempts", result.Attempts, "error", result.Err)
		return fmt.Errorf("%s %s failed after %d attempts: %w", method, url, result.Attempts, result.Err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *Client) once(ctx context.Context, method, url string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)

	// client errors won't heal on retry
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}
