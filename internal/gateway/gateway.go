// Package gateway invokes a language model backend with per-call timeouts,
// bounded retries and optional rate limiting.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

// ErrGenerationUnavailable is wrapped by every error Generate returns except
// parent context cancellation.
var ErrGenerationUnavailable = errors.New("generation unavailable")

type Options struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Backend is a single model endpoint. Generate returns the raw model text.
type Backend interface {
	Name() string
	Model() string
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// StatusError reports a non-2xx response from a backend.
type StatusError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed status=%d body=%s", e.Backend, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another call: rate limiting
// and server-side failures.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type Completion struct {
	Raw     string `json:"-"`
	Text    string `json:"text"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Calls   int    `json:"calls"`
}

type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RateLimit is calls per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	Defaults  Options
}

const (
	DefaultMaxRetries  = 2
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 8 * time.Second
	DefaultTimeout     = 30 * time.Second
)

type Gateway struct {
	backend Backend
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(backend Backend, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.Defaults.Timeout <= 0 {
		cfg.Defaults.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Gateway{backend: backend, cfg: cfg, logger: logger, sleep: sleepContext}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g, nil
}

func (g *Gateway) Backend() string { return g.backend.Name() }

func (g *Gateway) Model() string { return g.backend.Model() }

// Generate calls the backend until it succeeds, a non-retryable error occurs,
// or MaxRetries retries are spent. Zero-valued fields of opts fall back to the
// configured defaults.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts Options) (Completion, error) {
	opts = g.withDefaults(opts)
	name := g.backend.Name()
	completion := Completion{Backend: name, Model: g.backend.Model()}

	for retry := 0; ; retry++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return completion, ctx.Err()
				}
				return completion, fmt.Errorf("%w: rate limiter: %w", ErrGenerationUnavailable, err)
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		raw, err := g.backend.Generate(callCtx, prompt, opts)
		cancel()
		completion.Calls++

		if err == nil {
			observability.ObserveGatewayCall(name, "ok", time.Since(start))
			completion.Raw = raw
			completion.Text = ExtractSQL(raw)
			return completion, nil
		}
		if ctx.Err() != nil {
			observability.ObserveGatewayCall(name, "canceled", time.Since(start))
			return completion, ctx.Err()
		}
		observability.ObserveGatewayCall(name, "error", time.Since(start))

		if !isRetryable(err) || retry >= g.cfg.MaxRetries {
			g.logger.WarnContext(ctx, "model generation failed",
				slog.String("backend", name),
				slog.Int("calls", completion.Calls),
				slog.String("error", err.Error()),
			)
			return completion, fmt.Errorf("%w: %s after %d call(s): %w", ErrGenerationUnavailable, name, completion.Calls, err)
		}

		delay := g.backoff(retry)
		observability.IncrementGatewayRetry(name)
		g.logger.WarnContext(ctx, "retrying model call",
			slog.String("backend", name),
			slog.Int("call", completion.Calls),
			slog.String("delay", delay.String()),
			slog.String("error", err.Error()),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return completion, err
		}
	}
}

func (g *Gateway) withDefaults(opts Options) Options {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = g.cfg.Defaults.MaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = g.cfg.Defaults.Temperature
	}
	if opts.Timeout <= 0 {
		opts.Timeout = g.cfg.Defaults.Timeout
	}
	return opts
}

// backoff returns BackoffBase * 2^retry, capped at BackoffMax.
func (g *Gateway) backoff(retry int) time.Duration {
	delay := g.cfg.BackoffBase
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= g.cfg.BackoffMax {
			return g.cfg.BackoffMax
		}
	}
	if delay > g.cfg.BackoffMax {
		return g.cfg.BackoffMax
	}
	return delay
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pinger is implemented by backends that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type BackendConfig struct {
	// Kind is hosted, local or sqlcoder.
	Kind    string
	BaseURL string
	APIKey  string
	Model   string
}

// NewBackend builds the backend variant named by cfg.Kind.
func NewBackend(cfg BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case "hosted":
		return NewHostedBackend(HostedConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model})
	case "local":
		return NewLocalBackend(LocalConfig{BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "sqlcoder":
		return NewSQLCoderBackend(LocalConfig{BaseURL: cfg.BaseURL, Model: cfg.Model})
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Kind)
	}
}

// Ping reports backend readiness when the backend supports it.
func (g *Gateway) Ping(ctx context.Context) error {
	if pinger, ok := g.backend.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}
