package hetzner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL        = "https://api.hetzner.cloud/v1"
	defaultServerType     = "cx22"
	defaultImage          = "ubuntu-24.04"
	defaultMaxRetries     = 5
	defaultBaseBackoff    = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second

	headerRateLimitReset = "RateLimit-Reset"
	headerRetryAfter     = "Retry-After"
)

type Config struct {
	Token             string        `mapstructure:"token" json:"-"`
	BaseURL           string        `mapstructure:"base_url"`
	ServerType        string        `mapstructure:"server_type"`
	Image             string        `mapstructure:"image"`
	SSHKeys           []string      `mapstructure:"ssh_keys"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.ServerType == "" {
		c.ServerType = defaultServerType
	}
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// Client talks to the Hetzner Cloud API. Every request passes through a
// shared token bucket and a 429-aware retry loop.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(max time.Duration) time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock replaces the wall clock and the sleep used between retries.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.now = now
		c.sleep = sleep
	}
}

func WithJitter(jitter func(max time.Duration) time.Duration) Option {
	return func(c *Client) { c.jitter = jitter }
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
		sleep:      sleepContext,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends one logical API request. HTTP 429 responses are retried up to
// MaxRetries times, honouring the provider's reset header when present and
// falling back to capped exponential backoff with jitter otherwise.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}

		status, header, data, err := c.send(ctx, method, path, payload)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		metrics.ProviderRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()

		if status == http.StatusTooManyRequests {
			metrics.ProviderRateLimited.Inc()
			if attempt >= c.cfg.MaxRetries {
				return fmt.Errorf("%w: %s %s gave up after %d retries", ErrRateLimited, method, path, attempt)
			}
			wait := c.retryDelay(header, attempt)
			slog.Warn("Provider rate limited, backing off",
				"method", method,
				"path", path,
				"attempt", attempt+1,
				"wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
			continue
		}

		if status >= 400 {
			apiErr := parseAPIError(status, data)
			slog.Debug("Provider request failed", "method", method, "path", path, "status", status, "body", string(data))
			return apiErr
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}

// retryDelay computes the wait before retry number attempt+1.
func (c *Client) retryDelay(header http.Header, attempt int) time.Duration {
	if reset := header.Get(headerRateLimitReset); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			wait := time.Unix(unix, 0).Sub(c.now())
			if wait < 0 {
				wait = 0
			}
			return min(wait, c.cfg.MaxBackoff)
		}
	}
	if after := header.Get(headerRetryAfter); after != "" {
		if secs, err := strconv.Atoi(after); err == nil && secs >= 0 {
			return min(time.Duration(secs)*time.Second, c.cfg.MaxBackoff)
		}
	}

	backoff := c.cfg.BaseBackoff << attempt
	if backoff <= 0 || backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	return min(backoff+c.jitter(c.cfg.BaseBackoff), c.cfg.MaxBackoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
