// Package translate calls the text translation API, used to fill in target
// text the interpretation stream left empty.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/logging"
	"github.com/harunnryd/tolk/pkg/metrics"
	"github.com/harunnryd/tolk/pkg/protocol"
	"github.com/harunnryd/tolk/pkg/resilience"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("translate: circuit open")

// RequestSigner builds a signed translation request.
type RequestSigner interface {
	NewTranslationRequest(ctx context.Context, baseURL string, body []byte) (*http.Request, error)
}

type Config struct {
	URL              string
	AppID            string
	From             string
	To               string
	Timeout          time.Duration
	MaxRetries       int
	Backoff          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = logging.NewComponentLogger(l, "translate")
		}
	}
}

func WithObserver(obs metrics.Observer) Option {
	return func(c *Client) {
		if obs != nil {
			c.obs = obs
		}
	}
}

// Client is safe for concurrent use. It is shared by all bridges.
type Client struct {
	cfg     Config
	signer  RequestSigner
	http    *http.Client
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
	obs     metrics.Observer
}

func New(cfg Config, signer RequestSigner, opts ...Option) (*Client, error) {
	if signer == nil {
		return nil, errors.New("translate: signer is required")
	}
	if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.AppID) == "" {
		return nil, errors.New("translate: url and app id are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.From == "" {
		cfg.From = "cn"
	}
	if cfg.To == "" {
		cfg.To = "en"
	}
	c := &Client{
		cfg:     cfg,
		signer:  signer,
		http:    &http.Client{Timeout: cfg.Timeout},
		retry:   resilience.NewRetryPolicy(cfg.MaxRetries, cfg.Backoff),
		breaker: resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  logging.NewComponentLogger(slog.Default(), "translate"),
		obs:     metrics.NoopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Translate returns the target-language text for text.
func (c *Client) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if !c.breaker.Allow() {
		metrics.Record(c.obs, metrics.EventBreakerDenied, 1, map[string]string{"provider": "translate"})
		return "", errorsx.Wrap(ErrCircuitOpen, errorsx.ReasonCircuitOpen)
	}
	body, err := json.Marshal(protocol.NewTranslationRequest(c.cfg.AppID, c.cfg.From, c.cfg.To, text))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTranslate)
	}

	var dst string
	attempt := 0
	err = c.retry.DoContext(ctx, func(ctx context.Context) error {
		attempt++
		out, err := c.do(ctx, body)
		if err != nil {
			c.breaker.OnError(err)
			c.logger.Debug("translate_attempt_failed", "attempt", attempt, "error", err, "reason_code", errorsx.Reason(err))
			if resilience.IsRateLimit(err) && !c.breaker.Allow() {
				return resilience.Permanent(err)
			}
			return err
		}
		dst = out
		return nil
	})
	if err != nil {
		return "", err
	}
	c.breaker.OnSuccess()
	return dst, nil
}

func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	// Signed per attempt: the Date header is part of the signature.
	req, err := c.signer.NewTranslationRequest(ctx, c.cfg.URL, body)
	if err != nil {
		return "", resilience.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("translate: post: %w", err), errorsx.ReasonTranslate)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("translate: read body: %w", err), errorsx.ReasonTranslate)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errorsx.Wrap(resilience.RateLimitError{Provider: "translate", Message: "translate: rate limited"}, errorsx.ReasonTranslateRateLimit)
	case resp.StatusCode >= 500:
		return "", errorsx.Newf(errorsx.ReasonTranslate, "translate: http %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", resilience.Permanent(errorsx.Newf(errorsx.ReasonTranslate, "translate: http %d: %s", resp.StatusCode, truncate(raw, 200)))
	}

	var out protocol.TranslationResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", resilience.Permanent(errorsx.Wrap(fmt.Errorf("translate: decode response: %w", err), errorsx.ReasonTranslate))
	}
	if out.Code != 0 {
		return "", resilience.Permanent(errorsx.Newf(errorsx.ReasonTranslate, "translate: code %d: %s (sid %s)", out.Code, out.Message, out.SID))
	}
	return out.Data.Result.TransResult.Dst, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
