// Package secondfactor polls the external one-time-code service for the
// six-digit code bound to a token.
package secondfactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/httprunner/FleetAgent/pkg/retry"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidToken is returned on a 404/403 response; it is never retried.
	ErrInvalidToken = errors.New("second factor token is invalid")
	// ErrTimeout is returned when no valid code arrived within the retry bounds.
	ErrTimeout = errors.New("second factor code not available before timeout")
	// ErrCodeNotReady is returned by TestToken when the service has no code yet.
	ErrCodeNotReady = errors.New("second factor code not ready")
)

const (
	DefaultMaxRetries    = 10
	DefaultRetryInterval = 5 * time.Second
	DefaultTotalTimeout  = 60 * time.Second
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Options bounds a GetCode poll.
type Options struct {
	// MaxRetries is the maximum number of probes.
	MaxRetries    int
	RetryInterval time.Duration
	TotalTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.TotalTimeout <= 0 {
		o.TotalTimeout = DefaultTotalTimeout
	}
	return o
}

// Config builds a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// RatePerSecond caps probes across all callers; 0 disables limiting.
	RatePerSecond float64
	// Sleep overrides the wait between probes (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client talks to the one-time-code service: GET {base}/{token}.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, pkgerrors.New("second factor base url is empty")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{baseURL: baseURL, httpClient: httpClient, sleep: cfg.Sleep}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c, nil
}

type probeResult int

const (
	probeOK probeResult = iota
	probeNotReady
	probeInvalid
)

// GetCode polls until a six-digit code is returned, the token is rejected,
// or opts bounds are hit.
func (c *Client) GetCode(ctx context.Context, token string, opts Options) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", pkgerrors.Wrap(ErrInvalidToken, "empty token")
	}
	opts = opts.withDefaults()

	var code string
	err := retry.Do(ctx, retry.Policy{
		MaxAttempts:  opts.MaxRetries,
		Interval:     opts.RetryInterval,
		TotalTimeout: opts.TotalTimeout,
		Sleep:        c.sleep,
	}, func(ctx context.Context, attempt int) error {
		got, result, err := c.probe(ctx, token)
		switch {
		case result == probeInvalid:
			return retry.Permanent(ErrInvalidToken)
		case err != nil:
			log.Debug().Err(err).Int("attempt", attempt).Msg("second factor probe failed, retrying")
			return err
		case result == probeNotReady:
			log.Debug().Int("attempt", attempt).Msg("second factor code not ready")
			return ErrCodeNotReady
		}
		code = got
		return nil
	})
	if err == nil {
		return code, nil
	}
	if errors.Is(err, ErrInvalidToken) {
		return "", err
	}
	if errors.Is(err, retry.ErrExhausted) || errors.Is(err, retry.ErrDeadline) {
		return "", pkgerrors.Wrap(ErrTimeout, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return "", pkgerrors.Wrap(ErrTimeout, err.Error())
	}
	return "", err
}

// TestToken performs one non-retrying probe for operator validation.
func (c *Client) TestToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", pkgerrors.Wrap(ErrInvalidToken, "empty token")
	}
	code, result, err := c.probe(ctx, token)
	switch {
	case result == probeInvalid:
		return "", ErrInvalidToken
	case err != nil:
		return "", err
	case result == probeNotReady:
		return "", ErrCodeNotReady
	}
	return code, nil
}

func (c *Client) probe(ctx context.Context, token string) (string, probeResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", probeNotReady, pkgerrors.Wrap(err, "wait second factor rate limiter")
		}
	}
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", probeNotReady, pkgerrors.Wrap(err, "build second factor request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", probeNotReady, pkgerrors.Wrap(err, "call second factor service")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", probeInvalid, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", probeNotReady, pkgerrors.Errorf("second factor service status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", probeNotReady, pkgerrors.Wrap(err, "decode second factor response")
	}
	code := strings.TrimSpace(parsed.Token)
	if !codePattern.MatchString(code) {
		return "", probeNotReady, nil
	}
	return code, probeOK, nil
}
