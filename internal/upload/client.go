// Package upload mirrors chat attachments into object storage. Uploads
// are cost-bearing, so each is gated by a per-user quota bucket and the
// transfer itself runs behind a circuit breaker with retry logic.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/linkrelay/linkrelay/internal/quota"
)

// Predefined upload errors.
var (
	// ErrCircuitOpen is returned when the object-store circuit breaker
	// is open.
	ErrCircuitOpen = errors.New("upload circuit breaker is open")
)

// Config holds configuration for the upload client.
type Config struct {
	// Name identifies the client for circuit breaker naming.
	Name string

	// BaseURL is the object-store endpoint uploads are PUT against.
	BaseURL string

	// Timeout is the per-request HTTP timeout. Default: 30s.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts. Default: 3.
	MaxRetries uint64

	// InitialInterval is the initial retry backoff interval.
	// Default: 250ms.
	InitialInterval time.Duration

	// MaxInterval is the maximum retry backoff interval. Default: 5s.
	MaxInterval time.Duration

	// Quota is the per-user upload quota bucket.
	Quota *quota.Bucket

	// Logger reports upload outcomes.
	Logger zerolog.Logger
}

// Client uploads attachment payloads with quota gating, circuit
// breaking, and retries.
type Client struct {
	cfg        Config
	log        zerolog.Logger
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	quota      *quota.Bucket
}

// NewClient creates a new upload client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 250 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
	})

	return &Client{
		cfg: cfg,
		log: cfg.Logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: cb,
		quota:   cfg.Quota,
	}
}

// Mirror uploads data for the originating user. The user's quota is
// checked first: a denied result is returned without error and without
// touching the network. Transfer failures are retried with exponential
// backoff unless the circuit breaker is open.
func (c *Client) Mirror(ctx context.Context, userID, objectPath string, data []byte, contentType string) (quota.Result, error) {
	result := c.quota.Check(userID)
	if !result.Allowed {
		c.log.Debug().
			Str("user_id", userID).
			Int("retry_after_s", result.RetryAfterSeconds).
			Msg("upload denied by quota")
		return result, nil
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(objectPath, "/")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0

	operation := func() error {
		resp, err := c.breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // closed below
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
			if reqErr != nil {
				return nil, backoff.Permanent(reqErr)
			}
			req.Header.Set("Content-Type", contentType)

			r, doErr := c.httpClient.Do(req)
			if doErr != nil {
				return nil, doErr
			}

			// 5xx responses count against the circuit breaker.
			if r.StatusCode >= 500 {
				r.Body.Close()
				return nil, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			return err
		}

		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			// Client errors are not retryable.
			return backoff.Permanent(fmt.Errorf("object store rejected upload: %s", resp.Status))
		}
		return nil
	}

	retries := backoff.WithMaxRetries(bo, c.cfg.MaxRetries)
	if err := backoff.Retry(operation, backoff.WithContext(retries, ctx)); err != nil {
		c.log.Warn().
			Err(err).
			Str("user_id", userID).
			Str("path", objectPath).
			Msg("upload failed")
		return result, err
	}

	c.log.Debug().
		Str("user_id", userID).
		Str("path", objectPath).
		Int("remaining_tokens", result.RemainingTokens).
		Msg("attachment mirrored")
	return result, nil
}

// BreakerState returns the current state of the circuit breaker.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// ServerError represents an HTTP 5xx response from the object store.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}
