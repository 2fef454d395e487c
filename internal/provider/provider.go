// Package provider fetches game records from game-history services.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ililio1/chesshelper/internal/store"
)

// ErrProviderUnavailable wraps every fetch failure.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Provider returns raw PGN records of a handle's games finished within
// [since, until], most recent last, at most max of them.
type Provider interface {
	Name() store.Provider
	FetchGames(ctx context.Context, handle string, since, until time.Time, max int) ([]string, error)
}

// Config is shared by the HTTP providers.
type Config struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	MaxRetries int
	Backoff    time.Duration // first retry delay, doubled each attempt
}

func (c *Config) setDefaults(baseURL string) {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = "chesshelper/1.0"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Backoff == 0 {
		c.Backoff = time.Second
	}
}

// Set indexes providers by name.
type Set map[store.Provider]Provider

// NewSet builds a Set from providers.
func NewSet(ps ...Provider) Set {
	s := make(Set, len(ps))
	for _, p := range ps {
		s[p.Name()] = p
	}
	return s
}

type retryableError struct {
	status int
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("retryable status %d", e.status)
}

// retryWithBackoff retries fn while it returns a retryableError.
func retryWithBackoff(ctx context.Context, maxRetries int, backoff time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var re *retryableError
		if !errors.As(lastErr, &re) {
			return lastErr
		}
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff << uint(attempt)):
			}
		}
	}
	return lastErr
}

// get performs a GET and returns the body of a 200 response.
func get(ctx context.Context, cfg Config, url, accept string) ([]byte, error) {
	var body []byte
	err := retryWithBackoff(ctx, cfg.MaxRetries, cfg.Backoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", cfg.UserAgent)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		resp, err := cfg.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, resp.Body)
			return &retryableError{status: resp.StatusCode}
		default:
			return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return body, nil
}
