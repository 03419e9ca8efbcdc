package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"staffportal.org/internal/obs"
)

const (
	defaultBaseURL   = "https://groups.roblox.com"
	defaultTimeout   = 2 * time.Second
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	maxBodyBytes     = 1 << 20
)

var (
	// ErrUnavailable means the roster authority could not be reached after all
	// retries. The roster is unknown, not empty.
	ErrUnavailable = errors.New("roster: authority unavailable")
	// ErrUnexpectedStatus is returned without retrying for non-transient statuses.
	ErrUnexpectedStatus = errors.New("roster: unexpected status")
	ErrInvalidInput     = errors.New("roster: invalid input")
)

// Entry is one group membership reported by the roster authority.
type Entry struct {
	GroupID   int64  `json:"group_id"`
	GroupName string `json:"group_name,omitempty"`
	RankID    int    `json:"rank_id"`
	RankName  string `json:"rank_name"`
}

// Client fetches group rosters over HTTP with retry, backoff and a shared
// outbound rate budget.
type Client struct {
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	attempts  int
	baseDelay time.Duration
	cacheSize int
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures Client behavior.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout bounds each individual request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry sets the attempt budget and the first backoff delay, which doubles per retry.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if baseDelay >= 0 {
			c.baseDelay = baseDelay
		}
	}
}

// WithRateLimit shares a token bucket across every request made by the client.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithCacheSize bounds the number of principals remembered by one Scope.
func WithCacheSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// WithSleeper replaces the backoff wait (useful for tests).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// NewClient constructs a roster client with optional configuration.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   defaultBaseURL,
		http:      &http.Client{},
		limiter:   rate.NewLimiter(rate.Inf, 0),
		timeout:   defaultTimeout,
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
		cacheSize: defaultScopeSize,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns every group the account belongs to with its rank. Transient
// failures (429, 5xx, transport errors) are retried with exponential backoff;
// any other status fails immediately. On failure the roster is nil.
func (c *Client) Fetch(ctx context.Context, externalID string) ([]Entry, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, ErrInvalidInput
	}
	delay := c.baseDelay
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		entries, err := c.fetchOnce(ctx, externalID)
		if err == nil {
			obs.ObserveRosterAttempt("ok")
			return entries, nil
		}
		if ctx.Err() != nil {
			obs.ObserveRosterAttempt("canceled")
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		if !isTransient(err) {
			obs.ObserveRosterAttempt("rejected")
			return nil, err
		}
		obs.ObserveRosterAttempt("retry")
		lastErr = err
		if attempt == c.attempts {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		delay *= 2
	}
	obs.ObserveRosterAttempt("exhausted")
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, c.attempts, lastErr)
}

// Scope opens a fresh cache scope bound to this client. Scopes live for one
// request or one reconciliation pass and are never shared process-wide.
func (c *Client) Scope() *Scope {
	return NewScope(c, c.cacheSize)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("roster authority returned %d", e.code)
}

func (e *statusError) Is(target error) bool {
	return target == ErrUnexpectedStatus && !transientStatus(e.code)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return transientStatus(se.code)
	}
	var de *decodeError
	if errors.As(err, &de) {
		return false
	}
	// transport failures, including per-attempt timeouts
	return true
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode roster: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

type rolesResponse struct {
	Data []struct {
		Group struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"group"`
		Role struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
			Rank int    `json:"rank"`
		} `json:"role"`
	} `json:"data"`
}

func (c *Client) fetchOnce(ctx context.Context, externalID string) ([]Entry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v2/users/%s/groups/roles", c.baseURL, url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &decodeError{err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &statusError{code: resp.StatusCode}
	}

	var payload rolesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, &decodeError{err: err}
	}
	entries := make([]Entry, 0, len(payload.Data))
	for _, item := range payload.Data {
		entries = append(entries, Entry{
			GroupID:   item.Group.ID,
			GroupName: item.Group.Name,
			RankID:    item.Role.Rank,
			RankName:  item.Role.Name,
		})
	}
	return entries, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
