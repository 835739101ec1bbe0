// Package x is a minimal read-only X (formerly Twitter) API v2 client that
// looks up public account metadata by username with an app bearer token.
package x

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/firstmover/internal/resilience"
)

// DefaultBaseURLs are tried in order. The legacy host still serves the same
// v2 API when the primary is unavailable.
var DefaultBaseURLs = []string{"https://api.x.com/2", "https://api.twitter.com/2"}

var (
	// ErrUnauthorized is returned when the bearer token is missing, invalid,
	// or not permitted to read users.
	ErrUnauthorized = eris.New("x: access unauthorized")

	// ErrNotFound is returned when no account has the requested username, or
	// the account is suspended.
	ErrNotFound = eris.New("x: user not found")

	// ErrInvalidUsername is returned for a username X could never issue.
	ErrInvalidUsername = eris.New("x: invalid username")
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// NormalizeUsername strips a leading @ and surrounding space and checks the
// result against X's username rules.
func NormalizeUsername(s string) (string, error) {
	u := strings.TrimPrefix(strings.TrimSpace(s), "@")
	if !usernameRe.MatchString(u) {
		return "", eris.Wrapf(ErrInvalidUsername, "%q", s)
	}
	return u, nil
}

// RateLimitError is returned when X rejects a call for quota reasons.
type RateLimitError struct {
	StatusCode int
	// Reset is when the current rate-limit window ends, if X reported it.
	Reset time.Time
}

func (e *RateLimitError) Error() string {
	msg := "x: rate limited (" + strconv.Itoa(e.StatusCode) + ")"
	if !e.Reset.IsZero() {
		msg += " until " + e.Reset.UTC().Format(time.RFC3339)
	}
	return msg
}

// User is the subset of the v2 user object the client requests.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Client performs X API lookups.
type Client interface {
	UserByUsername(ctx context.Context, username string) (*User, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURLs overrides the API hosts. Empty values are ignored.
func WithBaseURLs(urls ...string) Option {
	return func(c *httpClient) {
		var out []string
		for _, u := range urls {
			if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			c.baseURLs = out
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the client-side request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	token    string
	baseURLs []string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates an X client authenticated with an app bearer token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:    token,
		baseURLs: DefaultBaseURLs,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(1, 5),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type userResponse struct {
	Data   *User `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Type   string `json:"type"`
	} `json:"errors"`
}

func (c *httpClient) UserByUsername(ctx context.Context, username string) (*User, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}

	path := "/users/by/username/" + url.PathEscape(name) + "?user.fields=created_at"
	var lastErr error
	for _, base := range c.baseURLs {
		var out userResponse
		err := c.get(ctx, base+path, &out)
		if err == nil {
			if out.Data == nil || out.Data.CreatedAt.IsZero() {
				detail := ""
				if len(out.Errors) > 0 {
					detail = out.Errors[0].Detail
				}
				return nil, eris.Wrapf(ErrNotFound, "%s: %s", name, detail)
			}
			return out.Data, nil
		}
		lastErr = err
		// Only a host-level failure is worth another host.
		if !resilience.IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, eris.Wrapf(lastErr, "x: lookup user %s", name)
}

func (c *httpClient) get(ctx context.Context, rawURL string, out any) error {
	if c.token == "" {
		return ErrUnauthorized
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "unmarshal response")
	}
	return nil
}

func statusError(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		rl := &RateLimitError{StatusCode: status}
		if v, err := strconv.ParseInt(resp.Header.Get("x-rate-limit-reset"), 10, 64); err == nil {
			rl.Reset = time.Unix(v, 0).UTC()
		}
		return rl
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return eris.Wrapf(ErrUnauthorized, "status %d", status)
	case status == http.StatusNotFound:
		return ErrNotFound
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(eris.Errorf("x: status %d", status), status)
	default:
		return eris.Errorf("x: unexpected status %d: %s", status, string(body))
	}
}
