// Package gmail is a minimal read-only Gmail API client that lists messages
// and fetches their metadata headers. It never requests message bodies.
package gmail

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/firstmover/internal/resilience"
)

const defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

// ErrUnauthorized is returned when the access token is missing, expired, or
// revoked, or lacks the gmail.readonly scope.
var ErrUnauthorized = eris.New("gmail: access unauthorized")

// RateLimitError is returned when Gmail rejects a call for quota reasons.
type RateLimitError struct {
	StatusCode int
	Reason     string
}

func (e *RateLimitError) Error() string {
	return "gmail: rate limited (" + strconv.Itoa(e.StatusCode) + " " + e.Reason + ")"
}

// Client performs Gmail API operations for the authenticated user.
type Client interface {
	ListMessages(ctx context.Context, req ListRequest) (*ListResponse, error)
	GetMetadata(ctx context.Context, id string) (*Message, error)
}

// ListRequest is a users.messages.list call.
type ListRequest struct {
	Query      string
	MaxResults int
	PageToken  string
}

// ListResponse is the users.messages.list response.
type ListResponse struct {
	Messages           []MessageRef `json:"messages"`
	NextPageToken      string       `json:"nextPageToken"`
	ResultSizeEstimate int          `json:"resultSizeEstimate"`
}

// MessageRef identifies a message in a list response.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// Message is a message fetched with format=metadata.
type Message struct {
	ID           string  `json:"id"`
	InternalDate string  `json:"internalDate"`
	Snippet      string  `json:"snippet"`
	Payload      Payload `json:"payload"`
}

// Payload holds the requested headers.
type Payload struct {
	Headers []Header `json:"headers"`
}

// Header is one message header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Header returns the first header with the given name, case-insensitively.
func (m *Message) Header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ReceivedAt converts internalDate (epoch milliseconds) to a UTC time.
func (m *Message) ReceivedAt() (time.Time, error) {
	ms, err := strconv.ParseInt(m.InternalDate, 10, 64)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "gmail: parse internalDate %q", m.InternalDate)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
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
		c.limiter = NewAdaptiveLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *AdaptiveLimiter
}

// NewClient creates a Gmail client authenticated with an OAuth access token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: NewAdaptiveLimiter(10, 10),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ListMessages(ctx context.Context, req ListRequest) (*ListResponse, error) {
	q := url.Values{}
	if req.Query != "" {
		q.Set("q", req.Query)
	}
	if req.MaxResults > 0 {
		q.Set("maxResults", strconv.Itoa(req.MaxResults))
	}
	if req.PageToken != "" {
		q.Set("pageToken", req.PageToken)
	}
	q.Set("includeSpamTrash", "false")

	var out ListResponse
	if err := c.get(ctx, "/users/me/messages?"+q.Encode(), &out); err != nil {
		return nil, eris.Wrap(err, "gmail: list messages")
	}
	return &out, nil
}

func (c *httpClient) GetMetadata(ctx context.Context, id string) (*Message, error) {
	q := url.Values{}
	q.Set("format", "metadata")
	q.Add("metadataHeaders", "From")
	q.Add("metadataHeaders", "Subject")
	q.Set("fields", "id,internalDate,snippet,payload/headers")

	var out Message
	if err := c.get(ctx, "/users/me/messages/"+url.PathEscape(id)+"?"+q.Encode(), &out); err != nil {
		return nil, eris.Wrapf(err, "gmail: get message %s", id)
	}
	return &out, nil
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	if c.token == "" {
		return ErrUnauthorized
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp.StatusCode, body)
	}
	c.limiter.OnSuccess()

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "unmarshal response")
	}
	return nil
}

func (c *httpClient) statusError(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	reason := ""
	if len(ae.Error.Errors) > 0 {
		reason = ae.Error.Errors[0].Reason
	}

	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusForbidden && strings.Contains(strings.ToLower(reason), "ratelimitexceeded"):
		c.limiter.OnRateLimit()
		return &RateLimitError{StatusCode: status, Reason: reason}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return eris.Wrapf(ErrUnauthorized, "status %d %s", status, reason)
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(eris.Errorf("gmail: status %d: %s", status, ae.Error.Message), status)
	default:
		return eris.Errorf("gmail: unexpected status %d: %s", status, string(body))
	}
}
