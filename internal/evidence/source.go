// Package evidence finds account-creation evidence for each platform in a
// user's mailbox metadata.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/firstmover/internal/model"
)

var (
	// ErrAccessUnavailable means the user's mailbox grant was revoked or has
	// expired. Scoring continues with manual dates only.
	ErrAccessUnavailable = eris.New("evidence: mailbox access unavailable")

	// ErrQuotaExceeded means the message source rate limited the request.
	// Calls are retried with backoff before the platform is given up on.
	ErrQuotaExceeded = eris.New("evidence: message source quota exceeded")
)

// IsAccessUnavailable reports whether err means the mailbox cannot be read.
func IsAccessUnavailable(err error) bool {
	return errors.Is(err, ErrAccessUnavailable)
}

// IsQuotaExceeded reports whether err is a rate-limit error.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// Query narrows a source listing to one platform. Senders and Keywords are a
// coarse pre-filter; the matcher's rules decide what actually counts.
type Query struct {
	Senders  []string  // domains or full addresses
	Keywords []string  // any-of terms over subject and snippet
	After    time.Time // inclusive
	Before   time.Time // exclusive
	Limit    int
}

// Source lists message metadata for the authenticated user, oldest first.
// When ctx expires mid-listing, a source may return the messages it already
// read together with the context error.
type Source interface {
	Messages(ctx context.Context, q Query) ([]model.Message, error)
}

// FileSource serves messages from a JSON mailbox export (an array of
// model.Message). It is used by the CLI and by tests.
type FileSource struct {
	messages []model.Message
}

// NewFileSource returns a source over an in-memory message list.
func NewFileSource(messages []model.Message) *FileSource {
	sorted := slices.Clone(messages)
	slices.SortStableFunc(sorted, func(a, b model.Message) int {
		return a.ReceivedAt.Compare(b.ReceivedAt)
	})
	return &FileSource{messages: sorted}
}

// LoadFileSource reads a mailbox export from path.
func LoadFileSource(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: read mailbox file")
	}
	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, eris.Wrap(err, "evidence: unmarshal mailbox file")
	}
	return NewFileSource(msgs), nil
}

// Messages returns the messages matching q, oldest first.
func (s *FileSource) Messages(ctx context.Context, q Query) ([]model.Message, error) {
	var out []model.Message
	for _, m := range s.messages {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !q.After.IsZero() && m.ReceivedAt.Before(q.After) {
			continue
		}
		if !q.Before.IsZero() && !m.ReceivedAt.Before(q.Before) {
			continue
		}
		if len(q.Senders) > 0 && !senderMatches(senderAddress(m.From), q.Senders) {
			continue
		}
		if len(q.Keywords) > 0 && !containsAnyFold(m.Subject+" "+m.Snippet, q.Keywords) {
			continue
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// senderAddress extracts the bare lower-cased address from a From header
// such as `"Twitter" <verify@twitter.com>`.
func senderAddress(from string) string {
	from = strings.TrimSpace(from)
	if i := strings.LastIndexByte(from, '<'); i >= 0 {
		from = from[i+1:]
		if j := strings.IndexByte(from, '>'); j >= 0 {
			from = from[:j]
		}
	}
	return strings.ToLower(strings.TrimSpace(from))
}

// senderMatches reports whether addr equals one of senders (full addresses)
// or belongs to one of them (domains, including subdomains).
func senderMatches(addr string, senders []string) bool {
	at := strings.LastIndexByte(addr, '@')
	domain := addr
	if at >= 0 {
		domain = addr[at+1:]
	}
	for _, s := range senders {
		if strings.Contains(s, "@") {
			if addr == s {
				return true
			}
			continue
		}
		if domain == s || strings.HasSuffix(domain, "."+s) {
			return true
		}
	}
	return false
}
