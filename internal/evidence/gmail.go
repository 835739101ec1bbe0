package evidence

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/pkg/gmail"
)

// GmailSource adapts the Gmail API to Source. Gmail lists newest first and
// has no "oldest first" ordering, so the earliest hit is located by bisecting
// the date window with cheap existence queries, then the messages in a short
// span after it are listed and their headers fetched.
type GmailSource struct {
	client   gmail.Client
	span     time.Duration
	pageSize int
}

// GmailOption configures a GmailSource.
type GmailOption func(*GmailSource)

// WithSpan sets how much mail after the earliest hit is listed.
func WithSpan(d time.Duration) GmailOption {
	return func(s *GmailSource) {
		if d > 0 {
			s.span = d
		}
	}
}

// NewGmailSource returns a Source backed by c.
func NewGmailSource(c gmail.Client, opts ...GmailOption) *GmailSource {
	s := &GmailSource{
		client:   c,
		span:     45 * 24 * time.Hour,
		pageSize: 100,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Messages returns up to q.Limit messages starting at the earliest match. If
// ctx expires while headers are being fetched, the messages fetched so far
// are returned with the context error.
func (s *GmailSource) Messages(ctx context.Context, q Query) ([]model.Message, error) {
	base := RenderQuery(q.Senders, q.Keywords)
	lo, hi := q.After, q.Before
	if hi.IsZero() {
		hi = time.Now().UTC().Add(24 * time.Hour)
	}

	found, err := s.exists(ctx, base, lo, hi)
	if err != nil || !found {
		return nil, err
	}

	// Invariant: at least one match lies in [lo, hi).
	for hi.Sub(lo) > 24*time.Hour {
		mid := lo.Add(hi.Sub(lo) / 2)
		left, err := s.exists(ctx, base, lo, mid)
		if err != nil {
			return nil, err
		}
		if left {
			hi = mid
		} else {
			lo = mid
		}
	}

	end := lo.Add(s.span)
	if !q.Before.IsZero() && end.After(q.Before) {
		end = q.Before
	}
	ids, err := s.list(ctx, windowQuery(base, lo, end), q.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sortByReceived(out), err
		}
		meta, err := s.client.GetMetadata(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sortByReceived(out), ctxErr
			}
			return nil, classify(err)
		}
		at, err := meta.ReceivedAt()
		if err != nil {
			continue
		}
		out = append(out, model.Message{
			ID:         meta.ID,
			From:       meta.Header("From"),
			Subject:    meta.Header("Subject"),
			Snippet:    meta.Snippet,
			ReceivedAt: at,
		})
	}
	return sortByReceived(out), nil
}

func sortByReceived(msgs []model.Message) []model.Message {
	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		return a.ReceivedAt.Compare(b.ReceivedAt)
	})
	return msgs
}

func (s *GmailSource) exists(ctx context.Context, base string, from, to time.Time) (bool, error) {
	resp, err := s.client.ListMessages(ctx, gmail.ListRequest{
		Query:      windowQuery(base, from, to),
		MaxResults: 1,
	})
	if err != nil {
		return false, classify(err)
	}
	return len(resp.Messages) > 0, nil
}

func (s *GmailSource) list(ctx context.Context, query string, limit int) ([]string, error) {
	var ids []string
	token := ""
	for {
		resp, err := s.client.ListMessages(ctx, gmail.ListRequest{
			Query:      query,
			MaxResults: s.pageSize,
			PageToken:  token,
		})
		if err != nil {
			return nil, classify(err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.ID)
		}
		if resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}
	// Lists come back newest first, so every page of the span is read before
	// the oldest are kept.
	slices.Reverse(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// classify maps Gmail client errors onto the evidence error taxonomy.
func classify(err error) error {
	var rl *gmail.RateLimitError
	switch {
	case errors.Is(err, gmail.ErrUnauthorized):
		return eris.Wrap(ErrAccessUnavailable, err.Error())
	case errors.As(err, &rl):
		return eris.Wrap(ErrQuotaExceeded, err.Error())
	default:
		return err
	}
}

// RenderQuery builds a Gmail search expression such as
// `from:(a.com OR b@c.com) (welcome OR "confirm your email")`.
func RenderQuery(senders, keywords []string) string {
	var parts []string
	if len(senders) > 0 {
		parts = append(parts, "from:("+strings.Join(senders, " OR ")+")")
	}
	if len(keywords) > 0 {
		terms := make([]string, len(keywords))
		for i, k := range keywords {
			if strings.ContainsAny(k, " \t") {
				k = strconv.Quote(k)
			}
			terms[i] = k
		}
		parts = append(parts, "("+strings.Join(terms, " OR ")+")")
	}
	return strings.Join(parts, " ")
}

func windowQuery(base string, from, to time.Time) string {
	w := "after:" + strconv.FormatInt(from.Unix(), 10) + " before:" + strconv.FormatInt(to.Unix(), 10)
	if base == "" {
		return w
	}
	return base + " " + w
}
