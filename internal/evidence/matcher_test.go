package evidence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/firstmover/internal/catalog"
	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/internal/resilience"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testConfig() Config {
	return Config{
		MaxMessages:     100,
		ScanTimeout:     5 * time.Second,
		ConflictPenalty: 0.1,
		PenaltyFloor:    0.5,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}
}

func testPlatforms() []model.Platform {
	return []model.Platform{
		{
			ID:         "twitter",
			Name:       "Twitter",
			LaunchDate: day(2006, 7, 1),
			Mode:       model.MatchWelcome,
			Rules: []model.Rule{
				{
					ID:              "twitter-strict",
					Weight:          0.9,
					SenderAddresses: []string{"verify@twitter.com"},
					SubjectPatterns: []string{`(?i)\bwelcome\b`},
				},
				{
					ID:            "twitter-broad",
					Weight:        0.6,
					SenderDomains: []string{"twitter.com"},
					Keywords:      []string{"confirm your email"},
				},
			},
		},
		{
			ID:         "gmail",
			Name:       "Gmail",
			LaunchDate: day(2004, 4, 1),
			Mode:       model.MatchOldest,
			Rules:      []model.Rule{{ID: "gmail-oldest", Weight: 0.95}},
		},
	}
}

func newTestMatcher(t *testing.T, platforms []model.Platform) *Matcher {
	t.Helper()
	m, err := NewMatcher(testConfig(), platforms)
	require.NoError(t, err)
	m.now = func() time.Time { return day(2026, 1, 1) }
	return m
}

func collect(m *Matcher, ctx context.Context, src Source) map[string]model.PlatformEvidence {
	out := make(map[string]model.PlatformEvidence)
	for ev := range m.Scan(ctx, src) {
		out[ev.Platform.ID] = ev
	}
	return out
}

type fakeSource struct {
	mu    sync.Mutex
	calls []Query
	fn    func(call int, q Query) ([]model.Message, error)
}

func (f *fakeSource) Messages(_ context.Context, q Query) ([]model.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(n, q)
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScan_EmptyMailbox(t *testing.T) {
	m := newTestMatcher(t, testPlatforms())
	got := collect(m, context.Background(), NewFileSource(nil))

	require.Len(t, got, 2)
	for id, ev := range got {
		assert.NoError(t, ev.Err, id)
		assert.Empty(t, ev.Candidates, id)
	}
}

func TestScan_StrictWelcomeMessage(t *testing.T) {
	src := NewFileSource([]model.Message{
		{ID: "1", From: "Twitter <verify@twitter.com>", Subject: "Welcome to Twitter!", ReceivedAt: time.Date(2008, 3, 14, 17, 5, 0, 0, time.UTC)},
		{ID: "2", From: "friend@example.com", Subject: "welcome party", ReceivedAt: time.Date(2007, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	m := newTestMatcher(t, testPlatforms())
	got := collect(m, context.Background(), src)

	tw := got["twitter"]
	require.NoError(t, tw.Err)
	require.Len(t, tw.Candidates, 1)
	c := tw.Candidates[0]
	assert.Equal(t, day(2008, 3, 14), c.Date)
	assert.InDelta(t, 0.9, c.Confidence, 1e-9)
	assert.Equal(t, "twitter-strict", c.RuleID)
	assert.Contains(t, c.Source, "rule:twitter-strict/msg:")
	assert.NotContains(t, c.Source, "Welcome", "descriptor must not carry content")
}

func TestScan_BroadRuleMatchesWhatStrictRejects(t *testing.T) {
	src := NewFileSource([]model.Message{
		{ID: "1", From: "verify@twitter.com", Subject: "Please confirm your email", ReceivedAt: day(2009, 5, 5)},
	})
	m := newTestMatcher(t, testPlatforms())
	tw := collect(m, context.Background(), src)["twitter"]

	require.Len(t, tw.Candidates, 1)
	assert.Equal(t, "twitter-broad", tw.Candidates[0].RuleID)
	assert.InDelta(t, 0.6, tw.Candidates[0].Confidence, 1e-9)
	assert.Equal(t, 1, tw.Scanned, "a message returned by both passes is counted once")
}

func TestScan_DeduplicatesSameDate(t *testing.T) {
	src := NewFileSource([]model.Message{
		{ID: "1", From: "verify@twitter.com", Subject: "Welcome", ReceivedAt: time.Date(2010, 2, 2, 8, 0, 0, 0, time.UTC)},
		{ID: "2", From: "verify@twitter.com", Subject: "Fwd: Welcome", ReceivedAt: time.Date(2010, 2, 2, 20, 0, 0, 0, time.UTC)},
		{ID: "3", From: "notify@twitter.com", Subject: "confirm your email", ReceivedAt: time.Date(2010, 2, 2, 9, 0, 0, 0, time.UTC)},
	})
	m := newTestMatcher(t, testPlatforms())
	tw := collect(m, context.Background(), src)["twitter"]

	require.Len(t, tw.Candidates, 1)
	assert.Equal(t, "twitter-strict", tw.Candidates[0].RuleID, "highest weight kept")
	assert.InDelta(t, 0.9, tw.Candidates[0].Confidence, 1e-9, "no conflict penalty for one date")
}

func TestScan_ConflictingDatesLowerConfidence(t *testing.T) {
	src := NewFileSource([]model.Message{
		{ID: "1", From: "verify@twitter.com", Subject: "Welcome", ReceivedAt: day(2010, 2, 2)},
		{ID: "2", From: "verify@twitter.com", Subject: "Welcome back", ReceivedAt: day(2014, 6, 1)},
	})
	m := newTestMatcher(t, testPlatforms())
	tw := collect(m, context.Background(), src)["twitter"]

	require.Len(t, tw.Candidates, 2)
	assert.Equal(t, day(2010, 2, 2), tw.Candidates[0].Date)
	assert.Equal(t, day(2014, 6, 1), tw.Candidates[1].Date)
	for _, c := range tw.Candidates {
		assert.InDelta(t, 0.81, c.Confidence, 1e-9) // 0.9 * (1 - 0.1)
	}
}

func TestScan_ConflictPenaltyFloor(t *testing.T) {
	var msgs []model.Message
	for i := range 12 {
		msgs = append(msgs, model.Message{
			ID: string(rune('a' + i)), From: "verify@twitter.com", Subject: "Welcome",
			ReceivedAt: day(2010+i, 1, 1),
		})
	}
	m := newTestMatcher(t, testPlatforms())
	tw := collect(m, context.Background(), NewFileSource(msgs))["twitter"]

	require.Len(t, tw.Candidates, 12)
	assert.InDelta(t, 0.45, tw.Candidates[0].Confidence, 1e-9) // 0.9 * floor 0.5
}

func TestScan_OldestModeKeepsEarliestOnly(t *testing.T) {
	src := NewFileSource([]model.Message{
		{ID: "1", From: "a@example.com", Subject: "hi", ReceivedAt: day(2012, 1, 1)},
		{ID: "2", From: "b@example.com", Subject: "hello", ReceivedAt: day(2005, 9, 9)},
		{ID: "3", From: "c@example.com", Subject: "yo", ReceivedAt: day(2020, 1, 1)},
	})
	m := newTestMatcher(t, testPlatforms())
	g := collect(m, context.Background(), src)["gmail"]

	require.Len(t, g.Candidates, 1)
	assert.Equal(t, day(2005, 9, 9), g.Candidates[0].Date)
	assert.InDelta(t, 0.95, g.Candidates[0].Confidence, 1e-9)
}

func TestScan_IgnoresMessagesBeforeLaunch(t *testing.T) {
	src := NewFileSource([]model.Message{
		{ID: "1", From: "verify@twitter.com", Subject: "Welcome", ReceivedAt: day(2001, 1, 1)},
	})
	m := newTestMatcher(t, testPlatforms())
	assert.Empty(t, collect(m, context.Background(), src)["twitter"].Candidates)
}

func TestScan_BoundsMessagesPerPlatform(t *testing.T) {
	src := &fakeSource{fn: func(_ int, q Query) ([]model.Message, error) {
		var out []model.Message
		for i := 0; i < q.Limit; i++ {
			out = append(out, model.Message{ID: time.Duration(i).String(), From: "x@example.com", ReceivedAt: day(2010, 1, 1)})
		}
		return out, nil
	}}
	cfg := testConfig()
	cfg.MaxMessages = 7
	m, err := NewMatcher(cfg, testPlatforms())
	require.NoError(t, err)

	got := collect(m, context.Background(), src)
	assert.Equal(t, 7, got["twitter"].Scanned)
	assert.Equal(t, 7, got["gmail"].Scanned)
	for _, q := range src.calls {
		assert.LessOrEqual(t, q.Limit, 7)
	}
}

func TestScan_AccessRevokedStopsQueries(t *testing.T) {
	src := &fakeSource{fn: func(_ int, _ Query) ([]model.Message, error) {
		return nil, ErrAccessUnavailable
	}}
	m := newTestMatcher(t, testPlatforms())
	got := collect(m, context.Background(), src)

	assert.True(t, IsAccessUnavailable(got["twitter"].Err))
	assert.True(t, IsAccessUnavailable(got["gmail"].Err))
	assert.Equal(t, 1, src.callCount(), "no calls after revocation")
}

func TestScan_QuotaRetriedThenSucceeds(t *testing.T) {
	src := &fakeSource{fn: func(call int, q Query) ([]model.Message, error) {
		if call <= 2 {
			return nil, ErrQuotaExceeded
		}
		return []model.Message{{ID: "1", From: "verify@twitter.com", Subject: "Welcome", ReceivedAt: day(2011, 1, 1)}}, nil
	}}
	m := newTestMatcher(t, testPlatforms()[:1])
	tw := collect(m, context.Background(), src)["twitter"]

	require.NoError(t, tw.Err)
	require.Len(t, tw.Candidates, 1)
}

func TestScan_QuotaExhausted(t *testing.T) {
	src := &fakeSource{fn: func(_ int, _ Query) ([]model.Message, error) {
		return nil, ErrQuotaExceeded
	}}
	m := newTestMatcher(t, testPlatforms()[:1])
	tw := collect(m, context.Background(), src)["twitter"]

	assert.True(t, IsQuotaExceeded(tw.Err))
	assert.Empty(t, tw.Candidates)
	assert.Equal(t, 3, src.callCount(), "bounded attempts, then give up on the platform")
}

func TestScan_IsLazy(t *testing.T) {
	src := &fakeSource{fn: func(_ int, _ Query) ([]model.Message, error) { return nil, nil }}
	m := newTestMatcher(t, testPlatforms())

	for ev := range m.Scan(context.Background(), src) {
		assert.Equal(t, "twitter", ev.Platform.ID)
		break
	}
	assert.Equal(t, 2, src.callCount(), "only the first platform's two rules were queried")
}

func TestScan_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newTestMatcher(t, testPlatforms())
	got := collect(m, ctx, NewFileSource([]model.Message{
		{ID: "1", From: "verify@twitter.com", Subject: "Welcome", ReceivedAt: day(2010, 1, 1)},
	}))
	assert.ErrorIs(t, got["twitter"].Err, context.Canceled)
	assert.Empty(t, got["twitter"].Candidates)
}

func TestScan_PatternRuleNotNarrowedByKeywords(t *testing.T) {
	platforms := []model.Platform{{
		ID:         "spotify",
		LaunchDate: day(2008, 10, 7),
		Rules: []model.Rule{{
			ID:              "spotify-strict",
			Weight:          0.9,
			SenderDomains:   []string{"spotify.com"},
			SubjectPatterns: []string{`(?i)^welcome to spotify`},
			Keywords:        []string{"activate"},
		}},
	}}
	src := NewFileSource([]model.Message{
		{ID: "1", From: "no-reply@spotify.com", Subject: "Welcome to Spotify", ReceivedAt: day(2010, 4, 4)},
	})
	m := newTestMatcher(t, platforms)
	ev := collect(m, context.Background(), src)["spotify"]

	require.NoError(t, ev.Err)
	require.Len(t, ev.Candidates, 1)
	assert.Equal(t, day(2010, 4, 4), ev.Candidates[0].Date)
}

func TestScan_KeywordOnlyRuleNarrowsQuery(t *testing.T) {
	src := &fakeSource{fn: func(_ int, _ Query) ([]model.Message, error) { return nil, nil }}
	m := newTestMatcher(t, testPlatforms()[:1])
	collect(m, context.Background(), src)

	require.Len(t, src.calls, 2)
	assert.Nil(t, src.calls[0].Keywords, "strict rule has subject patterns")
	assert.Equal(t, []string{"confirm your email"}, src.calls[1].Keywords)
}

func TestScan_OldestModeReadsSmallBatch(t *testing.T) {
	src := &fakeSource{fn: func(_ int, _ Query) ([]model.Message, error) { return nil, nil }}
	m := newTestMatcher(t, testPlatforms()[1:])
	collect(m, context.Background(), src)

	require.Len(t, src.calls, 1)
	assert.Equal(t, oldestBatch, src.calls[0].Limit)
}

func TestScan_SlowPlatformDoesNotStarveOthers(t *testing.T) {
	var msgs []model.Message
	for i := range 300 {
		msgs = append(msgs, model.Message{
			ID:         fmt.Sprintf("news-%03d", i),
			From:       "Newsletter <news@example.com>",
			Subject:    "Weekly digest",
			ReceivedAt: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * 2 * time.Hour),
		})
	}
	msgs = append(msgs, model.Message{
		ID:         "tw-welcome",
		From:       "Twitter <verify@twitter.com>",
		Subject:    "Welcome to Twitter",
		ReceivedAt: time.Date(2012, 3, 5, 10, 30, 0, 0, time.UTC),
	})
	client, box := newFakeGmail(t, msgs)
	box.metaDelay = 10 * time.Millisecond

	c, err := catalog.Default()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.ScanTimeout = time.Second
	m, err := NewMatcher(cfg, c.Platforms())
	require.NoError(t, err)
	m.now = func() time.Time { return day(2026, 1, 1) }

	got := collect(m, context.Background(), NewGmailSource(client))

	g := got["gmail"]
	require.NoError(t, g.Err)
	require.Len(t, g.Candidates, 1)
	assert.Equal(t, day(2010, 1, 1), g.Candidates[0].Date)
	assert.LessOrEqual(t, g.Scanned, oldestBatch)

	tw := got["twitter"]
	require.NoError(t, tw.Err)
	require.Len(t, tw.Candidates, 1)
	assert.Equal(t, day(2012, 3, 5), tw.Candidates[0].Date)
	assert.Equal(t, "twitter-strict", tw.Candidates[0].RuleID)

	for _, id := range []string{"facebook", "linkedin", "openai"} {
		assert.NoError(t, got[id].Err, id)
	}
}

func TestScan_PlatformTimeoutKeepsPartialEvidence(t *testing.T) {
	msgs := []model.Message{{
		ID:         "welcome",
		From:       "verify@twitter.com",
		Subject:    "Welcome to Twitter",
		ReceivedAt: time.Date(2008, 3, 14, 17, 5, 0, 0, time.UTC),
	}}
	for i := range 200 {
		msgs = append(msgs, model.Message{
			ID:         fmt.Sprintf("alert-%03d", i),
			From:       "verify@twitter.com",
			Subject:    "Login alert",
			ReceivedAt: time.Date(2008, 3, 15, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		})
	}
	client, box := newFakeGmail(t, msgs)
	box.metaDelay = 10 * time.Millisecond

	cfg := testConfig()
	cfg.MaxMessages = 500
	cfg.ScanTimeout = 500 * time.Millisecond
	m, err := NewMatcher(cfg, testPlatforms())
	require.NoError(t, err)
	m.now = func() time.Time { return day(2026, 1, 1) }

	got := collect(m, context.Background(), NewGmailSource(client))

	tw := got["twitter"]
	assert.ErrorIs(t, tw.Err, context.DeadlineExceeded)
	require.Len(t, tw.Candidates, 1, "the welcome was read before the budget ran out")
	assert.Equal(t, day(2008, 3, 14), tw.Candidates[0].Date)

	g := got["gmail"]
	require.NoError(t, g.Err, "gmail has its own budget")
	require.Len(t, g.Candidates, 1)
	assert.Equal(t, day(2008, 3, 14), g.Candidates[0].Date)
}

func TestScan_OverrunReportedAsTimeout(t *testing.T) {
	src := &fakeSource{fn: func(_ int, _ Query) ([]model.Message, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	}}
	cfg := testConfig()
	cfg.ScanTimeout = 5 * time.Millisecond
	m, err := NewMatcher(cfg, testPlatforms()[1:])
	require.NoError(t, err)

	g := collect(m, context.Background(), src)["gmail"]
	assert.ErrorIs(t, g.Err, context.DeadlineExceeded)
	assert.Empty(t, g.Candidates)
}

func TestNewMatcher_DefaultCatalogue(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	m, err := NewMatcher(DefaultConfig(), c.Platforms())
	require.NoError(t, err)
	m.now = func() time.Time { return day(2026, 1, 1) }

	src := NewFileSource([]model.Message{
		{ID: "1", From: "Reddit <noreply@redditmail.com>", Subject: "Verify your Reddit email address", ReceivedAt: day(2016, 8, 8)},
		{ID: "2", From: "Amazon.com <prime@amazon.com>", Subject: "Welcome to Amazon Prime", ReceivedAt: day(2011, 11, 11)},
	})
	got := collect(m, context.Background(), src)

	require.Len(t, got["reddit"].Candidates, 1)
	assert.Equal(t, "reddit-strict", got["reddit"].Candidates[0].RuleID)
	require.Len(t, got["amazonprime"].Candidates, 1)
	assert.Equal(t, day(2011, 11, 11), got["amazonprime"].Candidates[0].Date)
	require.Len(t, got["gmail"].Candidates, 1)
	assert.Equal(t, day(2011, 11, 11), got["gmail"].Candidates[0].Date)
	assert.Empty(t, got["facebook"].Candidates)
}

func TestNewMatcher_BadPattern(t *testing.T) {
	_, err := NewMatcher(testConfig(), []model.Platform{{
		ID:    "x",
		Rules: []model.Rule{{ID: "bad", Weight: 0.5, SubjectPatterns: []string{"("}}},
	}})
	require.Error(t, err)
}
