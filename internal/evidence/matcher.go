package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"iter"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/internal/resilience"
)

// Config tunes the matcher.
type Config struct {
	// MaxMessages bounds how many messages are read per platform.
	MaxMessages int
	// ScanTimeout bounds the scan of a single platform. A slow platform uses
	// up its own budget only.
	ScanTimeout time.Duration
	// ConflictPenalty is subtracted from the confidence multiplier for each
	// extra distinct date found for a welcome-mode platform.
	ConflictPenalty float64
	// PenaltyFloor is the lowest confidence multiplier conflicts can produce.
	PenaltyFloor float64
	// Retry governs retries of quota-limited source calls.
	Retry resilience.RetryConfig
}

// oldestBatch caps the messages read per rule for an oldest-mode platform.
// Only the earliest match counts there, so reading the whole span is wasted
// budget.
const oldestBatch = 25

// DefaultConfig returns the matcher defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessages:     500,
		ScanTimeout:     5 * time.Second,
		ConflictPenalty: 0.05,
		PenaltyFloor:    0.6,
		Retry:           resilience.DefaultRetryConfig(),
	}
}

type compiledPlatform struct {
	model.Platform
	rules []compiledRule
}

// Matcher turns mailbox metadata into per-platform evidence candidates. It is
// immutable after construction and safe for concurrent scans.
type Matcher struct {
	cfg       Config
	platforms []compiledPlatform
	now       func() time.Time
}

// NewMatcher compiles the rules of every platform. Platforms are scanned in
// the given order; each platform's rules must already be sorted by
// descending weight (the catalog guarantees this).
func NewMatcher(cfg Config, platforms []model.Platform) (*Matcher, error) {
	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = def.ScanTimeout
	}
	if cfg.PenaltyFloor <= 0 || cfg.PenaltyFloor > 1 {
		cfg.PenaltyFloor = def.PenaltyFloor
	}
	if cfg.ConflictPenalty < 0 {
		cfg.ConflictPenalty = 0
	}
	cfg.Retry.ShouldRetry = func(err error) bool {
		return IsQuotaExceeded(err) || resilience.IsTransient(err)
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("matcher", "list_messages")
	}

	m := &Matcher{cfg: cfg, now: time.Now}
	for _, p := range platforms {
		cp := compiledPlatform{Platform: p}
		for _, r := range p.Rules {
			cr, err := compileRule(r)
			if err != nil {
				return nil, err
			}
			cp.rules = append(cp.rules, cr)
		}
		m.platforms = append(m.platforms, cp)
	}
	return m, nil
}

// Scan lazily yields the evidence for each platform. The source is queried
// for a platform only when the consumer asks for it, and stopping the range
// stops the scan. Each platform gets its own ScanTimeout budget. Once the
// source reports ErrAccessUnavailable, every later platform is yielded with
// that error and no further calls are made. Ranging over the sequence again
// performs a fresh scan.
func (m *Matcher) Scan(ctx context.Context, src Source) iter.Seq[model.PlatformEvidence] {
	return func(yield func(model.PlatformEvidence) bool) {
		var revoked bool
		for _, p := range m.platforms {
			var ev model.PlatformEvidence
			if revoked {
				ev = model.PlatformEvidence{Platform: p.Platform, Err: ErrAccessUnavailable}
			} else {
				ev = m.scanPlatform(ctx, src, p)
				revoked = IsAccessUnavailable(ev.Err)
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// scanPlatform runs the platform's rules under its own budget. Candidates
// found before a failure or the deadline are kept alongside the error.
func (m *Matcher) scanPlatform(ctx context.Context, src Source, p compiledPlatform) model.PlatformEvidence {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	defer cancel()

	ev := model.PlatformEvidence{Platform: p.Platform}
	log := zap.L().With(zap.String("platform", p.ID))

	now := m.now().UTC()
	seen := make(map[string]struct{})
	claimed := make(map[string]struct{})
	var matched []model.EvidenceCandidate

	for _, r := range p.rules {
		remaining := m.cfg.MaxMessages - ev.Scanned
		if remaining <= 0 {
			break
		}
		if p.Mode == model.MatchOldest {
			remaining = min(remaining, oldestBatch)
		}
		q := Query{
			Senders:  r.senders,
			Keywords: r.Keywords,
			After:    model.Day(p.LaunchDate),
			Before:   model.Day(now).AddDate(0, 0, 1),
			Limit:    remaining,
		}
		// Subject patterns cannot be pushed down to the source, so keywords
		// only narrow the listing when they are the rule's sole content test.
		if len(r.patterns) > 0 {
			q.Keywords = nil
		}

		var partial []model.Message
		msgs, err := resilience.DoVal(ctx, m.cfg.Retry, func(ctx context.Context) ([]model.Message, error) {
			got, err := src.Messages(ctx, q)
			partial = got
			return got, err
		})
		if err != nil {
			ev.Err = err
			if IsAccessUnavailable(err) {
				log.Info("evidence: mailbox access unavailable", zap.String("rule", r.ID))
				return ev
			}
			log.Warn("evidence: source query failed, keeping partial evidence",
				zap.String("rule", r.ID),
				zap.Int("partial", len(partial)),
				zap.Error(err),
			)
			msgs = partial
		}

		for _, msg := range msgs {
			if _, done := claimed[msg.ID]; done {
				continue
			}
			if _, dup := seen[msg.ID]; !dup {
				seen[msg.ID] = struct{}{}
				ev.Scanned++
			}
			if !r.matches(msg) {
				continue
			}
			claimed[msg.ID] = struct{}{}
			matched = append(matched, model.EvidenceCandidate{
				PlatformID: p.ID,
				Date:       model.Day(msg.ReceivedAt),
				Confidence: r.Weight,
				RuleID:     r.ID,
				RuleWeight: r.Weight,
				Source:     sourceDescriptor(r.ID, msg.ID),
			})
		}
		if ev.Err != nil {
			break
		}
	}

	// A source that swallows the deadline must not make a truncated scan look
	// complete.
	if ev.Err == nil && ctx.Err() != nil {
		ev.Err = ctx.Err()
	}

	ev.Candidates = m.finalize(p.Platform, matched)
	log.Debug("evidence: platform scanned",
		zap.Int("messages", ev.Scanned),
		zap.Int("candidates", len(ev.Candidates)),
		zap.Bool("complete", ev.Err == nil),
	)
	return ev
}

// finalize de-duplicates candidates per date, keeping the highest rule
// weight, orders them by date, and applies the mode-specific confidence
// policy.
func (m *Matcher) finalize(p model.Platform, matched []model.EvidenceCandidate) []model.EvidenceCandidate {
	if len(matched) == 0 {
		return nil
	}

	byDate := make(map[time.Time]model.EvidenceCandidate, len(matched))
	for _, c := range matched {
		if cur, ok := byDate[c.Date]; !ok || c.RuleWeight > cur.RuleWeight {
			byDate[c.Date] = c
		}
	}

	dates := slices.SortedFunc(maps.Keys(byDate), func(a, b time.Time) int { return a.Compare(b) })
	out := make([]model.EvidenceCandidate, 0, len(dates))
	for _, d := range dates {
		out = append(out, byDate[d])
	}

	if p.Mode == model.MatchOldest {
		return out[:1]
	}

	if factor := m.conflictFactor(len(out)); factor < 1 {
		for i := range out {
			out[i].Confidence *= factor
		}
	}
	return out
}

// conflictFactor is the confidence multiplier for n distinct dates.
func (m *Matcher) conflictFactor(n int) float64 {
	if n <= 1 {
		return 1
	}
	return max(m.cfg.PenaltyFloor, 1-m.cfg.ConflictPenalty*float64(n-1))
}

func sourceDescriptor(ruleID, messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return "rule:" + ruleID + "/msg:" + hex.EncodeToString(sum[:6])
}
