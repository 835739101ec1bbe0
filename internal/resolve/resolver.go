// Package resolve reduces a platform's evidence candidates and an optional
// manual answer to one authoritative join date record.
package resolve

import (
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/firstmover/internal/model"
)

// ErrInvalidManualDate is reported when a user-supplied date falls outside
// the platform's operating window. The prior stored record, if any, stands.
var ErrInvalidManualDate = eris.New("resolve: manual date outside platform window")

// IsInvalidManualDate reports whether err is ErrInvalidManualDate.
func IsInvalidManualDate(err error) bool {
	return errors.Is(err, ErrInvalidManualDate)
}

// Config holds the resolver thresholds.
type Config struct {
	// MinConfidence is the lowest candidate confidence accepted as verified.
	MinConfidence float64
	// ManualConfidence is the fixed confidence given to manual records.
	ManualConfidence float64
}

// DefaultConfig returns the resolver defaults.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.5, ManualConfidence: 0.3}
}

// Outcome is the resolution for one (user, platform).
type Outcome struct {
	// Record is nil when the platform is unresolved.
	Record *model.JoinDateRecord
	// OutOfWindow counts candidates dropped for falling outside the
	// platform's operating window.
	OutOfWindow int
	// BelowThreshold counts in-window candidates under MinConfidence.
	BelowThreshold int
	// ManualErr is set when the manual date was rejected.
	ManualErr error
}

// Resolved reports whether a record was produced.
func (o Outcome) Resolved() bool { return o.Record != nil }

// Resolver picks the best join date per platform. It holds no mutable state.
type Resolver struct {
	cfg Config
	now func() time.Time
}

// New creates a Resolver. Zero thresholds fall back to the defaults.
func New(cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.ManualConfidence <= 0 {
		cfg.ManualConfidence = def.ManualConfidence
	}
	return &Resolver{cfg: cfg, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (r *Resolver) WithNow(t time.Time) *Resolver {
	r.now = func() time.Time { return t }
	return r
}

// ValidateManual checks a user-supplied date against p's operating window
// and returns it truncated to the day.
func (r *Resolver) ValidateManual(p model.Platform, d time.Time) (time.Time, error) {
	day := model.Day(d)
	if !p.ValidWindow(day, r.now()) {
		return time.Time{}, eris.Wrapf(ErrInvalidManualDate, "%s: %s not within [%s, today]",
			p.ID, day.Format(time.DateOnly), model.Day(p.LaunchDate).Format(time.DateOnly))
	}
	return day, nil
}

// Resolve chooses the earliest in-window candidate whose confidence is at
// least MinConfidence. Candidates sharing that date are ordered by
// confidence, then by rule weight. Without an accepted candidate, a valid
// manual date yields a manual record; otherwise the outcome is unresolved.
func (r *Resolver) Resolve(userID string, p model.Platform, candidates []model.EvidenceCandidate, manual *time.Time) Outcome {
	var out Outcome
	now := r.now()

	var best *model.EvidenceCandidate
	for i := range candidates {
		c := &candidates[i]
		if !p.ValidWindow(model.Day(c.Date), now) {
			out.OutOfWindow++
			continue
		}
		if c.Confidence < r.cfg.MinConfidence {
			out.BelowThreshold++
			continue
		}
		if best == nil || better(c, best) {
			best = c
		}
	}

	if out.OutOfWindow > 0 {
		zap.L().Debug("resolve: dropped out-of-window candidates",
			zap.String("platform", p.ID),
			zap.Int("dropped", out.OutOfWindow),
		)
	}

	var manualDay time.Time
	if manual != nil {
		d, err := r.ValidateManual(p, *manual)
		if err != nil {
			out.ManualErr = err
		} else {
			manualDay = d
		}
	}

	switch {
	case best != nil:
		out.Record = &model.JoinDateRecord{
			UserID:     userID,
			PlatformID: p.ID,
			Date:       model.Day(best.Date),
			Provenance: model.ProvenanceVerified,
			Confidence: best.Confidence,
			Source:     best.Source,
			UpdatedAt:  now.UTC(),
		}
	case !manualDay.IsZero():
		out.Record = &model.JoinDateRecord{
			UserID:     userID,
			PlatformID: p.ID,
			Date:       manualDay,
			Provenance: model.ProvenanceManual,
			Confidence: r.cfg.ManualConfidence,
			Source:     "manual",
			UpdatedAt:  now.UTC(),
		}
	}
	return out
}

// better reports whether a should be preferred over b.
func better(a, b *model.EvidenceCandidate) bool {
	da, db := model.Day(a.Date), model.Day(b.Date)
	if !da.Equal(db) {
		return da.Before(db)
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.RuleWeight > b.RuleWeight
}
