// Package engine wires the matcher, resolver, store, distribution and
// aggregator into the scoring request flow.
package engine

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/firstmover/internal/catalog"
	"github.com/sells-group/firstmover/internal/distribution"
	"github.com/sells-group/firstmover/internal/evidence"
	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/internal/resolve"
	"github.com/sells-group/firstmover/internal/scoring"
	"github.com/sells-group/firstmover/internal/store"
)

// ErrInvalidRequest marks a malformed scoring request.
var ErrInvalidRequest = eris.New("engine: invalid request")

// Config tunes the engine's components.
type Config struct {
	Matcher          evidence.Config
	Resolver         resolve.Config
	ReplaceThreshold float64
	Weights          map[string]float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Matcher:          evidence.DefaultConfig(),
		Resolver:         resolve.DefaultConfig(),
		ReplaceThreshold: 0.5,
	}
}

// Request is one scoring request.
type Request struct {
	UserID string
	// ManualDates are user-supplied fallback join dates by platform ID.
	ManualDates map[string]time.Time
	// Source reads the user's mailbox metadata. Nil scores from manual dates
	// and stored records only.
	Source evidence.Source
	// XUsername, when set and an account lookup is configured, supplies the
	// account creation date for the lookup's platform.
	XUsername string
}

// Engine computes adoption scores. It is safe for concurrent use; the store
// and the distribution index are the only shared mutable state.
type Engine struct {
	catalog          *catalog.Catalog
	matcher          *evidence.Matcher
	resolver         *resolve.Resolver
	aggregator       *scoring.Aggregator
	store            store.Store
	index            distribution.Index
	accounts         *evidence.XAccounts
	replaceThreshold float64
	now              func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithXAccounts enables account creation lookups by X username.
func WithXAccounts(a *evidence.XAccounts) Option {
	return func(e *Engine) {
		e.accounts = a
	}
}

// New builds an Engine over the given catalogue, store and index. A nil index
// answers ranks from the store instead of memory.
func New(cfg Config, cat *catalog.Catalog, st store.Store, idx distribution.Index, opts ...Option) (*Engine, error) {
	matcher, err := evidence.NewMatcher(cfg.Matcher, cat.Platforms())
	if err != nil {
		return nil, eris.Wrap(err, "engine: build matcher")
	}
	agg, err := scoring.NewAggregator(cfg.Weights)
	if err != nil {
		return nil, eris.Wrap(err, "engine: build aggregator")
	}
	e := &Engine{
		catalog:          cat,
		matcher:          matcher,
		resolver:         resolve.New(cfg.Resolver),
		aggregator:       agg,
		store:            st,
		index:            idx,
		replaceThreshold: cfg.ReplaceThreshold,
		now:              time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Platforms returns the platform catalogue.
func (e *Engine) Platforms() []model.Platform {
	return e.catalog.Platforms()
}

// Distribution summarizes a platform's stored distribution.
func (e *Engine) Distribution(ctx context.Context, platformID string) (*store.DistributionSummary, error) {
	if _, ok := e.catalog.Get(platformID); !ok {
		return nil, eris.Wrapf(ErrInvalidRequest, "unknown platform %q", platformID)
	}
	return e.store.DistributionSummary(ctx, platformID)
}

// Score returns a previously computed score.
func (e *Engine) Score(ctx context.Context, id string) (*model.Score, error) {
	return e.store.GetScore(ctx, id)
}

func (e *Engine) validate(req Request) error {
	if req.UserID == "" {
		return eris.Wrap(ErrInvalidRequest, "user id is required")
	}
	for id := range req.ManualDates {
		if _, ok := e.catalog.Get(id); !ok {
			return eris.Wrapf(ErrInvalidRequest, "unknown platform %q", id)
		}
	}
	return nil
}

// ComputeScore scans the source, resolves one join date per platform,
// records it, ranks it and aggregates the percentiles. Per-platform problems
// (revoked access, quota, invalid manual dates, no evidence) degrade that
// platform and are reported in its Note. Only a store failure or a cancelled
// context fails the request; writes committed before that stand.
func (e *Engine) ComputeScore(ctx context.Context, req Request) (*model.Score, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("user_id", req.UserID))
	start := e.now()

	stored, err := e.store.ListRecords(ctx, req.UserID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load stored records")
	}
	prior := make(map[string]model.JoinDateRecord, len(stored))
	for _, r := range stored {
		prior[r.PlatformID] = r
	}

	results := make(map[string]model.PlatformResult, e.catalog.Len())
	for ev := range e.evidence(ctx, req.Source) {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "engine: compute score")
		}
		res, err := e.scorePlatform(ctx, req, ev, prior)
		if err != nil {
			return nil, err
		}
		results[ev.Platform.ID] = res
	}

	platforms := e.catalog.Platforms()
	sum := e.aggregator.Aggregate(results, platforms)
	score := &model.Score{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Platforms:  results,
		Overall:    sum.Overall,
		Coverage:   sum.Coverage,
		Resolved:   sum.Resolved,
		Considered: sum.Considered,
		ComputedAt: e.now().UTC(),
	}
	if err := e.store.SaveScore(ctx, score); err != nil {
		return nil, eris.Wrap(err, "engine: save score")
	}

	log.Info("engine: score computed",
		zap.String("score_id", score.ID),
		zap.Int("resolved", score.Resolved),
		zap.Int("considered", score.Considered),
		zap.Float64("coverage", score.Coverage),
		zap.Duration("elapsed", e.now().Sub(start)),
	)
	return score, nil
}

// evidence yields per-platform evidence from src, or empty evidence for
// every platform when there is no source.
func (e *Engine) evidence(ctx context.Context, src evidence.Source) iter.Seq[model.PlatformEvidence] {
	if src != nil {
		return e.matcher.Scan(ctx, src)
	}
	return func(yield func(model.PlatformEvidence) bool) {
		for _, p := range e.catalog.Platforms() {
			if !yield(model.PlatformEvidence{Platform: p}) {
				return
			}
		}
	}
}

func (e *Engine) scorePlatform(ctx context.Context, req Request, ev model.PlatformEvidence, prior map[string]model.JoinDateRecord) (model.PlatformResult, error) {
	p := ev.Platform
	res := model.PlatformResult{PlatformID: p.ID, Name: p.Name, Status: model.PlatformUnresolved}
	var notes []string

	switch {
	case ev.Err == nil:
	case evidence.IsAccessUnavailable(ev.Err):
		notes = append(notes, "mailbox access unavailable")
	case evidence.IsQuotaExceeded(ev.Err):
		notes = append(notes, "message source quota exceeded")
	case errors.Is(ev.Err, context.DeadlineExceeded):
		notes = append(notes, "mailbox scan timed out")
	default:
		notes = append(notes, "mailbox scan failed")
	}

	candidates := ev.Candidates
	if acct, note, ok := e.accountEvidence(ctx, req, p.ID); ok {
		// The account's own creation date supersedes mailbox heuristics.
		candidates = []model.EvidenceCandidate{acct}
	} else if note != "" {
		notes = append(notes, note)
	}

	var manual *time.Time
	if d, ok := req.ManualDates[p.ID]; ok {
		manual = &d
	}

	out := e.resolver.Resolve(req.UserID, p, candidates, manual)
	if out.ManualErr != nil {
		notes = append(notes, out.ManualErr.Error())
	}

	var rec *model.JoinDateRecord
	if out.Record != nil {
		eff, applied, err := e.store.UpsertRecord(ctx, *out.Record, e.replaceThreshold)
		if err != nil {
			return res, eris.Wrap(err, "engine: record join date")
		}
		if !applied {
			notes = append(notes, "manual date ignored, verified record kept")
		}
		rec = &eff
	} else if r, ok := prior[p.ID]; ok {
		notes = append(notes, "using stored record")
		rec = &r
	}

	if rec != nil {
		rank, err := e.rank(ctx, p.ID, req.UserID, rec.Date)
		if err != nil {
			return res, eris.Wrap(err, "engine: rank join date")
		}
		pct := scoring.Percentile(rank)
		date := rec.Date
		res.Status = model.PlatformResolved
		res.Date = &date
		res.Provenance = rec.Provenance
		res.Confidence = rec.Confidence
		res.Percentile = &pct
	} else if len(notes) == 0 {
		notes = append(notes, "no evidence found")
	}

	res.Note = strings.Join(notes, "; ")
	zap.L().Debug("engine: platform scored",
		zap.String("user_id", req.UserID),
		zap.String("platform", p.ID),
		zap.String("status", string(res.Status)),
		zap.Int("candidates", len(candidates)),
		zap.Int("out_of_window", out.OutOfWindow),
	)
	return res, nil
}

// accountEvidence looks up the request's X account when platformID is the
// lookup's platform. A failed lookup returns a note instead.
func (e *Engine) accountEvidence(ctx context.Context, req Request, platformID string) (model.EvidenceCandidate, string, bool) {
	if e.accounts == nil || req.XUsername == "" || e.accounts.PlatformID() != platformID {
		return model.EvidenceCandidate{}, "", false
	}
	c, err := e.accounts.Candidate(ctx, req.XUsername)
	if err == nil {
		return c, "", true
	}

	zap.L().Warn("engine: account lookup failed",
		zap.String("user_id", req.UserID),
		zap.String("platform", platformID),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, evidence.ErrAccountNotFound):
		return c, "x account not found", false
	case errors.Is(err, evidence.ErrAccountUnavailable):
		return c, "x account lookup unavailable", false
	case evidence.IsQuotaExceeded(err):
		return c, "x account lookup rate limited", false
	default:
		return c, "x account lookup failed", false
	}
}

// rank places date in the platform's distribution, including this user.
func (e *Engine) rank(ctx context.Context, platformID, userID string, date time.Time) (model.Rank, error) {
	if e.index == nil {
		return e.store.RankOf(ctx, platformID, date)
	}
	e.index.InsertOrReplace(platformID, userID, date)
	return e.index.RankOf(platformID, date), nil
}
