// Package store persists join date records, which double as the durable
// per-platform distribution, and computed score runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/internal/resilience"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrWriteConflict marks a serialization failure, deadlock or busy
	// database. Writes hitting it are retried internally.
	ErrWriteConflict = eris.New("store: write conflict")
)

// IsWriteConflict reports whether err is a retryable write conflict.
func IsWriteConflict(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

// DistributionSummary describes one platform's stored distribution.
type DistributionSummary struct {
	PlatformID string     `json:"platform_id"`
	Users      int        `json:"users"`
	Verified   int        `json:"verified"`
	Manual     int        `json:"manual"`
	Earliest   *time.Time `json:"earliest,omitempty"`
	Latest     *time.Time `json:"latest,omitempty"`
}

// Store defines the persistence interface for the scoring engine.
type Store interface {
	// Join date records. UpsertRecord applies model.ShouldReplace in one
	// atomic statement and returns the record that is stored afterwards and
	// whether rec was written.
	UpsertRecord(ctx context.Context, rec model.JoinDateRecord, replaceThreshold float64) (model.JoinDateRecord, bool, error)
	GetRecord(ctx context.Context, userID, platformID string) (*model.JoinDateRecord, error)
	ListRecords(ctx context.Context, userID string) ([]model.JoinDateRecord, error)
	ImportRecords(ctx context.Context, recs []model.JoinDateRecord, replaceThreshold float64) (int64, error)

	// Distribution
	RankOf(ctx context.Context, platformID string, date time.Time) (model.Rank, error)
	StreamDistribution(ctx context.Context, platformID string, fn func(userID string, date time.Time) error) error
	DistributionSummary(ctx context.Context, platformID string) (*DistributionSummary, error)

	// Score runs
	SaveScore(ctx context.Context, score *model.Score) error
	GetScore(ctx context.Context, id string) (*model.Score, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// writeRetry is the policy for retrying conflicting writes.
func writeRetry(component string) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 5
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = time.Second
	cfg.ShouldRetry = IsWriteConflict
	cfg.OnRetry = resilience.RetryLogger(component, "write")
	return cfg
}

// replaceGuard is the SQL form of model.ShouldReplace for an ON CONFLICT
// update: the incoming row is EXCLUDED and the stored row is join_records.
// The placeholder is the replacement threshold.
const replaceGuard = `NOT (excluded.provenance = 'manual' AND join_records.provenance = 'verified' AND join_records.confidence > %s)`

const dateLayout = time.DateOnly
