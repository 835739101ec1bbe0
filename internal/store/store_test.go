package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/firstmover/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func verified(user, platform string, d time.Time, conf float64) model.JoinDateRecord {
	return model.JoinDateRecord{UserID: user, PlatformID: platform, Date: d, Provenance: model.ProvenanceVerified, Confidence: conf, Source: "rule:x"}
}

func manual(user, platform string, d time.Time) model.JoinDateRecord {
	return model.JoinDateRecord{UserID: user, PlatformID: platform, Date: d, Provenance: model.ProvenanceManual, Confidence: 0.3, Source: "manual"}
}

const threshold = 0.5

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		got, applied, err := s.UpsertRecord(ctx, verified("u1", "reddit", day(2010, 5, 5), 0.9), threshold)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, day(2010, 5, 5), got.Date)

		rec, err := s.GetRecord(ctx, "u1", "reddit")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, model.ProvenanceVerified, rec.Provenance)
		assert.InDelta(t, 0.9, rec.Confidence, 1e-9)
		assert.False(t, rec.UpdatedAt.IsZero())
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.GetRecord(context.Background(), "nobody", "reddit")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("VerifiedOverridesManual", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.UpsertRecord(ctx, manual("u1", "reddit", day(2008, 1, 1)), threshold)
		require.NoError(t, err)
		got, applied, err := s.UpsertRecord(ctx, verified("u1", "reddit", day(2010, 5, 5), 0.9), threshold)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, model.ProvenanceVerified, got.Provenance)
	})

	t.Run("ManualNeverOverridesConfidentVerified", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.UpsertRecord(ctx, verified("u1", "reddit", day(2010, 5, 5), 0.9), threshold)
		require.NoError(t, err)
		got, applied, err := s.UpsertRecord(ctx, manual("u1", "reddit", day(2007, 1, 1)), threshold)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, model.ProvenanceVerified, got.Provenance)
		assert.Equal(t, day(2010, 5, 5), got.Date)
	})

	t.Run("ManualOverridesWeakVerified", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.UpsertRecord(ctx, verified("u1", "reddit", day(2010, 5, 5), 0.45), threshold)
		require.NoError(t, err)
		got, applied, err := s.UpsertRecord(ctx, manual("u1", "reddit", day(2007, 1, 1)), threshold)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, model.ProvenanceManual, got.Provenance)
	})

	t.Run("RescoreIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for range 3 {
			_, _, err := s.UpsertRecord(ctx, verified("u1", "reddit", day(2010, 5, 5), 0.9), threshold)
			require.NoError(t, err)
		}
		r, err := s.RankOf(ctx, "reddit", day(2030, 1, 1))
		require.NoError(t, err)
		assert.Equal(t, 1, r.Total)
	})

	t.Run("RankNineThenDayFive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 1; i <= 9; i++ {
			_, _, err := s.UpsertRecord(ctx, verified(fmt.Sprintf("u%d", i), "p", day(2020, 1, i), 0.9), threshold)
			require.NoError(t, err)
		}
		_, _, err := s.UpsertRecord(ctx, verified("new", "p", day(2020, 1, 5), 0.9), threshold)
		require.NoError(t, err)

		r, err := s.RankOf(ctx, "p", day(2020, 1, 5))
		require.NoError(t, err)
		assert.Equal(t, model.Rank{Earlier: 4, Total: 10}, r)

		empty, err := s.RankOf(ctx, "unknown", day(2020, 1, 5))
		require.NoError(t, err)
		assert.Equal(t, model.Rank{}, empty)
	})

	t.Run("ListAndStream", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.UpsertRecord(ctx, verified("u1", "reddit", day(2010, 5, 5), 0.9), threshold)
		require.NoError(t, err)
		_, _, err = s.UpsertRecord(ctx, manual("u1", "dropbox", day(2011, 1, 1)), threshold)
		require.NoError(t, err)
		_, _, err = s.UpsertRecord(ctx, manual("u2", "reddit", day(2012, 1, 1)), threshold)
		require.NoError(t, err)

		recs, err := s.ListRecords(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "dropbox", recs[0].PlatformID)

		got := map[string]time.Time{}
		require.NoError(t, s.StreamDistribution(ctx, "reddit", func(u string, d time.Time) error {
			got[u] = d
			return nil
		}))
		assert.Equal(t, map[string]time.Time{"u1": day(2010, 5, 5), "u2": day(2012, 1, 1)}, got)
	})

	t.Run("DistributionSummary", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sum, err := s.DistributionSummary(ctx, "reddit")
		require.NoError(t, err)
		assert.Zero(t, sum.Users)
		assert.Nil(t, sum.Earliest)

		_, _, err = s.UpsertRecord(ctx, verified("u1", "reddit", day(2010, 5, 5), 0.9), threshold)
		require.NoError(t, err)
		_, _, err = s.UpsertRecord(ctx, manual("u2", "reddit", day(2012, 1, 1)), threshold)
		require.NoError(t, err)

		sum, err = s.DistributionSummary(ctx, "reddit")
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Users)
		assert.Equal(t, 1, sum.Verified)
		assert.Equal(t, 1, sum.Manual)
		require.NotNil(t, sum.Earliest)
		require.NotNil(t, sum.Latest)
		assert.Equal(t, day(2010, 5, 5), *sum.Earliest)
		assert.Equal(t, day(2012, 1, 1), *sum.Latest)
	})

	t.Run("ImportRecords", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.UpsertRecord(ctx, verified("u1", "reddit", day(2010, 5, 5), 0.9), threshold)
		require.NoError(t, err)

		n, err := s.ImportRecords(ctx, []model.JoinDateRecord{
			manual("u1", "reddit", day(2006, 1, 1)), // guarded
			manual("u2", "reddit", day(2009, 1, 1)),
			verified("u3", "reddit", day(2011, 1, 1), 0.8),
		}, threshold)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		rec, err := s.GetRecord(ctx, "u1", "reddit")
		require.NoError(t, err)
		assert.Equal(t, model.ProvenanceVerified, rec.Provenance)
	})

	t.Run("SaveAndGetScore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		overall := 37.5
		pct := 25.0
		date := day(2010, 5, 5)
		score := &model.Score{
			ID:     uuid.New().String(),
			UserID: "u1",
			Platforms: map[string]model.PlatformResult{
				"reddit": {PlatformID: "reddit", Status: model.PlatformResolved, Date: &date, Provenance: model.ProvenanceVerified, Confidence: 0.9, Percentile: &pct},
			},
			Overall:    &overall,
			Coverage:   0.1,
			Resolved:   1,
			Considered: 10,
			ComputedAt: time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, s.SaveScore(ctx, score))

		got, err := s.GetScore(ctx, score.ID)
		require.NoError(t, err)
		assert.Equal(t, score.UserID, got.UserID)
		require.NotNil(t, got.Overall)
		assert.InDelta(t, overall, *got.Overall, 1e-9)
		assert.Equal(t, date, *got.Platforms["reddit"].Date)

		_, err = s.GetScore(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SaveScoreWithoutOverall", func(t *testing.T) {
		s := newStore(t)
		score := &model.Score{ID: uuid.New().String(), UserID: "u9", ComputedAt: time.Now().UTC()}
		require.NoError(t, s.SaveScore(context.Background(), score))

		got, err := s.GetScore(context.Background(), score.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Overall)
	})

	t.Run("ConcurrentUpserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 40)
		for i := range 40 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := s.UpsertRecord(ctx, verified(fmt.Sprintf("u%d", i%20), "reddit", day(2010, 1, 1+i%28), 0.9), threshold)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		r, err := s.RankOf(ctx, "reddit", day(2030, 1, 1))
		require.NoError(t, err)
		assert.Equal(t, 20, r.Total)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestIsWriteConflict(t *testing.T) {
	assert.True(t, IsWriteConflict(ErrWriteConflict))
	assert.False(t, IsWriteConflict(ErrNotFound))
	assert.False(t, IsWriteConflict(nil))
}
