package distribution

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader streams a platform's durable distribution, one (user, date) pair
// per call of fn.
type Loader interface {
	StreamDistribution(ctx context.Context, platformID string, fn func(userID string, date time.Time) error) error
}

// Syncer keeps a Memory index in step with the durable store. Writes from
// other processes become visible within one refresh interval.
type Syncer struct {
	index     *Memory
	loader    Loader
	platforms []string
	group     singleflight.Group
}

// NewSyncer creates a Syncer for the given platforms.
func NewSyncer(index *Memory, loader Loader, platformIDs []string) *Syncer {
	return &Syncer{index: index, loader: loader, platforms: platformIDs}
}

// Refresh reloads every platform. Concurrent refreshes of the same platform
// share one load.
func (s *Syncer) Refresh(ctx context.Context) error {
	for _, id := range s.platforms {
		if err := s.RefreshPlatform(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RefreshPlatform reloads one platform's distribution.
func (s *Syncer) RefreshPlatform(ctx context.Context, platformID string) error {
	_, err, shared := s.group.Do(platformID, func() (any, error) {
		entries := make(map[string]time.Time)
		err := s.loader.StreamDistribution(ctx, platformID, func(userID string, date time.Time) error {
			entries[userID] = date
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "distribution: load %s", platformID)
		}
		s.index.Replace(platformID, entries)
		return len(entries), nil
	})
	if err == nil && !shared {
		zap.L().Debug("distribution: refreshed",
			zap.String("platform", platformID),
			zap.Int("users", s.index.Len(platformID)),
		)
	}
	return err
}

// Run refreshes on every tick until ctx is done. Refresh failures are
// logged and the previous snapshot kept.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				zap.L().Warn("distribution: refresh failed, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}
