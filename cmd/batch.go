package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/firstmover/internal/engine"
	"github.com/sells-group/firstmover/internal/model"
)

var (
	batchInput string
	batchLimit int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Score many users from a JSON manifest",
	Long: `Reads a JSON array of {"user_id", "mailbox", "manual": {"platform": "YYYY-MM-DD"}}
entries and scores them concurrently (batch.max_concurrent_users).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		entries, err := loadBatchManifest(batchInput)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		_, err = processBatch(ctx, entries, batchLimit, cfg.Batch.MaxConcurrentUsers, func(ctx context.Context, e batchEntry) (*model.Score, error) {
			req, err := e.request()
			if err != nil {
				return nil, err
			}
			return env.Engine.ComputeScore(ctx, req)
		})
		return err
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchInput, "input", "", "path to the batch manifest (required)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of users to score")
	_ = batchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(batchCmd)
}

// batchEntry is one user in a batch manifest.
type batchEntry struct {
	UserID    string            `json:"user_id"`
	Mailbox   string            `json:"mailbox"`
	Manual    map[string]string `json:"manual"`
	XUsername string            `json:"x_username"`
}

func (e batchEntry) request() (engine.Request, error) {
	var pairs []string
	for id, d := range e.Manual {
		pairs = append(pairs, id+"="+d)
	}
	manual, err := parseManualDates(pairs)
	if err != nil {
		return engine.Request{}, err
	}
	req := engine.Request{UserID: e.UserID, ManualDates: manual, XUsername: e.XUsername}
	if e.Mailbox != "" {
		src, err := openSource(e.Mailbox, "")
		if err != nil {
			return engine.Request{}, err
		}
		req.Source = src
	}
	return req, nil
}

func loadBatchManifest(path string) ([]batchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "batch: read manifest")
	}
	var entries []batchEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrap(err, "batch: parse manifest")
	}
	return entries, nil
}

type scoreFunc func(ctx context.Context, e batchEntry) (*model.Score, error)

type batchStats struct {
	Succeeded int64
	Failed    int64
}

// processBatch applies limit, then scores entries concurrently. A failed user
// is logged and counted; it does not abort the rest of the batch.
func processBatch(ctx context.Context, entries []batchEntry, limit, concurrency int, score scoreFunc) (batchStats, error) {
	if len(entries) == 0 {
		zap.L().Info("no users to score")
		return batchStats{}, nil
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	zap.L().Info("processing batch",
		zap.Int("users", len(entries)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64

	for _, entry := range entries {
		g.Go(func() error {
			log := zap.L().With(zap.String("user_id", entry.UserID))

			result, err := score(gctx, entry)
			if err != nil {
				failed.Add(1)
				log.Error("scoring failed", zap.Error(err))
				return nil
			}

			succeeded.Add(1)
			fields := []zap.Field{
				zap.String("score_id", result.ID),
				zap.Int("resolved", result.Resolved),
			}
			if result.Overall != nil {
				fields = append(fields, zap.Float64("overall", *result.Overall))
			}
			log.Info("scoring complete", fields...)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return batchStats{}, eris.Wrap(err, "batch processing")
	}

	stats := batchStats{Succeeded: succeeded.Load(), Failed: failed.Load()}
	zap.L().Info("batch complete",
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
	)
	return stats, nil
}
