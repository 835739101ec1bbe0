package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/firstmover/internal/catalog"
	"github.com/sells-group/firstmover/internal/config"
	"github.com/sells-group/firstmover/internal/distribution"
	"github.com/sells-group/firstmover/internal/engine"
	"github.com/sells-group/firstmover/internal/evidence"
	"github.com/sells-group/firstmover/internal/resilience"
	"github.com/sells-group/firstmover/internal/resolve"
	"github.com/sells-group/firstmover/internal/store"
	"github.com/sells-group/firstmover/pkg/gmail"
	"github.com/sells-group/firstmover/pkg/x"
)

// xPlatformID is the catalogue platform X account lookups answer for.
const xPlatformID = "twitter"

// scoringEnv holds the initialized store, catalogue, distribution index and
// engine needed by the score/batch/serve commands. Index and Syncer are nil
// in score mode.
type scoringEnv struct {
	Store   store.Store
	Catalog *catalog.Catalog
	Index   *distribution.Memory
	Syncer  *distribution.Syncer
	Engine  *engine.Engine
}

// Close releases resources held by the environment.
func (se *scoringEnv) Close() {
	if se.Store != nil {
		_ = se.Store.Close()
	}
}

// initEngine opens and migrates the store, loads the catalogue and builds the
// Engine. Long-running modes warm an in-memory distribution index from the
// store; the one-shot score command ranks straight from the store instead.
// Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*scoringEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &scoringEnv{Store: st, Catalog: cat}
	var idx distribution.Index
	if mode != "score" {
		env.Index = distribution.NewMemory()
		env.Syncer = distribution.NewSyncer(env.Index, st, cat.IDs())
		start := time.Now()
		if err := env.Syncer.Refresh(ctx); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load distributions")
		}
		zap.L().Info("distributions loaded",
			zap.Int("platforms", cat.Len()),
			zap.Duration("elapsed", time.Since(start)),
		)
		idx = env.Index
	}

	var opts []engine.Option
	if accts := xAccounts(cfg.Source, cat); accts != nil {
		opts = append(opts, engine.WithXAccounts(accts))
	}

	eng, err := engine.New(engineConfig(cfg), cat, st, idx, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	env.Engine = eng
	return env, nil
}

func loadCatalog(c config.CatalogConfig) (*catalog.Catalog, error) {
	if c.Path == "" {
		return catalog.Default()
	}
	return catalog.Load(c.Path)
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "firstmover.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func engineConfig(c *config.Config) engine.Config {
	return engine.Config{
		Matcher: evidence.Config{
			MaxMessages:     c.Matcher.MaxMessages,
			ScanTimeout:     c.Matcher.ScanTimeout(),
			ConflictPenalty: c.Matcher.ConflictPenalty,
			PenaltyFloor:    c.Matcher.PenaltyFloor,
			Retry:           sourceRetry(c.Source),
		},
		Resolver: resolve.Config{
			MinConfidence:    c.Resolver.MinConfidence,
			ManualConfidence: c.Resolver.ManualConfidence,
		},
		ReplaceThreshold: c.Resolver.ReplaceThreshold,
		Weights:          c.Scoring.Weights,
	}
}

func sourceRetry(c config.SourceConfig) resilience.RetryConfig {
	return resilience.FromRetryConfig(c.MaxAttempts, c.InitialBackoffMs, c.MaxBackoffMs)
}

// xAccounts returns the X account lookup for the twitter platform, or nil
// when no bearer token is configured or the catalogue has no such platform.
func xAccounts(c config.SourceConfig, cat *catalog.Catalog) *evidence.XAccounts {
	if c.XBearerToken == "" {
		return nil
	}
	if _, ok := cat.Get(xPlatformID); !ok {
		zap.L().Warn("x bearer token set but the catalogue has no twitter platform")
		return nil
	}
	client := x.NewClient(c.XBearerToken,
		x.WithBaseURLs(c.XBaseURLs...),
		x.WithRateLimit(c.XRequestsPerSecond, 1),
	)
	return evidence.NewXAccounts(client, xPlatformID)
}

// openSource returns the message source for one user: a mailbox export when
// path is set, otherwise Gmail when a token is available, otherwise nil
// (manual dates and stored records only).
func openSource(path, token string) (evidence.Source, error) {
	if path != "" {
		return evidence.LoadFileSource(path)
	}
	if token == "" {
		return nil, nil
	}
	client := gmail.NewClient(token,
		gmail.WithBaseURL(cfg.Source.GmailBaseURL),
		gmail.WithRateLimit(cfg.Source.RequestsPerSecond, cfg.Source.Burst),
	)
	return evidence.NewGmailSource(client, evidence.WithSpan(cfg.Source.GmailSpan())), nil
}
