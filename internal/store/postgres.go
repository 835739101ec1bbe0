package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/firstmover/internal/db"
	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	retry   resilience.RetryConfig
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgUpsertRecord = `INSERT INTO join_records (platform_id, user_id, joined_on, provenance, confidence, source, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (platform_id, user_id) DO UPDATE SET
	joined_on = excluded.joined_on,
	provenance = excluded.provenance,
	confidence = excluded.confidence,
	source = excluded.source,
	updated_at = excluded.updated_at
WHERE NOT (excluded.provenance = 'manual' AND join_records.provenance = 'verified' AND join_records.confidence > $8)
RETURNING user_id, platform_id, joined_on, provenance, confidence, source, updated_at`

const pgRankOf = `SELECT count(*) FILTER (WHERE joined_on < $2), count(*) FROM join_records WHERE platform_id = $1`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresWithPool(pool), nil
}

func newPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close, retry: writeRetry("postgres")}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS join_records (
	platform_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	joined_on   DATE NOT NULL,
	provenance  TEXT NOT NULL CHECK (provenance IN ('verified', 'manual')),
	confidence  DOUBLE PRECISION NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (platform_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_join_records_rank ON join_records(platform_id, joined_on);
CREATE INDEX IF NOT EXISTS idx_join_records_user ON join_records(user_id);

CREATE TABLE IF NOT EXISTS score_runs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	overall     DOUBLE PRECISION,
	coverage    DOUBLE PRECISION NOT NULL,
	body        JSONB NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_score_runs_user ON score_runs(user_id, computed_at DESC);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate applies the schema idempotently.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// classifyPg maps serialization failures and deadlocks onto ErrWriteConflict.
func classifyPg(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return eris.Wrap(ErrWriteConflict, pgErr.Message)
		}
	}
	return err
}

func scanPgRecord(row pgx.Row) (model.JoinDateRecord, error) {
	var rec model.JoinDateRecord
	var prov string
	err := row.Scan(&rec.UserID, &rec.PlatformID, &rec.Date, &prov, &rec.Confidence, &rec.Source, &rec.UpdatedAt)
	rec.Provenance = model.Provenance(prov)
	rec.Date = model.Day(rec.Date)
	return rec, err
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec model.JoinDateRecord, replaceThreshold float64) (model.JoinDateRecord, bool, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	var applied bool
	out, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (model.JoinDateRecord, error) {
		row := s.pool.QueryRow(ctx, pgUpsertRecord,
			rec.PlatformID, rec.UserID, model.Day(rec.Date), string(rec.Provenance),
			rec.Confidence, rec.Source, rec.UpdatedAt, replaceThreshold,
		)
		got, err := scanPgRecord(row)
		if err == nil {
			applied = true
			return got, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return got, classifyPg(err)
		}

		// The replacement guard kept the stored row.
		applied = false
		existing, err := s.GetRecord(ctx, rec.UserID, rec.PlatformID)
		if err != nil {
			return model.JoinDateRecord{}, err
		}
		if existing == nil {
			// Deleted between the two statements; try again.
			return model.JoinDateRecord{}, eris.Wrap(ErrWriteConflict, "record vanished after guarded upsert")
		}
		return *existing, nil
	})
	if err != nil {
		return model.JoinDateRecord{}, false, eris.Wrapf(err, "postgres: upsert record %s/%s", rec.PlatformID, rec.UserID)
	}
	return out, applied, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, userID, platformID string) (*model.JoinDateRecord, error) {
	rec, err := scanPgRecord(s.pool.QueryRow(ctx,
		`SELECT user_id, platform_id, joined_on, provenance, confidence, source, updated_at FROM join_records WHERE user_id = $1 AND platform_id = $2`,
		userID, platformID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s/%s", platformID, userID)
	}
	return &rec, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, userID string) ([]model.JoinDateRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, platform_id, joined_on, provenance, confidence, source, updated_at FROM join_records WHERE user_id = $1 ORDER BY platform_id`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list records %s", userID)
	}
	defer rows.Close()

	var out []model.JoinDateRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records")
}

// ImportRecords bulk loads records (e.g. a historical seed) through a temp
// table, applying the same replacement guard as UpsertRecord.
func (s *PostgresStore) ImportRecords(ctx context.Context, recs []model.JoinDateRecord, replaceThreshold float64) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		updated := r.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		rows = append(rows, []any{r.PlatformID, r.UserID, model.Day(r.Date), string(r.Provenance), r.Confidence, r.Source, updated})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "join_records",
		Columns:      []string{"platform_id", "user_id", "joined_on", "provenance", "confidence", "source", "updated_at"},
		ConflictKeys: []string{"platform_id", "user_id"},
		UpdateWhere:  fmt.Sprintf(replaceGuard, strconv.FormatFloat(replaceThreshold, 'f', -1, 64)),
	}, rows)
	return n, eris.Wrap(err, "postgres: import records")
}

func (s *PostgresStore) RankOf(ctx context.Context, platformID string, date time.Time) (model.Rank, error) {
	var earlier, total int64
	if err := s.pool.QueryRow(ctx, pgRankOf, platformID, model.Day(date)).Scan(&earlier, &total); err != nil {
		return model.Rank{}, eris.Wrapf(err, "postgres: rank %s", platformID)
	}
	return model.Rank{Earlier: int(earlier), Total: int(total)}, nil
}

func (s *PostgresStore) StreamDistribution(ctx context.Context, platformID string, fn func(userID string, date time.Time) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, joined_on FROM join_records WHERE platform_id = $1`,
		platformID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: stream distribution %s", platformID)
	}
	defer rows.Close()

	for rows.Next() {
		var user string
		var d time.Time
		if err := rows.Scan(&user, &d); err != nil {
			return eris.Wrap(err, "postgres: scan distribution row")
		}
		if err := fn(user, model.Day(d)); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: stream distribution")
}

func (s *PostgresStore) DistributionSummary(ctx context.Context, platformID string) (*DistributionSummary, error) {
	sum := &DistributionSummary{PlatformID: platformID}
	var users, verified, manual int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE provenance = 'verified'), count(*) FILTER (WHERE provenance = 'manual'), min(joined_on), max(joined_on)
		FROM join_records WHERE platform_id = $1`,
		platformID,
	).Scan(&users, &verified, &manual, &sum.Earliest, &sum.Latest)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: distribution summary %s", platformID)
	}
	sum.Users, sum.Verified, sum.Manual = int(users), int(verified), int(manual)
	return sum, nil
}

func (s *PostgresStore) SaveScore(ctx context.Context, score *model.Score) error {
	body, err := json.Marshal(score)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal score")
	}
	err = resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO score_runs (id, user_id, overall, coverage, body, computed_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			score.ID, score.UserID, score.Overall, score.Coverage, body, score.ComputedAt,
		)
		return classifyPg(err)
	})
	return eris.Wrapf(err, "postgres: save score %s", score.ID)
}

func (s *PostgresStore) GetScore(ctx context.Context, id string) (*model.Score, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM score_runs WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "score %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get score %s", id)
	}
	var score model.Score
	if err := json.Unmarshal(body, &score); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal score")
	}
	return &score, nil
}
