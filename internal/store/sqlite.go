package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db    *sql.DB
	retry resilience.RetryConfig
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single connection keeps them in force
	// and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, retry: writeRetry("sqlite")}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS join_records (
	platform_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	joined_on   TEXT NOT NULL,
	provenance  TEXT NOT NULL CHECK (provenance IN ('verified', 'manual')),
	confidence  REAL NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (platform_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_join_records_rank ON join_records(platform_id, joined_on);
CREATE INDEX IF NOT EXISTS idx_join_records_user ON join_records(user_id);

CREATE TABLE IF NOT EXISTS score_runs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	overall     REAL,
	coverage    REAL NOT NULL,
	body        TEXT NOT NULL,
	computed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_runs_user ON score_runs(user_id, computed_at);
`

const sqliteUpsertRecord = `INSERT INTO join_records (platform_id, user_id, joined_on, provenance, confidence, source, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (platform_id, user_id) DO UPDATE SET
	joined_on = excluded.joined_on,
	provenance = excluded.provenance,
	confidence = excluded.confidence,
	source = excluded.source,
	updated_at = excluded.updated_at
WHERE NOT (excluded.provenance = 'manual' AND join_records.provenance = 'verified' AND join_records.confidence > ?)
RETURNING user_id, platform_id, joined_on, provenance, confidence, source, updated_at`

const sqliteRecordColumns = `user_id, platform_id, joined_on, provenance, confidence, source, updated_at`

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate applies the schema idempotently.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classifySQLite maps busy and locked errors onto ErrWriteConflict.
func classifySQLite(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return eris.Wrap(ErrWriteConflict, se.Error())
		}
	}
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scannable) (model.JoinDateRecord, error) {
	var rec model.JoinDateRecord
	var joined, prov, updated string
	if err := row.Scan(&rec.UserID, &rec.PlatformID, &joined, &prov, &rec.Confidence, &rec.Source, &updated); err != nil {
		return rec, err
	}
	d, err := time.Parse(dateLayout, joined)
	if err != nil {
		return rec, eris.Wrapf(err, "sqlite: parse joined_on %q", joined)
	}
	u, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return rec, eris.Wrapf(err, "sqlite: parse updated_at %q", updated)
	}
	rec.Date, rec.UpdatedAt, rec.Provenance = d, u, model.Provenance(prov)
	return rec, nil
}

func recordArgs(rec model.JoinDateRecord, now time.Time) []any {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	return []any{
		rec.PlatformID, rec.UserID, model.Day(rec.Date).Format(dateLayout), string(rec.Provenance),
		rec.Confidence, rec.Source, updated.UTC().Format(time.RFC3339Nano),
	}
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertSQLite(ctx context.Context, q sqlQueryer, rec model.JoinDateRecord, replaceThreshold float64) (model.JoinDateRecord, bool, error) {
	args := append(recordArgs(rec, time.Now().UTC()), replaceThreshold)
	got, err := scanSQLiteRecord(q.QueryRowContext(ctx, sqliteUpsertRecord, args...))
	if err == nil {
		return got, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return got, false, classifySQLite(err)
	}
	existing, err := scanSQLiteRecord(q.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM join_records WHERE user_id = ? AND platform_id = ?`,
		rec.UserID, rec.PlatformID,
	))
	if err != nil {
		return existing, false, classifySQLite(err)
	}
	return existing, false, nil
}

func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec model.JoinDateRecord, replaceThreshold float64) (model.JoinDateRecord, bool, error) {
	var applied bool
	out, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (model.JoinDateRecord, error) {
		got, ok, err := upsertSQLite(ctx, s.db, rec, replaceThreshold)
		applied = ok
		return got, err
	})
	if err != nil {
		return model.JoinDateRecord{}, false, eris.Wrapf(err, "sqlite: upsert record %s/%s", rec.PlatformID, rec.UserID)
	}
	return out, applied, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, userID, platformID string) (*model.JoinDateRecord, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM join_records WHERE user_id = ? AND platform_id = ?`,
		userID, platformID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s/%s", platformID, userID)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, userID string) ([]model.JoinDateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM join_records WHERE user_id = ? ORDER BY platform_id`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list records %s", userID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.JoinDateRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records")
}

// ImportRecords upserts every record in one transaction, applying the
// replacement guard per row.
func (s *SQLiteStore) ImportRecords(ctx context.Context, recs []model.JoinDateRecord, replaceThreshold float64) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	var n int64
	for _, rec := range recs {
		_, applied, err := upsertSQLite(ctx, tx, rec, replaceThreshold)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import %s/%s", rec.PlatformID, rec.UserID)
		}
		if applied {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return n, nil
}

func (s *SQLiteStore) RankOf(ctx context.Context, platformID string, date time.Time) (model.Rank, error) {
	var earlier, total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN joined_on < ? THEN 1 ELSE 0 END), 0), COUNT(*) FROM join_records WHERE platform_id = ?`,
		model.Day(date).Format(dateLayout), platformID,
	).Scan(&earlier, &total)
	if err != nil {
		return model.Rank{}, eris.Wrapf(err, "sqlite: rank %s", platformID)
	}
	return model.Rank{Earlier: int(earlier), Total: int(total)}, nil
}

func (s *SQLiteStore) StreamDistribution(ctx context.Context, platformID string, fn func(userID string, date time.Time) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, joined_on FROM join_records WHERE platform_id = ?`,
		platformID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: stream distribution %s", platformID)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var user, joined string
		if err := rows.Scan(&user, &joined); err != nil {
			return eris.Wrap(err, "sqlite: scan distribution row")
		}
		d, err := time.Parse(dateLayout, joined)
		if err != nil {
			return eris.Wrapf(err, "sqlite: parse joined_on %q", joined)
		}
		if err := fn(user, d); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: stream distribution")
}

func (s *SQLiteStore) DistributionSummary(ctx context.Context, platformID string) (*DistributionSummary, error) {
	sum := &DistributionSummary{PlatformID: platformID}
	var users, verified, manual int64
	var earliest, latest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN provenance = 'verified' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN provenance = 'manual' THEN 1 ELSE 0 END), 0),
			MIN(joined_on), MAX(joined_on)
		FROM join_records WHERE platform_id = ?`,
		platformID,
	).Scan(&users, &verified, &manual, &earliest, &latest)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: distribution summary %s", platformID)
	}
	sum.Users, sum.Verified, sum.Manual = int(users), int(verified), int(manual)
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{earliest, &sum.Earliest}, {latest, &sum.Latest}} {
		if !f.src.Valid {
			continue
		}
		d, err := time.Parse(dateLayout, f.src.String)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse date %q", f.src.String)
		}
		*f.dst = &d
	}
	return sum, nil
}

func (s *SQLiteStore) SaveScore(ctx context.Context, score *model.Score) error {
	body, err := json.Marshal(score)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal score")
	}
	err = resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO score_runs (id, user_id, overall, coverage, body, computed_at) VALUES (?, ?, ?, ?, ?, ?)`,
			score.ID, score.UserID, score.Overall, score.Coverage, string(body), score.ComputedAt.UTC().Format(time.RFC3339Nano),
		)
		return classifySQLite(err)
	})
	return eris.Wrapf(err, "sqlite: save score %s", score.ID)
}

func (s *SQLiteStore) GetScore(ctx context.Context, id string) (*model.Score, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM score_runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "score %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get score %s", id)
	}
	var score model.Score
	if err := json.Unmarshal([]byte(body), &score); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal score")
	}
	return &score, nil
}
