package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/arb-consulting/shallow-review-2025/internal/db"
	"github.com/arb-consulting/shallow-review-2025/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot row-level operations.
var preparedStatements = map[string]string{
	"mark_collect_done":   `UPDATE collect_urls SET status = $1, result = $2, score = $3, error = NULL, updated_at = $4 WHERE hash = $5`,
	"mark_classify_done":  `UPDATE classify_urls SET status = $1, result = $2, score = $3, error = NULL, updated_at = $4 WHERE hash = $5`,
	"mark_collect_error":  `UPDATE collect_urls SET status = $1, error = $2, updated_at = $3 WHERE hash = $4`,
	"mark_classify_error": `UPDATE classify_urls SET status = $1, error = $2, updated_at = $3 WHERE hash = $4`,
	"get_fetch":           `SELECT hash, short_hash, url, kind, status_code, content_path, error, fetched_at FROM fetch_cache WHERE hash = $1`,
}

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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS collect_urls (
	hash       TEXT PRIMARY KEY,
	short_hash TEXT NOT NULL,
	url        TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL DEFAULT 'new'
		CHECK (status IN ('new', 'done', 'fetch_error', 'extract_error')),
	source     TEXT NOT NULL DEFAULT 'manual',
	source_url TEXT,
	score      DOUBLE PRECISION,
	error      TEXT,
	result     JSONB,
	added_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS classify_urls (
	hash       TEXT PRIMARY KEY,
	short_hash TEXT NOT NULL,
	url        TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL DEFAULT 'new'
		CHECK (status IN ('new', 'done', 'fetch_error', 'classify_error')),
	source     TEXT NOT NULL DEFAULT 'manual',
	source_url TEXT,
	score      DOUBLE PRECISION,
	error      TEXT,
	result     JSONB,
	added_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fetch_cache (
	hash         TEXT PRIMARY KEY,
	short_hash   TEXT NOT NULL,
	url          TEXT NOT NULL,
	kind         TEXT NOT NULL,
	status_code  INTEGER,
	content_path TEXT,
	error        TEXT,
	fetched_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((content_path IS NULL) <> (error IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_collect_urls_status ON collect_urls(status);
CREATE INDEX IF NOT EXISTS idx_collect_urls_added_at ON collect_urls(added_at);
CREATE INDEX IF NOT EXISTS idx_classify_urls_status ON classify_urls(status);
CREATE INDEX IF NOT EXISTS idx_classify_urls_added_at ON classify_urls(added_at);
CREATE INDEX IF NOT EXISTS idx_fetch_cache_url ON fetch_cache(url);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertCandidate(ctx context.Context, phase model.Phase, rec model.URLRecord) (bool, error) {
	table, err := tableFor(phase)
	if err != nil {
		return false, err
	}
	if err := rec.CheckIntegrity(); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	status := rec.Status
	if status == "" {
		status = model.StatusNew
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+table+` (hash, short_hash, url, status, source, source_url, score, added_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING`,
		rec.Hash, rec.ShortHash, rec.URL, string(status), rec.Source,
		nullString(rec.SourceURL), nullFloat(rec.Score), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert %s candidate %s", phase, rec.ShortHash)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SelectBatch(ctx context.Context, phase model.Phase, filter BatchFilter) ([]model.URLRecord, error) {
	table, err := tableFor(phase)
	if err != nil {
		return nil, err
	}

	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []model.Status{model.StatusNew}
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+2)
	argIdx := 1
	for i, st := range statuses {
		if !phase.ValidStatus(st) {
			return nil, eris.Errorf("postgres: status %q not valid for phase %s", st, phase)
		}
		placeholders[i] = fmt.Sprintf("$%d", argIdx)
		args = append(args, string(st))
		argIdx++
	}

	query := `SELECT hash, short_hash, url, status, source, source_url, score, error, result, added_at, updated_at
	 FROM ` + table + ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`

	if filter.MinRelevancy != nil {
		query += fmt.Sprintf(` AND (score >= $%d OR score IS NULL)`, argIdx)
		args = append(args, *filter.MinRelevancy)
		argIdx++
	}
	query += ` ORDER BY added_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: select %s batch", phase)
	}
	defer rows.Close()

	var recs []model.URLRecord
	for rows.Next() {
		rec, err := scanPgURLRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrapf(rows.Err(), "postgres: select %s batch iterate", phase)
}

func (s *PostgresStore) MarkDone(ctx context.Context, phase model.Phase, hash string, payload json.RawMessage, score float64) error {
	table, err := tableFor(phase)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET status = $1, result = $2, score = $3, error = NULL, updated_at = $4 WHERE hash = $5`,
		string(model.StatusDone), []byte(payload), score, time.Now().UTC(), hash,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark %s done %s", phase, hash)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("%s record not found: %s", phase, hash)
	}
	return nil
}

func (s *PostgresStore) MarkError(ctx context.Context, phase model.Phase, hash string, status model.Status, msg string) error {
	table, err := tableFor(phase)
	if err != nil {
		return err
	}
	if err := checkErrorStatus(phase, status); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET status = $1, error = $2, updated_at = $3 WHERE hash = $4`,
		string(status), msg, time.Now().UTC(), hash,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark %s error %s", phase, hash)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("%s record not found: %s", phase, hash)
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, phase model.Phase) (map[model.Status]int, error) {
	table, err := tableFor(phase)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM `+table+` GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count %s by status", phase)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrapf(rows.Err(), "postgres: count %s iterate", phase)
}

func (s *PostgresStore) FindURL(ctx context.Context, hash string) (model.Phase, *model.URLRecord, error) {
	for _, phase := range model.AllPhases() {
		table, err := tableFor(phase)
		if err != nil {
			return "", nil, err
		}
		row := s.pool.QueryRow(ctx,
			`SELECT hash, short_hash, url, status, source, source_url, score, error, result, added_at, updated_at
			 FROM `+table+` WHERE hash = $1`,
			hash,
		)
		rec, err := scanPgURLRecord(row)
		if err == nil {
			return phase, rec, nil
		}
		if !errors.Is(err, errNoRecord) {
			return "", nil, err
		}
	}
	return "", nil, nil
}

func (s *PostgresStore) GetFetch(ctx context.Context, hash string) (*model.FetchRecord, error) {
	var rec model.FetchRecord
	var statusCode *int
	var contentPath, errMsg *string

	err := s.pool.QueryRow(ctx,
		`SELECT hash, short_hash, url, kind, status_code, content_path, error, fetched_at FROM fetch_cache WHERE hash = $1`,
		hash,
	).Scan(&rec.Hash, &rec.ShortHash, &rec.URL, &rec.Kind, &statusCode, &contentPath, &errMsg, &rec.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get fetch")
	}
	if statusCode != nil {
		rec.StatusCode = *statusCode
	}
	if contentPath != nil {
		rec.ContentPath = *contentPath
	}
	if errMsg != nil {
		rec.Error = *errMsg
	}
	return &rec, nil
}

func (s *PostgresStore) PutFetch(ctx context.Context, rec model.FetchRecord) error {
	if err := rec.CheckIntegrity(); err != nil {
		return err
	}

	fetchedAt := rec.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO fetch_cache (hash, short_hash, url, kind, status_code, content_path, error, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (hash) DO UPDATE SET
		   status_code = EXCLUDED.status_code, content_path = EXCLUDED.content_path,
		   error = EXCLUDED.error, fetched_at = EXCLUDED.fetched_at`,
		rec.Hash, rec.ShortHash, rec.URL, rec.Kind,
		nullInt(rec.StatusCode), nullString(rec.ContentPath), nullString(rec.Error), fetchedAt,
	)
	return eris.Wrapf(err, "postgres: put fetch %s", rec.ShortHash)
}

func scanPgURLRecord(row pgx.Row) (*model.URLRecord, error) {
	var rec model.URLRecord
	var sourceURL, errMsg *string
	var score *float64
	var result []byte

	err := row.Scan(&rec.Hash, &rec.ShortHash, &rec.URL, &rec.Status, &rec.Source,
		&sourceURL, &score, &errMsg, &result, &rec.AddedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNoRecord
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan url record")
	}

	if sourceURL != nil {
		rec.SourceURL = *sourceURL
	}
	rec.Score = score
	if errMsg != nil {
		rec.Error = *errMsg
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	return &rec, nil
}
