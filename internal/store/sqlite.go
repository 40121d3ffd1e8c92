package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/arb-consulting/shallow-review-2025/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps concurrent workers from hitting SQLITE_BUSY and
	// makes the session pragmas below apply to every statement.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS collect_urls (
	hash       TEXT PRIMARY KEY,
	short_hash TEXT NOT NULL,
	url        TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL DEFAULT 'new'
		CHECK (status IN ('new', 'done', 'fetch_error', 'extract_error')),
	source     TEXT NOT NULL DEFAULT 'manual',
	source_url TEXT,
	score      REAL,
	error      TEXT,
	result     TEXT,
	added_at   DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS classify_urls (
	hash       TEXT PRIMARY KEY,
	short_hash TEXT NOT NULL,
	url        TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL DEFAULT 'new'
		CHECK (status IN ('new', 'done', 'fetch_error', 'classify_error')),
	source     TEXT NOT NULL DEFAULT 'manual',
	source_url TEXT,
	score      REAL,
	error      TEXT,
	result     TEXT,
	added_at   DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fetch_cache (
	hash         TEXT PRIMARY KEY,
	short_hash   TEXT NOT NULL,
	url          TEXT NOT NULL,
	kind         TEXT NOT NULL,
	status_code  INTEGER,
	content_path TEXT,
	error        TEXT,
	fetched_at   DATETIME NOT NULL,
	CHECK ((content_path IS NULL) <> (error IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_collect_urls_status ON collect_urls(status);
CREATE INDEX IF NOT EXISTS idx_collect_urls_added_at ON collect_urls(added_at);
CREATE INDEX IF NOT EXISTS idx_classify_urls_status ON classify_urls(status);
CREATE INDEX IF NOT EXISTS idx_classify_urls_added_at ON classify_urls(added_at);
CREATE INDEX IF NOT EXISTS idx_fetch_cache_url ON fetch_cache(url);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertCandidate(ctx context.Context, phase model.Phase, rec model.URLRecord) (bool, error) {
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (hash, short_hash, url, status, source, source_url, score, added_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		rec.Hash, rec.ShortHash, rec.URL, string(status), rec.Source,
		nullString(rec.SourceURL), nullFloat(rec.Score), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert %s candidate %s", phase, rec.ShortHash)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) SelectBatch(ctx context.Context, phase model.Phase, filter BatchFilter) ([]model.URLRecord, error) {
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
	for i, st := range statuses {
		if !phase.ValidStatus(st) {
			return nil, eris.Errorf("sqlite: status %q not valid for phase %s", st, phase)
		}
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := `SELECT hash, short_hash, url, status, source, source_url, score, error, result, added_at, updated_at
	 FROM ` + table + ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`

	if filter.MinRelevancy != nil {
		query += ` AND (score >= ? OR score IS NULL)`
		args = append(args, *filter.MinRelevancy)
	}
	query += ` ORDER BY added_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: select %s batch", phase)
	}
	defer rows.Close()

	var recs []model.URLRecord
	for rows.Next() {
		rec, err := scanURLRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrapf(rows.Err(), "sqlite: select %s batch iterate", phase)
}

func (s *SQLiteStore) MarkDone(ctx context.Context, phase model.Phase, hash string, payload json.RawMessage, score float64) error {
	table, err := tableFor(phase)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = ?, result = ?, score = ?, error = NULL, updated_at = ? WHERE hash = ?`,
		string(model.StatusDone), string(payload), score, time.Now().UTC(), hash,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark %s done %s", phase, hash)
	}
	return checkRowsAffected(res, string(phase)+" record", hash)
}

func (s *SQLiteStore) MarkError(ctx context.Context, phase model.Phase, hash string, status model.Status, msg string) error {
	table, err := tableFor(phase)
	if err != nil {
		return err
	}
	if err := checkErrorStatus(phase, status); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = ?, error = ?, updated_at = ? WHERE hash = ?`,
		string(status), msg, time.Now().UTC(), hash,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark %s error %s", phase, hash)
	}
	return checkRowsAffected(res, string(phase)+" record", hash)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, phase model.Phase) (map[model.Status]int, error) {
	table, err := tableFor(phase)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM `+table+` GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count %s by status", phase)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrapf(rows.Err(), "sqlite: count %s iterate", phase)
}

func (s *SQLiteStore) FindURL(ctx context.Context, hash string) (model.Phase, *model.URLRecord, error) {
	for _, phase := range model.AllPhases() {
		table, err := tableFor(phase)
		if err != nil {
			return "", nil, err
		}
		row := s.db.QueryRowContext(ctx,
			`SELECT hash, short_hash, url, status, source, source_url, score, error, result, added_at, updated_at
			 FROM `+table+` WHERE hash = ?`,
			hash,
		)
		rec, err := scanURLRecord(row)
		if err == nil {
			return phase, rec, nil
		}
		if !errors.Is(err, errNoRecord) {
			return "", nil, err
		}
	}
	return "", nil, nil
}

func (s *SQLiteStore) GetFetch(ctx context.Context, hash string) (*model.FetchRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, short_hash, url, kind, status_code, content_path, error, fetched_at
		 FROM fetch_cache WHERE hash = ?`,
		hash,
	)

	var rec model.FetchRecord
	var statusCode sql.NullInt64
	var contentPath, errMsg sql.NullString
	err := row.Scan(&rec.Hash, &rec.ShortHash, &rec.URL, &rec.Kind, &statusCode, &contentPath, &errMsg, &rec.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get fetch")
	}
	rec.StatusCode = int(statusCode.Int64)
	rec.ContentPath = contentPath.String
	rec.Error = errMsg.String
	return &rec, nil
}

func (s *SQLiteStore) PutFetch(ctx context.Context, rec model.FetchRecord) error {
	if err := rec.CheckIntegrity(); err != nil {
		return err
	}

	fetchedAt := rec.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_cache (hash, short_hash, url, kind, status_code, content_path, error, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (hash) DO UPDATE SET
		   status_code = excluded.status_code, content_path = excluded.content_path,
		   error = excluded.error, fetched_at = excluded.fetched_at`,
		rec.Hash, rec.ShortHash, rec.URL, rec.Kind,
		nullInt(rec.StatusCode), nullString(rec.ContentPath), nullString(rec.Error), fetchedAt,
	)
	return eris.Wrapf(err, "sqlite: put fetch %s", rec.ShortHash)
}

// helpers

var errNoRecord = eris.New("record not found")

func tableFor(phase model.Phase) (string, error) {
	switch phase {
	case model.PhaseCollect:
		return "collect_urls", nil
	case model.PhaseClassify:
		return "classify_urls", nil
	}
	return "", eris.Errorf("store: unknown phase %q", phase)
}

func checkErrorStatus(phase model.Phase, status model.Status) error {
	for _, st := range phase.ErrorStatuses() {
		if st == status {
			return nil
		}
	}
	return eris.Errorf("store: status %q is not an error status for phase %s", status, phase)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

type scannable interface {
	Scan(dest ...any) error
}

func scanURLRecord(row scannable) (*model.URLRecord, error) {
	var rec model.URLRecord
	var sourceURL, errMsg, result sql.NullString
	var score sql.NullFloat64

	err := row.Scan(&rec.Hash, &rec.ShortHash, &rec.URL, &rec.Status, &rec.Source,
		&sourceURL, &score, &errMsg, &result, &rec.AddedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errNoRecord
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan url record")
	}

	rec.SourceURL = sourceURL.String
	if score.Valid {
		v := score.Float64
		rec.Score = &v
	}
	rec.Error = errMsg.String
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	return &rec, nil
}
