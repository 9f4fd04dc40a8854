package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at dbPath. Records
// expire ttl after completion; a zero ttl keeps them forever.
func NewSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	// Open database with WAL mode and recommended pragmas
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Force a connection to ensure the file is created
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if dbPath != ":memory:" {
		// Best effort; Windows has no unix permissions.
		_ = setSecureFilePermissions(dbPath)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{
		db:  db,
		ttl: ttl,
		now: time.Now,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// setSecureFilePermissions sets 0600 on the database and its WAL files.
func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	os.Chmod(path+"-wal", 0600) // may not exist yet
	os.Chmod(path+"-shm", 0600)
	return nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{
		migrationV1,
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}

	return nil
}

// Times are stored as unix milliseconds so range queries and retention
// compare integers.
const migrationV1 = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL CHECK (kind IN ('http', 'ws')),
	label TEXT NOT NULL,
	outcome TEXT NOT NULL CHECK (outcome IN ('success', 'client_abort', 'upstream_error', 'closed')),
	status INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	expires_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_records_started ON records(started_at);
CREATE INDEX IF NOT EXISTS idx_records_expires ON records(expires_at);
CREATE INDEX IF NOT EXISTS idx_records_outcome ON records(outcome);
`

const insertRecord = `
	INSERT INTO records (
		id, kind, label, outcome, status, detail,
		started_at, completed_at, duration_ms, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func (s *SQLiteStore) recordArgs(rec *Record) []interface{} {
	if rec.ExpiresAt == nil && s.ttl > 0 {
		exp := rec.CompletedAt.Add(s.ttl)
		rec.ExpiresAt = &exp
	}
	var expires interface{}
	if rec.ExpiresAt != nil {
		expires = rec.ExpiresAt.UnixMilli()
	}
	return []interface{}{
		rec.ID, rec.Kind, rec.Label, rec.Outcome, rec.Status, rec.Detail,
		rec.StartedAt.UnixMilli(), rec.CompletedAt.UnixMilli(), rec.DurationMs, expires,
	}
}

// SaveRecord inserts one record.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, insertRecord, s.recordArgs(rec)...)
	return err
}

// SaveRecords inserts records in a single transaction.
func (s *SQLiteStore) SaveRecords(ctx context.Context, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertRecord)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, s.recordArgs(rec)...); err != nil {
			return fmt.Errorf("saving record %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

const selectRecord = `
	SELECT id, kind, label, outcome, status, detail,
		started_at, completed_at, duration_ms, expires_at
	FROM records
`

// GetRecord returns the record with the given id.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func buildWhere(filter RecordFilter) (string, []interface{}) {
	var where strings.Builder
	where.WriteString(" WHERE 1=1")
	args := []interface{}{}

	if filter.Kind != nil {
		where.WriteString(" AND kind = ?")
		args = append(args, *filter.Kind)
	}
	if filter.Outcome != nil {
		where.WriteString(" AND outcome = ?")
		args = append(args, *filter.Outcome)
	}
	if filter.StartTime != nil {
		where.WriteString(" AND started_at >= ?")
		args = append(args, filter.StartTime.UnixMilli())
	}
	if filter.EndTime != nil {
		where.WriteString(" AND started_at <= ?")
		args = append(args, filter.EndTime.UnixMilli())
	}
	return where.String(), args
}

// ListRecords returns records matching filter, newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error) {
	where, args := buildWhere(filter)
	query := selectRecord + where + " ORDER BY started_at DESC, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// CountRecords returns the number of records matching filter.
func (s *SQLiteStore) CountRecords(ctx context.Context, filter RecordFilter) (int, error) {
	where, args := buildWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records"+where, args...).Scan(&n)
	return n, err
}

// RunRetention deletes expired records.
func (s *SQLiteStore) RunRetention(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE expires_at IS NOT NULL AND expires_at < ?",
		s.now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                Record
		started, completed int64
		expires            sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID, &rec.Kind, &rec.Label, &rec.Outcome, &rec.Status, &rec.Detail,
		&started, &completed, &rec.DurationMs, &expires,
	); err != nil {
		return nil, err
	}
	rec.StartedAt = time.UnixMilli(started)
	rec.CompletedAt = time.UnixMilli(completed)
	if expires.Valid {
		t := time.UnixMilli(expires.Int64)
		rec.ExpiresAt = &t
	}
	return &rec, nil
}
