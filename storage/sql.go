// Package storage provides SQL record storage.
//
// Information Hiding:
// - Connection management hidden behind RecordLog
// - Schema and placeholder dialect details encapsulated
// - Thread-safe via sql.DB's built-in connection pooling

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/richinex/urlverify/model"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverSqlite3  = "sqlite3"  // mattn/go-sqlite3 (cgo)
	DriverSqlite   = "sqlite"   // modernc.org/sqlite (pure Go)
	DriverPostgres = "postgres" // lib/pq
)

// SQLLog implements RecordLog on a relational database.
// Record order is the order of the auto-incremented position column;
// replacing a record updates its row, so the position is kept.
type SQLLog struct {
	db     *sql.DB
	driver string
}

// OpenSqlite opens or creates a SQLite database at the given path using
// the cgo driver. Creates parent directories if they don't exist.
func OpenSqlite(path string) (*SQLLog, error) {
	return OpenSQL(DriverSqlite3, path)
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory() (*SQLLog, error) {
	return OpenSQL(DriverSqlite3, ":memory:")
}

// OpenSQL opens a record log on the given driver and DSN and creates the
// schema if needed. A plain SQLite file path gets its parent directories
// created.
func OpenSQL(driver, dsn string) (*SQLLog, error) {
	switch driver {
	case DriverSqlite3, DriverSqlite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := ensureDir(dsn); err != nil {
				return nil, err
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported SQL driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver != DriverPostgres {
		// SQLite allows a single writer; an in-memory database also
		// exists only on the connection that created it.
		db.SetMaxOpenConns(1)
	}

	s := &SQLLog{db: db, driver: driver}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLLog) Close() error {
	return s.db.Close()
}

func (s *SQLLog) createSchema() error {
	positionColumn := "position INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		positionColumn = "position BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS verifications (
			` + positionColumn + `,
			record_key TEXT NOT NULL,
			url TEXT NOT NULL,
			query TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			is_accessible BOOLEAN NOT NULL,
			error_message TEXT NOT NULL,
			content_found BOOLEAN NOT NULL,
			concise_answer TEXT NOT NULL,
			analysis TEXT NOT NULL,
			UNIQUE(url, query)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verifications_key ON verifications(record_key)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLLog) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const recordColumns = "url, timestamp, status_code, is_accessible, error_message, query, content_found, concise_answer, analysis"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, extra ...any) (model.VerificationRecord, error) {
	var rec model.VerificationRecord
	dest := []any{
		&rec.URL, &rec.Timestamp, &rec.StatusCode, &rec.IsAccessible, &rec.ErrorMessage,
		&rec.Query, &rec.ContentFound, &rec.ConciseAnswer, &rec.Analysis,
	}
	err := row.Scan(append(dest, extra...)...)
	return rec, err
}

// Find returns the record stored under key and its index.
func (s *SQLLog) Find(ctx context.Context, key model.RecordKey) (model.VerificationRecord, int, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+recordColumns+", position FROM verifications WHERE record_key = ? AND url = ? AND query = ?"),
		key.Hash(), key.URL, key.Query)

	var position int64
	rec, err := scanRecord(row, &position)
	if errors.Is(err, sql.ErrNoRows) {
		return model.VerificationRecord{}, -1, false, nil
	}
	if err != nil {
		return model.VerificationRecord{}, -1, false, fmt.Errorf("failed to query record: %w", err)
	}

	index, err := s.indexOf(ctx, s.db, position)
	if err != nil {
		return model.VerificationRecord{}, -1, false, err
	}
	return rec, index, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLLog) indexOf(ctx context.Context, q queryer, position int64) (int, error) {
	var index int
	err := q.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM verifications WHERE position < ?"), position).Scan(&index)
	if err != nil {
		return -1, fmt.Errorf("failed to compute record index: %w", err)
	}
	return index, nil
}

// Upsert inserts rec or updates the existing row with the same key.
func (s *SQLLog) Upsert(ctx context.Context, rec model.VerificationRecord) (int, bool, error) {
	key := rec.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	var existing int64
	replaced := true
	err = tx.QueryRowContext(ctx, s.rebind("SELECT position FROM verifications WHERE url = ? AND query = ?"),
		key.URL, key.Query).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		replaced = false
	} else if err != nil {
		return -1, false, fmt.Errorf("failed to query existing record: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO verifications (record_key, `+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url, query) DO UPDATE SET
			timestamp = excluded.timestamp,
			status_code = excluded.status_code,
			is_accessible = excluded.is_accessible,
			error_message = excluded.error_message,
			content_found = excluded.content_found,
			concise_answer = excluded.concise_answer,
			analysis = excluded.analysis`),
		key.Hash(), rec.URL, rec.Timestamp, rec.StatusCode, rec.IsAccessible, rec.ErrorMessage,
		rec.Query, rec.ContentFound, rec.ConciseAnswer, rec.Analysis)
	if err != nil {
		return -1, false, fmt.Errorf("failed to upsert record: %w", err)
	}

	var position int64
	err = tx.QueryRowContext(ctx, s.rebind("SELECT position FROM verifications WHERE url = ? AND query = ?"),
		key.URL, key.Query).Scan(&position)
	if err != nil {
		return -1, false, fmt.Errorf("failed to read record position: %w", err)
	}

	index, err := s.indexOf(ctx, tx, position)
	if err != nil {
		return -1, false, err
	}

	if err := tx.Commit(); err != nil {
		return -1, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return index, replaced, nil
}

// List returns all records in stored order.
func (s *SQLLog) List(ctx context.Context) ([]model.VerificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM verifications ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []model.VerificationRecord{} // Start with empty slice, not nil
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// Len returns the number of records.
func (s *SQLLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM verifications").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Verify SQLLog implements RecordLog
var _ RecordLog = (*SQLLog)(nil)
