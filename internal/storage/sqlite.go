package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"tgrelay/migrations"
)

// timeLayout keeps millisecond resolution; lexicographic order equals
// chronological order, which the queue SQL relies on.
const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLite implements Storage backed by a SQLite database. All writes go
// through a dedicated single-connection handle; reads use a small pool.
type SQLite struct {
	writer *sql.DB
	reader *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	writer, err := open(dsn)
	if err != nil {
		return nil, err
	}
	writer.SetMaxOpenConns(1)

	if err := migrations.Run(writer); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// In-memory databases are per-connection; share the writer there.
	if dsn == ":memory:" {
		return &SQLite{writer: writer, reader: writer}, nil
	}

	reader, err := open(dsn)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	reader.SetMaxOpenConns(4)
	reader.SetConnMaxLifetime(time.Hour)

	return &SQLite{writer: writer, reader: reader}, nil
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA foreign_keys=OFF",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Close closes the underlying database connections.
func (s *SQLite) Close() error {
	if s.reader != s.writer {
		_ = s.reader.Close()
	}
	return s.writer.Close()
}

func now() time.Time { return time.Now().UTC() }

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := fmtTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by older schema versions carry second resolution.
		t, _ = time.Parse("2006-01-02T15:04:05Z", s)
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}
