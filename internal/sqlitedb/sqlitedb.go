// Package sqlitedb opens the embedded single-node store.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vnmchuo/llm-meter/migrations"
)

// DayLayout is how calendar days are stored in TEXT columns.
const DayLayout = "2006-01-02"

// TimeLayout is how timestamps are stored in TEXT columns. It is fixed width
// so that string comparison orders the same as time.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Open creates or opens the database at path and applies the schema.
//
// A single connection is used so that SQLite's one-writer journal serializes
// every write issued by the process.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrations.SQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema failed: %w", err)
	}
	return db, nil
}

// FormatTime renders t for a TEXT timestamp column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
