// Package journal records configuration mutations in a local SQLite
// database so an operator can audit what the editor changed and when.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded mutation.
type Entry struct {
	ID     int64
	Op     string
	Target string
	Detail string
	At     time.Time
}

// Journal is an append-only mutation log. A nil *Journal is valid and
// records nothing, so callers can treat journaling as optional.
type Journal struct {
	db *sql.DB
}

// Open opens the journal database at path, creating it if needed.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		op TEXT NOT NULL,
		target TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_at ON mutations(at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends one entry.
func (j *Journal) Record(ctx context.Context, op, target, detail string) error {
	if j == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO mutations (op, target, detail, at) VALUES (?, ?, ?, ?)`,
		op, target, detail, time.Now().UTC())
	return err
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, op, target, detail, at FROM mutations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Op, &e.Target, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
