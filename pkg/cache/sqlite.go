package cache

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const createSnapshotTable = `
CREATE TABLE IF NOT EXISTS translation_cache (
	position INTEGER PRIMARY KEY,
	cache_key TEXT NOT NULL UNIQUE,
	translation TEXT NOT NULL
);
`

// SQLitePersister keeps the cache snapshot in a SQLite table
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister opens the database at dbPath and creates the table if needed
func NewSQLitePersister(dbPath string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createSnapshotTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &SQLitePersister{db: db}, nil
}

// Load reads all rows in recency order
func (p *SQLitePersister) Load(ctx context.Context) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT cache_key, translation FROM translation_cache ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("cache load: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("cache load: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Save rewrites the table in one transaction
func (p *SQLitePersister) Save(ctx context.Context, entries []Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM translation_cache`); err != nil {
		return fmt.Errorf("cache save: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO translation_cache (position, cache_key, translation) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, i, e.Key, e.Value); err != nil {
			return fmt.Errorf("cache save: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return nil
}

// Close releases the database connection
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
