package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the cache entry index.
//
// It remembers when each entry was last read so that eviction order survives
// restarts. It is an optimisation only: the files on disk are authoritative.
type DB struct {
	db *sql.DB
}

// Entry is a row of the index.
type Entry struct {
	Key        string
	Size       int64
	AccessedAt time.Time
}

// Open opens (creating if needed) the index at path and migrates it to the latest schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc's driver does not serialise writers across connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Put inserts or replaces an entry.
func (d *DB) Put(ctx context.Context, key string, size int64, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (key, size, accessed_at) VALUES (?, ?, ?)",
		key, size, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Touch updates the access time of an existing entry.
func (d *DB) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, "UPDATE entries SET accessed_at = ? WHERE key = ?", at.UnixNano(), key)
	if err != nil {
		return fmt.Errorf("failed to touch %s: %w", key, err)
	}
	return nil
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (d *DB) Remove(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// List returns every entry, least recently accessed first.
func (d *DB) List(ctx context.Context) ([]Entry, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT key, size, accessed_at FROM entries ORDER BY accessed_at ASC, key ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.Key, &e.Size, &at); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.AccessedAt = time.Unix(0, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AccessTimes returns the last access time of every entry keyed by entry key.
func (d *DB) AccessTimes(ctx context.Context) (map[string]time.Time, error) {
	entries, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		out[e.Key] = e.AccessedAt
	}
	return out, nil
}
