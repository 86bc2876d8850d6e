// Package store persists transcripts in SQLite.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	dbFileName = "transcripts.db"
	dsnParams  = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
)

// DB is an open transcript database with its schema up to date.
type DB struct {
	db *sql.DB
}

// Open opens dataDir/transcripts.db, creating dataDir if needed, and applies
// pending migrations.
func Open(dataDir string) (*DB, error) {
	if dataDir == "" {
		return nil, errors.New("transcript store: data dir is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("transcript store: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbFileName)+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("transcript store: open db: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) SQLDB() *sql.DB { return d.db }

func (d *DB) Close() error { return d.db.Close() }

// SchemaVersion returns the last applied migration number.
func (d *DB) SchemaVersion() (int, error) {
	var v sql.NullInt64
	err := d.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("migrations: read version: %w", err)
	}
	return int(v.Int64), nil
}

type migration struct {
	version int
	name    string
	stmt    string
}

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER NOT NULL PRIMARY KEY,
		applied_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	)`); err != nil {
		return fmt.Errorf("migrations: create schema_version: %w", err)
	}
	current, err := d.SchemaVersion()
	if err != nil {
		return err
	}
	pending, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range pending {
		if m.version <= current {
			continue
		}
		if err := d.apply(m); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

// apply runs one migration and records its version in the same transaction.
func (d *DB) apply(m migration) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.stmt); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return err
	}
	return tx.Commit()
}

// loadMigrations reads the embedded NNN_name.sql files in version order.
// Files without a numeric prefix are ignored.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		n, err := migrationNumber(e.Name())
		if err != nil || n <= 0 {
			continue
		}
		data, err := fs.ReadFile(migrationsFS, path.Join("migrations", e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: n, name: e.Name(), stmt: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func migrationNumber(name string) (int, error) {
	num, _, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration name %q", name)
	}
	return strconv.Atoi(num)
}
