// Package store persists events, agent snapshots, and known chats in SQLite.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// base schema plus any additive column upgrades.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent pollers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.upgradeColumns(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// upgradeColumns adds snapshot columns introduced after the base schema.
// Databases created before an upgrade gain the new columns in place.
func (s *Store) upgradeColumns() error {
	upgrades := map[string]string{
		"needs_attention":   "ALTER TABLE agent_snapshots ADD COLUMN needs_attention INTEGER NOT NULL DEFAULT 0",
		"parked":            "ALTER TABLE agent_snapshots ADD COLUMN parked INTEGER NOT NULL DEFAULT 0",
		"last_response":     "ALTER TABLE agent_snapshots ADD COLUMN last_response TEXT NOT NULL DEFAULT ''",
		"last_user_message": "ALTER TABLE agent_snapshots ADD COLUMN last_user_message TEXT NOT NULL DEFAULT ''",
		"profile":           "ALTER TABLE agent_snapshots ADD COLUMN profile TEXT NOT NULL DEFAULT ''",
	}

	existing, err := s.tableColumns("agent_snapshots")
	if err != nil {
		return err
	}
	for column, stmt := range upgrades {
		if existing[column] {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("add column %s: %w", column, err)
		}
		slog.Info("database upgraded", "table", "agent_snapshots", "column", column)
	}
	return nil
}

func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		columns[strings.ToLower(name)] = true
	}
	return columns, rows.Err()
}
