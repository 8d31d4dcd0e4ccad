// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database opens the sqlite database and applies schema
// migrations. The database runs on a single connection so writes are
// serialized; modernc.org/sqlite is used so the binary stays cgo-free.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// brings the schema up to date.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection keeps the single-writer discipline and avoids
	// SQLITE_BUSY between concurrent service ticks.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Conn exposes the underlying handle. It satisfies dbinterface.TxBeginner.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for i, name := range names {
		target := i + 1
		if target <= version {
			continue
		}

		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump user_version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		log.Info().Str("migration", name).Int("version", target).Msg("applied database migration")
	}

	return db.ensureColumns(ctx)
}

// columnWhitelist maps table.column to the DDL used to add it. Columns
// introduced after a release ship here instead of in a numbered migration
// so downgrade/upgrade cycles stay additive. Names outside the whitelist
// are never executed.
var columnWhitelist = map[string]string{
	"delete_records.action_type":    "ALTER TABLE delete_records ADD COLUMN action_type TEXT NOT NULL DEFAULT 'delete'",
	"rss_feeds.categories":          "ALTER TABLE rss_feeds ADD COLUMN categories TEXT NOT NULL DEFAULT ''",
	"speed_limit_sites.tid_regex":   "ALTER TABLE speed_limit_sites ADD COLUMN tid_regex TEXT NOT NULL DEFAULT ''",
	"torrent_cache.seeds_connected": "ALTER TABLE torrent_cache ADD COLUMN seeds_connected INTEGER NOT NULL DEFAULT 0",
	"torrent_cache.peers_connected": "ALTER TABLE torrent_cache ADD COLUMN peers_connected INTEGER NOT NULL DEFAULT 0",
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ensureColumns adds whitelisted columns missing from databases created by
// older builds. Table and column names are validated before they are
// interpolated into PRAGMA statements.
func (db *DB) ensureColumns(ctx context.Context) error {
	for key, ddl := range columnWhitelist {
		table, column, ok := strings.Cut(key, ".")
		if !ok || !identRe.MatchString(table) || !identRe.MatchString(column) {
			return fmt.Errorf("invalid column whitelist entry: %q", key)
		}

		exists, err := db.columnExists(ctx, table, column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add column %s: %w", key, err)
		}
		log.Info().Str("table", table).Str("column", column).Msg("added missing column")
	}
	return nil
}

func (db *DB) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
