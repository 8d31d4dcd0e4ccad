// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package testdb provides fully migrated sqlite databases for tests.
package testdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ptfleet/ptfleet/internal/database"
)

// Open returns a migrated database backed by a file in the test's temp
// dir. The handle is closed automatically when the test finishes.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(path)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db.Conn()
}
