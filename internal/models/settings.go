// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/ptfleet/ptfleet/internal/dbinterface"
)

// Well known system_settings keys.
const (
	SettingSpeedLimiterState       = "speed_limiter_state"
	SettingDeleteCheckInterval     = "delete_check_interval_seconds"
	SettingAllowDefaultSecret      = "allow_default_session_secret"
	SettingRecordRetentionDays     = "record_retention_days"
	SettingLastTrafficBaselineDate = "last_traffic_baseline_date"
)

var ErrSettingNotFound = errors.New("setting not found")

// SettingsStore is a string key/value table used for runtime-tunable
// settings and persisted service state blobs.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, s.db, key)
}

func getSetting(ctx context.Context, q dbinterface.Querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	return value, err
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	return s.SetTx(ctx, s.db, key, value)
}

// SetTx writes a setting through the given querier so callers can batch
// the write with other statements in one transaction.
func (s *SettingsStore) SetTx(ctx context.Context, q dbinterface.Querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO system_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

// GetInt reads an integer setting, falling back to def when the key is
// missing or unparseable, and clamping into [min, max].
func (s *SettingsStore) GetInt(ctx context.Context, key string, def, min, max int) int {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
