// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ptfleet/ptfleet/internal/dbinterface"
)

var ErrSpeedLimitSiteNotFound = errors.New("speed limit site not found")

// Peer-list time interpretations.
const (
	PeerlistModeElapsed   = "elapsed"
	PeerlistModeRemaining = "remaining"
)

// SpeedLimitConfig is the global limiter configuration. A single row is
// kept; Get creates it with defaults when absent.
type SpeedLimitConfig struct {
	ID                  int       `json:"id"`
	Enabled             bool      `json:"enabled"`
	TargetUploadSpeed   float64   `json:"targetUploadSpeed"`   // bytes/s
	TargetDownloadSpeed float64   `json:"targetDownloadSpeed"` // bytes/s
	SafetyMargin        float64   `json:"safetyMargin"`
	Kp                  float64   `json:"kp"`
	Ki                  float64   `json:"ki"`
	Kd                  float64   `json:"kd"`
	ReportInterval      int       `json:"reportInterval"`
	NotifyEnabled       bool      `json:"notifyEnabled"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type SpeedLimitConfigStore struct {
	db *sql.DB
}

func NewSpeedLimitConfigStore(db *sql.DB) *SpeedLimitConfigStore {
	return &SpeedLimitConfigStore{db: db}
}

const speedLimitConfigColumns = `id, enabled, target_upload_speed, target_download_speed, safety_margin,
	kp, ki, kd, report_interval, notify_enabled, updated_at`

func scanSpeedLimitConfig(row interface{ Scan(...any) error }) (*SpeedLimitConfig, error) {
	c := &SpeedLimitConfig{}
	err := row.Scan(&c.ID, &c.Enabled, &c.TargetUploadSpeed, &c.TargetDownloadSpeed, &c.SafetyMargin,
		&c.Kp, &c.Ki, &c.Kd, &c.ReportInterval, &c.NotifyEnabled, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SpeedLimitConfigStore) Get(ctx context.Context) (*SpeedLimitConfig, error) {
	c, err := scanSpeedLimitConfig(s.db.QueryRowContext(ctx,
		`SELECT `+speedLimitConfigColumns+` FROM speed_limit_config ORDER BY id LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return scanSpeedLimitConfig(s.db.QueryRowContext(ctx, `
			INSERT INTO speed_limit_config (enabled) VALUES (0)
			RETURNING `+speedLimitConfigColumns))
	}
	return c, err
}

func (s *SpeedLimitConfigStore) Update(ctx context.Context, c *SpeedLimitConfig) (*SpeedLimitConfig, error) {
	return scanSpeedLimitConfig(s.db.QueryRowContext(ctx, `
		UPDATE speed_limit_config
		SET enabled = ?, target_upload_speed = ?, target_download_speed = ?, safety_margin = ?,
			kp = ?, ki = ?, kd = ?, report_interval = ?, notify_enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING `+speedLimitConfigColumns,
		c.Enabled, c.TargetUploadSpeed, c.TargetDownloadSpeed, c.SafetyMargin,
		c.Kp, c.Ki, c.Kd, c.ReportInterval, c.NotifyEnabled, c.ID))
}

// SpeedLimitSite is a per tracker-domain control rule.
type SpeedLimitSite struct {
	ID            int     `json:"id"`
	TrackerDomain string  `json:"trackerDomain"`
	Enabled       bool    `json:"enabled"`
	TargetUploadSpeed   float64 `json:"targetUploadSpeed"`   // bytes/s
	TargetDownloadSpeed float64 `json:"targetDownloadSpeed"` // bytes/s
	SafetyMargin        float64 `json:"safetyMargin"`

	LimitDownloadSpeed bool `json:"limitDownloadSpeed"`
	OptimizeAnnounce   bool `json:"optimizeAnnounce"`

	PeerlistEnabled        bool   `json:"peerlistEnabled"`
	PeerlistURLTemplate    string `json:"peerlistUrlTemplate"`
	PeerlistCookie         string `json:"-"`
	TidRegex               string `json:"tidRegex"`
	PeerlistTimeMode       string `json:"peerlistTimeMode"`
	CustomAnnounceInterval int    `json:"customAnnounceInterval"` // seconds, 0 = tracker-provided

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SpeedLimitSiteStore struct {
	db *sql.DB
}

func NewSpeedLimitSiteStore(db *sql.DB) *SpeedLimitSiteStore {
	return &SpeedLimitSiteStore{db: db}
}

const speedLimitSiteColumns = `id, tracker_domain, enabled, target_upload_speed, target_download_speed,
	safety_margin, limit_download_speed, optimize_announce,
	peerlist_enabled, peerlist_url_template, peerlist_cookie, tid_regex, peerlist_time_mode,
	custom_announce_interval, created_at, updated_at`

func scanSpeedLimitSite(row interface{ Scan(...any) error }) (*SpeedLimitSite, error) {
	site := &SpeedLimitSite{}
	err := row.Scan(&site.ID, &site.TrackerDomain, &site.Enabled,
		&site.TargetUploadSpeed, &site.TargetDownloadSpeed, &site.SafetyMargin,
		&site.LimitDownloadSpeed, &site.OptimizeAnnounce,
		&site.PeerlistEnabled, &site.PeerlistURLTemplate, &site.PeerlistCookie,
		&site.TidRegex, &site.PeerlistTimeMode, &site.CustomAnnounceInterval,
		&site.CreatedAt, &site.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return site, nil
}

func (s *SpeedLimitSiteStore) Create(ctx context.Context, site *SpeedLimitSite) (*SpeedLimitSite, error) {
	return scanSpeedLimitSite(s.db.QueryRowContext(ctx, `
		INSERT INTO speed_limit_sites (tracker_domain, enabled, target_upload_speed, target_download_speed,
			safety_margin, limit_download_speed, optimize_announce,
			peerlist_enabled, peerlist_url_template, peerlist_cookie, tid_regex, peerlist_time_mode,
			custom_announce_interval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+speedLimitSiteColumns,
		site.TrackerDomain, site.Enabled, site.TargetUploadSpeed, site.TargetDownloadSpeed,
		site.SafetyMargin, site.LimitDownloadSpeed, site.OptimizeAnnounce,
		site.PeerlistEnabled, site.PeerlistURLTemplate, site.PeerlistCookie, site.TidRegex,
		site.PeerlistTimeMode, site.CustomAnnounceInterval))
}

func (s *SpeedLimitSiteStore) ListEnabled(ctx context.Context) ([]*SpeedLimitSite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+speedLimitSiteColumns+` FROM speed_limit_sites WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sites := make([]*SpeedLimitSite, 0)
	for rows.Next() {
		site, err := scanSpeedLimitSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// SpeedLimitRecord is one ledger row: interval traffic deltas plus the
// controller decision that produced them.
type SpeedLimitRecord struct {
	ID            int       `json:"id"`
	TrackerDomain string    `json:"trackerDomain"`
	DownloaderID  *int      `json:"downloaderId"`
	CurrentSpeed  float64   `json:"currentSpeed"` // bytes/s
	TargetSpeed   float64   `json:"targetSpeed"`
	LimitApplied  float64   `json:"limitApplied"`
	Phase         string    `json:"phase"`
	Uploaded      float64   `json:"uploaded"`   // bytes this interval
	Downloaded    float64   `json:"downloaded"` // bytes this interval
	CreatedAt     time.Time `json:"createdAt"`
}

type SpeedLimitRecordStore struct {
	db *sql.DB
}

func NewSpeedLimitRecordStore(db *sql.DB) *SpeedLimitRecordStore {
	return &SpeedLimitRecordStore{db: db}
}

// InsertTx writes a ledger row through q so the limiter can commit record
// rows and its state blob in one transaction.
func (s *SpeedLimitRecordStore) InsertTx(ctx context.Context, q dbinterface.Querier, r *SpeedLimitRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO speed_limit_records (tracker_domain, downloader_id, current_speed, target_speed,
			limit_applied, phase, uploaded, downloaded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TrackerDomain, r.DownloaderID, r.CurrentSpeed, r.TargetSpeed,
		r.LimitApplied, r.Phase, r.Uploaded, r.Downloaded)
	return err
}

func (s *SpeedLimitRecordStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM speed_limit_records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TrafficSince sums ledger deltas per downloader from the given time.
// Used for the today-uploaded/downloaded view.
func (s *SpeedLimitRecordStore) TrafficSince(ctx context.Context, since time.Time) (map[int]struct{ Uploaded, Downloaded float64 }, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT downloader_id, SUM(uploaded), SUM(downloaded)
		FROM speed_limit_records
		WHERE created_at >= ? AND downloader_id IS NOT NULL
		GROUP BY downloader_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]struct{ Uploaded, Downloaded float64 })
	for rows.Next() {
		var id int
		var up, down float64
		if err := rows.Scan(&id, &up, &down); err != nil {
			return nil, err
		}
		out[id] = struct{ Uploaded, Downloaded float64 }{up, down}
	}
	return out, rows.Err()
}
