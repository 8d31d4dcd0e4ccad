// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// DailyTrafficBaseline anchors a downloader's session counters at local
// midnight so "uploaded today" survives counter resets and restarts.
type DailyTrafficBaseline struct {
	ID                 int       `json:"id"`
	Date               string    `json:"date"` // YYYY-MM-DD, local time
	DownloaderID       int       `json:"downloaderId"`
	BaselineUploaded   float64   `json:"baselineUploaded"`
	BaselineDownloaded float64   `json:"baselineDownloaded"`
	LatestUploaded     float64   `json:"latestUploaded"`
	LatestDownloaded   float64   `json:"latestDownloaded"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type TrafficBaselineStore struct {
	db *sql.DB
}

func NewTrafficBaselineStore(db *sql.DB) *TrafficBaselineStore {
	return &TrafficBaselineStore{db: db}
}

// Observe updates the day's row with the latest session counters,
// creating the baseline from them on the first observation of the day.
// When the session counter went backwards (client restart) the baseline
// is re-anchored so the daily delta keeps growing from the restart point.
func (s *TrafficBaselineStore) Observe(ctx context.Context, downloaderID int, date string, uploaded, downloaded float64) error {
	var b DailyTrafficBaseline
	err := s.db.QueryRowContext(ctx, `
		SELECT id, baseline_uploaded, baseline_downloaded, latest_uploaded, latest_downloaded
		FROM daily_traffic_baselines WHERE date = ? AND downloader_id = ?`,
		date, downloaderID).Scan(&b.ID, &b.BaselineUploaded, &b.BaselineDownloaded, &b.LatestUploaded, &b.LatestDownloaded)

	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO daily_traffic_baselines (date, downloader_id, baseline_uploaded, baseline_downloaded, latest_uploaded, latest_downloaded)
			VALUES (?, ?, ?, ?, ?, ?)`,
			date, downloaderID, uploaded, downloaded, uploaded, downloaded)
		return err
	}
	if err != nil {
		return err
	}

	baselineUp, baselineDown := b.BaselineUploaded, b.BaselineDownloaded
	if uploaded < b.LatestUploaded {
		baselineUp = uploaded - (b.LatestUploaded - b.BaselineUploaded)
	}
	if downloaded < b.LatestDownloaded {
		baselineDown = downloaded - (b.LatestDownloaded - b.BaselineDownloaded)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE daily_traffic_baselines
		SET baseline_uploaded = ?, baseline_downloaded = ?, latest_uploaded = ?, latest_downloaded = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		baselineUp, baselineDown, uploaded, downloaded, b.ID)
	return err
}

// TodayDelta returns uploaded/downloaded since the day's baseline.
func (s *TrafficBaselineStore) TodayDelta(ctx context.Context, downloaderID int, date string) (up, down float64, err error) {
	var b DailyTrafficBaseline
	err = s.db.QueryRowContext(ctx, `
		SELECT baseline_uploaded, baseline_downloaded, latest_uploaded, latest_downloaded
		FROM daily_traffic_baselines WHERE date = ? AND downloader_id = ?`,
		date, downloaderID).Scan(&b.BaselineUploaded, &b.BaselineDownloaded, &b.LatestUploaded, &b.LatestDownloaded)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	up = b.LatestUploaded - b.BaselineUploaded
	down = b.LatestDownloaded - b.BaselineDownloaded
	if up < 0 {
		up = 0
	}
	if down < 0 {
		down = 0
	}
	return up, down, nil
}
