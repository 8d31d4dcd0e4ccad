// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CachedTorrent is the persisted snapshot of a client torrent, refreshed
// on delete-engine runs so the stored view survives restarts.
type CachedTorrent struct {
	DownloaderID   int
	Hash           string
	Name           string
	Size           float64
	Progress       float64
	Status         string
	Uploaded       float64
	Downloaded     float64
	Ratio          float64
	UploadSpeed    float64
	DownloadSpeed  float64
	Seeders        int
	Leechers       int
	SeedsConnected int
	PeersConnected int
	Tracker        string
	Tags           string
	Category       string
	SavePath       string
	AddedTime      *time.Time
	SeedingTime    int
}

type TorrentCacheStore struct {
	db *sql.DB
}

func NewTorrentCacheStore(db *sql.DB) *TorrentCacheStore {
	return &TorrentCacheStore{db: db}
}

func (s *TorrentCacheStore) Upsert(ctx context.Context, t *CachedTorrent) error {
	var added any
	if t.AddedTime != nil {
		added = *t.AddedTime
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO torrent_cache (downloader_id, torrent_hash, name, size, progress, status,
			uploaded, downloaded, ratio, upload_speed, download_speed,
			seeders, leechers, seeds_connected, peers_connected,
			tracker, tags, category, save_path, added_time, seeding_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(downloader_id, torrent_hash) DO UPDATE SET
			name = excluded.name, size = excluded.size, progress = excluded.progress,
			status = excluded.status, uploaded = excluded.uploaded, downloaded = excluded.downloaded,
			ratio = excluded.ratio, upload_speed = excluded.upload_speed, download_speed = excluded.download_speed,
			seeders = excluded.seeders, leechers = excluded.leechers,
			seeds_connected = excluded.seeds_connected, peers_connected = excluded.peers_connected,
			tracker = excluded.tracker, tags = excluded.tags, category = excluded.category,
			save_path = excluded.save_path, added_time = excluded.added_time,
			seeding_time = excluded.seeding_time, updated_at = CURRENT_TIMESTAMP`,
		t.DownloaderID, t.Hash, t.Name, t.Size, t.Progress, t.Status,
		t.Uploaded, t.Downloaded, t.Ratio, t.UploadSpeed, t.DownloadSpeed,
		t.Seeders, t.Leechers, t.SeedsConnected, t.PeersConnected,
		t.Tracker, t.Tags, t.Category, t.SavePath, added, t.SeedingTime)
	return err
}

// PruneMissing removes cache rows (plain snapshots only, not condition
// marks) for torrents no longer present in the client.
func (s *TorrentCacheStore) PruneMissing(ctx context.Context, downloaderID int, presentHashes map[string]struct{}) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_hash FROM torrent_cache
		WHERE downloader_id = ? AND torrent_hash NOT LIKE 'r%:%'`, downloaderID)
	if err != nil {
		return err
	}

	stale := make([]string, 0)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return err
		}
		if _, ok := presentHashes[hash]; !ok {
			stale = append(stale, hash)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, hash := range stale {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM torrent_cache WHERE downloader_id = ? AND torrent_hash = ?`, downloaderID, hash); err != nil {
			return err
		}
	}
	return nil
}

// ConditionMarkKey builds the persisted hysteresis key for a rule/torrent
// pair. Marks share the torrent_cache table, keyed r<rule-id>:<infohash>.
func ConditionMarkKey(ruleID int, hash string) string {
	return fmt.Sprintf("r%d:%s", ruleID, hash)
}

// ConditionMarks loads every persisted rule-match timestamp for the
// downloader, keyed by ConditionMarkKey.
func (s *TorrentCacheStore) ConditionMarks(ctx context.Context, downloaderID int) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_hash, condition_met_since FROM torrent_cache
		WHERE downloader_id = ? AND torrent_hash LIKE 'r%:%' AND condition_met_since IS NOT NULL`,
		downloaderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marks := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var since time.Time
		if err := rows.Scan(&key, &since); err != nil {
			return nil, err
		}
		marks[key] = since
	}
	return marks, rows.Err()
}

// SetConditionMark records when a rule first matched a torrent.
func (s *TorrentCacheStore) SetConditionMark(ctx context.Context, downloaderID int, key string, since time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO torrent_cache (downloader_id, torrent_hash, name, condition_met_since)
		VALUES (?, ?, '', ?)
		ON CONFLICT(downloader_id, torrent_hash) DO UPDATE SET
			condition_met_since = excluded.condition_met_since, updated_at = CURRENT_TIMESTAMP`,
		downloaderID, key, since)
	return err
}

// ClearConditionMarks drops marks whose rule no longer matches, so the
// hysteresis clock restarts on the next match.
func (s *TorrentCacheStore) ClearConditionMarks(ctx context.Context, downloaderID int, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(keys)+1)
	args = append(args, downloaderID)
	for _, k := range keys {
		args = append(args, k)
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM torrent_cache WHERE downloader_id = ? AND torrent_hash IN (`+placeholders+`)`, args...)
	return err
}
