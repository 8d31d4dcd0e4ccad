// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var ErrRssFeedNotFound = errors.New("rss feed not found")

type RssFeed struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Enabled      bool   `json:"enabled"`
	FirstRunDone bool   `json:"firstRunDone"`

	DownloaderID *int `json:"downloaderId"`
	AutoAssign   bool `json:"autoAssign"`

	SiteCookie string `json:"-"`
	SiteDomain string `json:"siteDomain"`

	FetchInterval int `json:"fetchInterval"` // seconds

	MaxUploadSpeed        int `json:"maxUploadSpeed"`   // per torrent, KiB/s
	MaxDownloadSpeed      int `json:"maxDownloadSpeed"` // per torrent, KiB/s
	DownloaderMaxUpload   int `json:"downloaderMaxUpload"`
	DownloaderMaxDownload int `json:"downloaderMaxDownload"`
	MaxDownloadTasks      int `json:"maxDownloadTasks"`

	OnlyFree        bool    `json:"onlyFree"`
	ExcludeHR       bool    `json:"excludeHr"`
	MinSize         float64 `json:"minSize"` // GiB
	MaxSize         float64 `json:"maxSize"` // GiB, 0 = unlimited
	MinSeeders      int     `json:"minSeeders"`
	MaxSeeders      int     `json:"maxSeeders"` // 0 = unlimited
	IncludeKeywords string  `json:"includeKeywords"`
	ExcludeKeywords string  `json:"excludeKeywords"`
	Categories      string  `json:"categories"`

	ClientCategory string `json:"clientCategory"`
	ClientTags     string `json:"clientTags"`
	ClientSavePath string `json:"clientSavePath"`

	LastFetch *time.Time `json:"lastFetch"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// KeywordList splits a comma separated keyword field, dropping empties.
func KeywordList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type RssFeedStore struct {
	db *sql.DB
}

func NewRssFeedStore(db *sql.DB) *RssFeedStore {
	return &RssFeedStore{db: db}
}

const rssFeedColumns = `id, name, url, enabled, first_run_done, downloader_id, auto_assign,
	site_cookie, site_domain, fetch_interval,
	max_upload_speed, max_download_speed, downloader_max_upload, downloader_max_download, max_download_tasks,
	only_free, exclude_hr, min_size, max_size, min_seeders, max_seeders,
	include_keywords, exclude_keywords, categories,
	client_category, client_tags, client_save_path,
	last_fetch, created_at, updated_at`

func scanRssFeed(row interface{ Scan(...any) error }) (*RssFeed, error) {
	f := &RssFeed{}
	var downloaderID sql.NullInt64
	var lastFetch sql.NullTime
	err := row.Scan(
		&f.ID, &f.Name, &f.URL, &f.Enabled, &f.FirstRunDone, &downloaderID, &f.AutoAssign,
		&f.SiteCookie, &f.SiteDomain, &f.FetchInterval,
		&f.MaxUploadSpeed, &f.MaxDownloadSpeed, &f.DownloaderMaxUpload, &f.DownloaderMaxDownload, &f.MaxDownloadTasks,
		&f.OnlyFree, &f.ExcludeHR, &f.MinSize, &f.MaxSize, &f.MinSeeders, &f.MaxSeeders,
		&f.IncludeKeywords, &f.ExcludeKeywords, &f.Categories,
		&f.ClientCategory, &f.ClientTags, &f.ClientSavePath,
		&lastFetch, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if downloaderID.Valid {
		id := int(downloaderID.Int64)
		f.DownloaderID = &id
	}
	if lastFetch.Valid {
		f.LastFetch = &lastFetch.Time
	}
	return f, nil
}

func (s *RssFeedStore) Create(ctx context.Context, f *RssFeed) (*RssFeed, error) {
	query := `
		INSERT INTO rss_feeds (name, url, enabled, first_run_done, downloader_id, auto_assign,
			site_cookie, site_domain, fetch_interval,
			max_upload_speed, max_download_speed, downloader_max_upload, downloader_max_download, max_download_tasks,
			only_free, exclude_hr, min_size, max_size, min_seeders, max_seeders,
			include_keywords, exclude_keywords, categories,
			client_category, client_tags, client_save_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + rssFeedColumns

	return scanRssFeed(s.db.QueryRowContext(ctx, query,
		f.Name, f.URL, f.Enabled, f.FirstRunDone, f.DownloaderID, f.AutoAssign,
		f.SiteCookie, f.SiteDomain, f.FetchInterval,
		f.MaxUploadSpeed, f.MaxDownloadSpeed, f.DownloaderMaxUpload, f.DownloaderMaxDownload, f.MaxDownloadTasks,
		f.OnlyFree, f.ExcludeHR, f.MinSize, f.MaxSize, f.MinSeeders, f.MaxSeeders,
		f.IncludeKeywords, f.ExcludeKeywords, f.Categories,
		f.ClientCategory, f.ClientTags, f.ClientSavePath,
	))
}

func (s *RssFeedStore) Get(ctx context.Context, id int) (*RssFeed, error) {
	f, err := scanRssFeed(s.db.QueryRowContext(ctx,
		`SELECT `+rssFeedColumns+` FROM rss_feeds WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRssFeedNotFound
	}
	return f, err
}

func (s *RssFeedStore) ListEnabled(ctx context.Context) ([]*RssFeed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rssFeedColumns+` FROM rss_feeds WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	feeds := make([]*RssFeed, 0)
	for rows.Next() {
		f, err := scanRssFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// MarkFetched records a completed fetch and, on the feed's first ever run,
// flips first_run_done so subsequent runs are allowed to download.
func (s *RssFeedStore) MarkFetched(ctx context.Context, id int, firstRunDone bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rss_feeds
		SET last_fetch = CURRENT_TIMESTAMP, first_run_done = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, firstRunDone, id)
	return err
}

type RssRecord struct {
	ID          int     `json:"id"`
	FeedID      int     `json:"feedId"`
	Title       string  `json:"title"`
	Link        string  `json:"link"`
	TorrentHash string  `json:"torrentHash"`
	Size        float64 `json:"size"` // bytes
	IsFree      bool    `json:"isFree"`
	IsHR        bool    `json:"isHr"`
	Seeders     int     `json:"seeders"`
	Leechers    int     `json:"leechers"`

	Downloaded   bool       `json:"downloaded"`
	DownloadTime *time.Time `json:"downloadTime"`
	DownloaderID *int       `json:"downloaderId"`
	SkipReason   string     `json:"skipReason"`

	CreatedAt time.Time `json:"createdAt"`
}

type RssRecordStore struct {
	db *sql.DB
}

func NewRssRecordStore(db *sql.DB) *RssRecordStore {
	return &RssRecordStore{db: db}
}

func (s *RssRecordStore) Insert(ctx context.Context, r *RssRecord) error {
	var downloadTime any
	if r.DownloadTime != nil {
		downloadTime = *r.DownloadTime
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO rss_records (feed_id, title, link, torrent_hash, size, is_free, is_hr,
			seeders, leechers, downloaded, download_time, downloader_id, skip_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		r.FeedID, r.Title, r.Link, r.TorrentHash, r.Size, r.IsFree, r.IsHR,
		r.Seeders, r.Leechers, r.Downloaded, downloadTime, r.DownloaderID, r.SkipReason,
	).Scan(&r.ID)
}

// existingLinksChunk bounds the IN (...) list per query.
const existingLinksChunk = 500

// ExistingLinks returns the subset of links already recorded for the feed.
// Links are checked in chunks so the statement never exceeds sqlite's
// parameter limit on large feeds.
func (s *RssRecordStore) ExistingLinks(ctx context.Context, feedID int, links []string) (map[string]struct{}, error) {
	known := make(map[string]struct{})

	for start := 0; start < len(links); start += existingLinksChunk {
		end := start + existingLinksChunk
		if end > len(links) {
			end = len(links)
		}
		chunk := links[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, feedID)
		for _, l := range chunk {
			args = append(args, l)
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT link FROM rss_records WHERE feed_id = ? AND link IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var link string
			if err := rows.Scan(&link); err != nil {
				rows.Close()
				return nil, err
			}
			known[link] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return known, nil
}

// DeleteOlderThan prunes aged records and returns how many were
// removed. Downloaded records are kept: they back the dedup index, and
// dropping one would re-download the torrent if the feed still lists it.
func (s *RssRecordStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rss_records WHERE created_at < ? AND downloaded = 0`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
