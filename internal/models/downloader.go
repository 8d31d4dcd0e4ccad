// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrDownloaderNotFound = errors.New("downloader not found")

const (
	DownloaderQBittorrent  = "qbittorrent"
	DownloaderTransmission = "transmission"
	DownloaderDeluge       = "deluge"
)

type Downloader struct {
	ID                 int       `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Host               string    `json:"host"`
	Port               int       `json:"port"`
	Username           string    `json:"username"`
	Password           string    `json:"-"`
	UseSSL             bool      `json:"useSsl"`
	DownloadDir        string    `json:"downloadDir"`
	Enabled            bool      `json:"enabled"`
	AutoReport         bool      `json:"autoReport"`
	DownloadFirstLast  bool      `json:"downloadFirstLast"`
	AutoDelete         bool      `json:"autoDelete"`
	AutoSpeedLimit     bool      `json:"autoSpeedLimit"`
	MaxUploadSpeed     int       `json:"maxUploadSpeed"`   // KiB/s, 0 = unlimited
	MaxDownloadSpeed   int       `json:"maxDownloadSpeed"` // KiB/s, 0 = unlimited
	MaxActiveDownloads int       `json:"maxActiveDownloads"`
	DiskSpaceWarning   int       `json:"diskSpaceWarning"` // GiB
	MaxConnections     int       `json:"maxConnections"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type DownloaderStore struct {
	db *sql.DB
}

func NewDownloaderStore(db *sql.DB) *DownloaderStore {
	return &DownloaderStore{db: db}
}

const downloaderColumns = `id, name, type, host, port, username, password, use_ssl, download_dir,
	enabled, auto_report, download_first_last, auto_delete, auto_speed_limit,
	max_upload_speed, max_download_speed, max_active_downloads, disk_space_warning, max_connections,
	created_at, updated_at`

func scanDownloader(row interface{ Scan(...any) error }) (*Downloader, error) {
	d := &Downloader{}
	err := row.Scan(
		&d.ID, &d.Name, &d.Type, &d.Host, &d.Port, &d.Username, &d.Password, &d.UseSSL, &d.DownloadDir,
		&d.Enabled, &d.AutoReport, &d.DownloadFirstLast, &d.AutoDelete, &d.AutoSpeedLimit,
		&d.MaxUploadSpeed, &d.MaxDownloadSpeed, &d.MaxActiveDownloads, &d.DiskSpaceWarning, &d.MaxConnections,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *DownloaderStore) Create(ctx context.Context, d *Downloader) (*Downloader, error) {
	query := `
		INSERT INTO downloaders (name, type, host, port, username, password, use_ssl, download_dir,
			enabled, auto_report, download_first_last, auto_delete, auto_speed_limit,
			max_upload_speed, max_download_speed, max_active_downloads, disk_space_warning, max_connections)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + downloaderColumns

	return scanDownloader(s.db.QueryRowContext(ctx, query,
		d.Name, d.Type, d.Host, d.Port, d.Username, d.Password, d.UseSSL, d.DownloadDir,
		d.Enabled, d.AutoReport, d.DownloadFirstLast, d.AutoDelete, d.AutoSpeedLimit,
		d.MaxUploadSpeed, d.MaxDownloadSpeed, d.MaxActiveDownloads, d.DiskSpaceWarning, d.MaxConnections,
	))
}

func (s *DownloaderStore) Get(ctx context.Context, id int) (*Downloader, error) {
	d, err := scanDownloader(s.db.QueryRowContext(ctx,
		`SELECT `+downloaderColumns+` FROM downloaders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDownloaderNotFound
	}
	return d, err
}

func (s *DownloaderStore) List(ctx context.Context) ([]*Downloader, error) {
	return s.list(ctx, `SELECT `+downloaderColumns+` FROM downloaders ORDER BY id`)
}

// ListEnabled returns downloaders that should take part in background
// service runs.
func (s *DownloaderStore) ListEnabled(ctx context.Context) ([]*Downloader, error) {
	return s.list(ctx, `SELECT `+downloaderColumns+` FROM downloaders WHERE enabled = 1 ORDER BY id`)
}

func (s *DownloaderStore) list(ctx context.Context, query string, args ...any) ([]*Downloader, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	downloaders := make([]*Downloader, 0)
	for rows.Next() {
		d, err := scanDownloader(rows)
		if err != nil {
			return nil, err
		}
		downloaders = append(downloaders, d)
	}
	return downloaders, rows.Err()
}

func (s *DownloaderStore) Update(ctx context.Context, d *Downloader) (*Downloader, error) {
	query := `
		UPDATE downloaders
		SET name = ?, type = ?, host = ?, port = ?, username = ?, password = ?, use_ssl = ?, download_dir = ?,
			enabled = ?, auto_report = ?, download_first_last = ?, auto_delete = ?, auto_speed_limit = ?,
			max_upload_speed = ?, max_download_speed = ?, max_active_downloads = ?, disk_space_warning = ?, max_connections = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING ` + downloaderColumns

	out, err := scanDownloader(s.db.QueryRowContext(ctx, query,
		d.Name, d.Type, d.Host, d.Port, d.Username, d.Password, d.UseSSL, d.DownloadDir,
		d.Enabled, d.AutoReport, d.DownloadFirstLast, d.AutoDelete, d.AutoSpeedLimit,
		d.MaxUploadSpeed, d.MaxDownloadSpeed, d.MaxActiveDownloads, d.DiskSpaceWarning, d.MaxConnections,
		d.ID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDownloaderNotFound
	}
	return out, err
}

func (s *DownloaderStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM downloaders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDownloaderNotFound
	}
	return nil
}
