// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloader defines the torrent client adapter interface and its
// qBittorrent, Transmission and Deluge implementations. All adapters
// normalize client data into the shared Torrent/Stats shapes so services
// never see client-specific types.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ptfleet/ptfleet/internal/models"
)

var (
	ErrNotConnected    = errors.New("downloader not connected")
	ErrTorrentNotFound = errors.New("torrent not found")
	ErrUnsupportedType = errors.New("unsupported downloader type")
)

// Torrent is the client-neutral view of one torrent.
type Torrent struct {
	Hash          string
	Name          string
	Size          int64 // bytes, selected size
	Progress      float64
	Status        string // downloading, seeding, paused, checking, queued, error
	Uploaded      int64
	Downloaded    int64
	Ratio         float64
	UploadSpeed   int64 // bytes/s
	DownloadSpeed int64 // bytes/s

	Seeders        int
	Leechers       int
	SeedsConnected int
	PeersConnected int

	Tracker       string
	TrackerStatus string
	Tags          []string
	Category      string
	SavePath      string

	AddedTime   time.Time // zero when unknown
	SeedingTime int64     // seconds

	// NextAnnounceTime is a raw client value: either a unix timestamp or
	// seconds remaining, depending on the client. NormalizeNextAnnounce
	// resolves the ambiguity. Zero means the client did not report one.
	NextAnnounceTime float64
	// AnnounceInterval in seconds, 0 when the client did not report one.
	AnnounceInterval int64

	TotalSize     int64
	SelectedSize  int64
	Completed     int64
	CompletedTime time.Time
	State         string // raw client state string
}

// Stats is a snapshot of client-wide transfer state.
type Stats struct {
	UploadSpeed         int64 // bytes/s
	DownloadSpeed       int64 // bytes/s
	TotalUploaded       int64
	TotalDownloaded     int64
	FreeSpace           int64
	TotalTorrents       int
	ActiveTorrents      int
	DownloadingTorrents int
	SeedingTorrents     int
}

// AddOptions carries per-torrent settings applied on add.
type AddOptions struct {
	SavePath          string
	Category          string
	Tags              []string
	Paused            bool
	UploadLimit       int64 // bytes/s, 0 = none
	DownloadLimit     int64 // bytes/s, 0 = none
	FirstLastPriority bool
}

// Client is the adapter interface every supported torrent client
// implements. Limits are bytes/s throughout; adapters convert to
// whatever unit the client wire protocol expects.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)

	Torrents(ctx context.Context) ([]Torrent, error)
	Torrent(ctx context.Context, hash string) (*Torrent, error)

	// Add adds a torrent from raw metainfo bytes (data) or a magnet/URL
	// source when data is nil, and returns its infohash. For metainfo
	// payloads the hash is computed locally and the torrent's presence
	// is confirmed afterwards, since most clients acknowledge an add
	// before exposing the torrent. Empty when the source is a plain URL
	// whose hash cannot be known up front.
	Add(ctx context.Context, data []byte, source string, opts AddOptions) (string, error)
	Remove(ctx context.Context, hash string, deleteFiles bool) error
	Pause(ctx context.Context, hash string) error
	Resume(ctx context.Context, hash string) error
	Reannounce(ctx context.Context, hash string) error

	SetUploadLimit(ctx context.Context, hash string, limit int64) error
	SetDownloadLimit(ctx context.Context, hash string, limit int64) error
	SetGlobalUploadLimit(ctx context.Context, limit int64) error
	SetGlobalDownloadLimit(ctx context.Context, limit int64) error

	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error

	Stats(ctx context.Context) (*Stats, error)
	FreeSpace(ctx context.Context, path string) (int64, error)

	// AnnounceInfo returns the freshest next-announce value and announce
	// interval for the torrent, both zero when unavailable.
	AnnounceInfo(ctx context.Context, hash string) (nextAnnounce float64, interval int64, err error)
}

// New builds the adapter matching the downloader's configured type. The
// returned client is not yet connected.
func New(d *models.Downloader) (Client, error) {
	switch d.Type {
	case models.DownloaderQBittorrent:
		return newQBittorrent(d), nil
	case models.DownloaderTransmission:
		return newTransmission(d), nil
	case models.DownloaderDeluge:
		return newDeluge(d), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, d.Type)
	}
}

// SessionFunc acquires a connected client, runs fn, and always
// disconnects afterwards. Services take a SessionFunc so tests can hand
// them fakes.
type SessionFunc func(ctx context.Context, d *models.Downloader, fn func(Client) error) error

// WithSession is the production SessionFunc.
func WithSession(ctx context.Context, d *models.Downloader, fn func(Client) error) error {
	client, err := New(d)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", d.Name, err)
	}
	defer client.Disconnect(ctx)
	return fn(client)
}

// Add acknowledgements race against torrent visibility.
const (
	addConfirmAttempts = 10
	addConfirmDelay    = 500 * time.Millisecond
)

// confirmAdded polls lookup until the torrent shows up. Clients accept
// an add request and register the torrent asynchronously; a nil error
// from the add call alone does not prove the torrent landed.
func confirmAdded(ctx context.Context, lookup func(context.Context, string) (*Torrent, error), hash string, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if _, err := lookup(ctx, hash); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("torrent %s not visible after add: %w", hash, lastErr)
}

// BaseURL builds the client endpoint from the stored settings.
func BaseURL(d *models.Downloader) string {
	scheme := "http"
	if d.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, d.Host, d.Port)
}

// TrackerDomain extracts the host part of a tracker URL, without port.
func TrackerDomain(trackerURL string) string {
	if trackerURL == "" {
		return ""
	}
	u, err := url.Parse(trackerURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host, "]") {
		host = host[:i]
	}
	return strings.ToLower(host)
}
