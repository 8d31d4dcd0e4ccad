// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/ptfleet/ptfleet/internal/models"
)

type qbClient struct {
	d      *models.Downloader
	client *qbt.Client
	now    func() time.Time
}

func newQBittorrent(d *models.Downloader) *qbClient {
	return &qbClient{
		d:   d,
		now: time.Now,
		client: qbt.NewClient(qbt.Config{
			Host:          BaseURL(d),
			Username:      d.Username,
			Password:      d.Password,
			TLSSkipVerify: true,
			Timeout:       30,
		}),
	}
}

func (c *qbClient) Connect(ctx context.Context) error {
	// Login gets a tighter deadline than regular requests so a dead
	// instance fails fast.
	loginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.client.LoginCtx(loginCtx); err != nil {
		return fmt.Errorf("qbittorrent login: %w", err)
	}

	log.Debug().Str("downloader", c.d.Name).Msg("connected to qBittorrent")
	return nil
}

func (c *qbClient) Disconnect(ctx context.Context) {}

func (c *qbClient) Torrents(ctx context.Context) ([]Torrent, error) {
	var raw []qbt.Torrent
	err := retryIdempotent(ctx, func() error {
		var err error
		raw, err = c.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	torrents := make([]Torrent, 0, len(raw))
	for _, t := range raw {
		torrents = append(torrents, c.convert(t))
	}
	return torrents, nil
}

func (c *qbClient) Torrent(ctx context.Context, hash string) (*Torrent, error) {
	raw, err := c.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{hash}})
	if err != nil {
		return nil, err
	}
	for _, t := range raw {
		if strings.EqualFold(t.Hash, hash) {
			out := c.convert(t)
			return &out, nil
		}
	}
	return nil, ErrTorrentNotFound
}

func (c *qbClient) convert(t qbt.Torrent) Torrent {
	out := Torrent{
		Hash:           strings.ToLower(t.Hash),
		Name:           t.Name,
		Size:           t.Size,
		Progress:       t.Progress,
		Status:         qbStatus(t.State),
		Uploaded:       t.Uploaded,
		Downloaded:     t.Downloaded,
		Ratio:          t.Ratio,
		UploadSpeed:    t.UpSpeed,
		DownloadSpeed:  t.DlSpeed,
		Seeders:        int(t.NumComplete),
		Leechers:       int(t.NumIncomplete),
		SeedsConnected: int(t.NumSeeds),
		PeersConnected: int(t.NumLeechs),
		Tracker:        t.Tracker,
		Category:       t.Category,
		SavePath:       t.SavePath,
		SeedingTime:    t.SeedingTime,
		TotalSize:      t.TotalSize,
		SelectedSize:   t.Size,
		Completed:      t.Completed,
		State:          string(t.State),
	}
	if t.Tags != "" {
		for _, tag := range strings.Split(t.Tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				out.Tags = append(out.Tags, tag)
			}
		}
	}
	if t.AddedOn > 0 {
		out.AddedTime = time.Unix(t.AddedOn, 0)
	}
	if t.CompletionOn > 0 {
		out.CompletedTime = time.Unix(t.CompletionOn, 0)
	}
	return out
}

func qbStatus(state qbt.TorrentState) string {
	switch state {
	case qbt.TorrentStateDownloading, qbt.TorrentStateStalledDl, qbt.TorrentStateMetaDl, qbt.TorrentStateForcedDl:
		return "downloading"
	case qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateForcedUp:
		return "seeding"
	case qbt.TorrentStatePausedDl, qbt.TorrentStatePausedUp:
		return "paused"
	case qbt.TorrentStateCheckingDl, qbt.TorrentStateCheckingUp, qbt.TorrentStateCheckingResumeData, qbt.TorrentStateAllocating, qbt.TorrentStateMoving:
		return "checking"
	case qbt.TorrentStateQueuedDl, qbt.TorrentStateQueuedUp:
		return "queued"
	default:
		return "error"
	}
}

func (c *qbClient) Add(ctx context.Context, data []byte, source string, opts AddOptions) (string, error) {
	options := map[string]string{}
	if opts.SavePath != "" {
		options["savepath"] = opts.SavePath
	}
	if opts.Category != "" {
		options["category"] = opts.Category
	}
	if len(opts.Tags) > 0 {
		options["tags"] = strings.Join(opts.Tags, ",")
	}
	if opts.Paused {
		options["paused"] = "true"
		options["stopped"] = "true"
	}
	if opts.UploadLimit > 0 {
		options["upLimit"] = strconv.FormatInt(opts.UploadLimit, 10)
	}
	if opts.DownloadLimit > 0 {
		options["dlLimit"] = strconv.FormatInt(opts.DownloadLimit, 10)
	}
	if opts.FirstLastPriority {
		options["firstLastPiecePrio"] = "true"
	}

	var hash string
	if data != nil {
		h, err := InfoHash(data)
		if err != nil {
			return "", err
		}
		hash = h
		if err := c.client.AddTorrentFromMemoryCtx(ctx, data, options); err != nil {
			return "", err
		}
	} else {
		hash = MagnetHash(source)
		if err := c.client.AddTorrentFromUrlCtx(ctx, source, options); err != nil {
			return "", err
		}
	}

	// The WebUI returns 200 before the torrent is registered; only a
	// listing hit proves the add took.
	if hash != "" {
		if err := confirmAdded(ctx, c.Torrent, hash, addConfirmAttempts, addConfirmDelay); err != nil {
			return hash, err
		}
	}
	return hash, nil
}

func (c *qbClient) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return c.client.DeleteTorrentsCtx(ctx, []string{hash}, deleteFiles)
}

func (c *qbClient) Pause(ctx context.Context, hash string) error {
	return c.client.PauseCtx(ctx, []string{hash})
}

func (c *qbClient) Resume(ctx context.Context, hash string) error {
	return c.client.ResumeCtx(ctx, []string{hash})
}

func (c *qbClient) Reannounce(ctx context.Context, hash string) error {
	return c.client.ReAnnounceTorrentsCtx(ctx, []string{hash})
}

func (c *qbClient) SetUploadLimit(ctx context.Context, hash string, limit int64) error {
	return retryIdempotent(ctx, func() error {
		return c.client.SetTorrentUploadLimitCtx(ctx, []string{hash}, limit)
	})
}

func (c *qbClient) SetDownloadLimit(ctx context.Context, hash string, limit int64) error {
	return retryIdempotent(ctx, func() error {
		return c.client.SetTorrentDownloadLimitCtx(ctx, []string{hash}, limit)
	})
}

func (c *qbClient) SetGlobalUploadLimit(ctx context.Context, limit int64) error {
	return retryIdempotent(ctx, func() error {
		return c.client.SetGlobalUploadLimitCtx(ctx, limit)
	})
}

func (c *qbClient) SetGlobalDownloadLimit(ctx context.Context, limit int64) error {
	return retryIdempotent(ctx, func() error {
		return c.client.SetGlobalDownloadLimitCtx(ctx, limit)
	})
}

func (c *qbClient) PauseAll(ctx context.Context) error {
	return c.client.PauseCtx(ctx, []string{"all"})
}

func (c *qbClient) ResumeAll(ctx context.Context) error {
	return c.client.ResumeCtx(ctx, []string{"all"})
}

func (c *qbClient) Stats(ctx context.Context) (*Stats, error) {
	info, err := c.client.GetTransferInfoCtx(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		UploadSpeed:     info.UpInfoSpeed,
		DownloadSpeed:   info.DlInfoSpeed,
		TotalUploaded:   info.UpInfoData,
		TotalDownloaded: info.DlInfoData,
	}

	if free, err := c.client.GetFreeSpaceOnDiskCtx(ctx); err == nil {
		stats.FreeSpace = free
	}

	torrents, err := c.Torrents(ctx)
	if err != nil {
		return stats, nil
	}
	stats.TotalTorrents = len(torrents)
	for _, t := range torrents {
		switch t.Status {
		case "downloading":
			stats.DownloadingTorrents++
			stats.ActiveTorrents++
		case "seeding":
			stats.SeedingTorrents++
			stats.ActiveTorrents++
		}
	}
	return stats, nil
}

func (c *qbClient) FreeSpace(ctx context.Context, path string) (int64, error) {
	return c.client.GetFreeSpaceOnDiskCtx(ctx)
}

// AnnounceInfo reads the reannounce countdown from torrent properties and
// converts it to an absolute timestamp. A zero countdown means the torrent
// announced moments ago. qBittorrent does not expose the tracker cycle
// interval (min_announce is the forced-reannounce floor, not the cycle),
// so interval stays 0 and the caller estimates it from torrent age.
func (c *qbClient) AnnounceInfo(ctx context.Context, hash string) (float64, int64, error) {
	props, err := c.client.GetTorrentPropertiesCtx(ctx, hash)
	if err != nil {
		return 0, 0, err
	}
	if props.Reannounce <= 0 {
		return 0, 0, nil
	}
	return float64(c.now().Unix()) + float64(props.Reannounce), 0, nil
}
