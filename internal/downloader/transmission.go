// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hekmon/transmissionrpc/v3"
	"github.com/rs/zerolog/log"

	"github.com/ptfleet/ptfleet/internal/models"
)

// torrentGetFields is the field set requested on every torrent listing.
var torrentGetFields = []string{
	"id", "hashString", "name", "sizeWhenDone", "totalSize", "leftUntilDone",
	"percentDone", "status", "uploadedEver", "downloadedEver", "uploadRatio",
	"rateUpload", "rateDownload", "peersConnected", "peersSendingToUs",
	"peersGettingFromUs", "addedDate", "doneDate", "secondsSeeding",
	"downloadDir", "labels", "trackerStats",
}

type transmissionClient struct {
	d   *models.Downloader
	rpc *transmissionrpc.Client

	mu  sync.Mutex
	ids map[string]int64 // lowercase infohash -> transmission id
}

func newTransmission(d *models.Downloader) *transmissionClient {
	return &transmissionClient{d: d, ids: make(map[string]int64)}
}

func (c *transmissionClient) Connect(ctx context.Context) error {
	endpoint, err := url.Parse(BaseURL(c.d) + "/transmission/rpc")
	if err != nil {
		return err
	}
	if c.d.Username != "" {
		endpoint.User = url.UserPassword(c.d.Username, c.d.Password)
	}

	// The library handles the 409 CSRF session id handshake internally.
	rpc, err := transmissionrpc.New(endpoint, nil)
	if err != nil {
		return fmt.Errorf("transmission client: %w", err)
	}
	c.rpc = rpc

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.rpc.SessionStats(checkCtx); err != nil {
		return fmt.Errorf("transmission session: %w", err)
	}

	log.Debug().Str("downloader", c.d.Name).Msg("connected to Transmission")
	return nil
}

func (c *transmissionClient) Disconnect(ctx context.Context) {}

func (c *transmissionClient) fetch(ctx context.Context, ids []int64) ([]transmissionrpc.Torrent, error) {
	var raw []transmissionrpc.Torrent
	err := retryIdempotent(ctx, func() error {
		var err error
		raw, err = c.rpc.TorrentGet(ctx, torrentGetFields, ids)
		return err
	})
	return raw, err
}

func (c *transmissionClient) Torrents(ctx context.Context) ([]Torrent, error) {
	raw, err := c.fetch(ctx, nil)
	if err != nil {
		return nil, err
	}

	torrents := make([]Torrent, 0, len(raw))
	for _, t := range raw {
		torrents = append(torrents, c.convert(t))
	}
	return torrents, nil
}

func (c *transmissionClient) Torrent(ctx context.Context, hash string) (*Torrent, error) {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return nil, err
	}
	raw, err := c.fetch(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrTorrentNotFound
	}
	out := c.convert(raw[0])
	return &out, nil
}

// resolveID maps an infohash to transmission's numeric torrent id,
// refreshing the cached mapping on miss.
func (c *transmissionClient) resolveID(ctx context.Context, hash string) (int64, error) {
	hash = strings.ToLower(hash)

	c.mu.Lock()
	id, ok := c.ids[hash]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	raw, err := c.rpc.TorrentGet(ctx, []string{"id", "hashString"}, nil)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range raw {
		if t.ID == nil || t.HashString == nil {
			continue
		}
		c.ids[strings.ToLower(*t.HashString)] = *t.ID
	}
	if id, ok := c.ids[hash]; ok {
		return id, nil
	}
	return 0, ErrTorrentNotFound
}

func (c *transmissionClient) convert(t transmissionrpc.Torrent) Torrent {
	out := Torrent{}

	if t.ID != nil && t.HashString != nil {
		c.mu.Lock()
		c.ids[strings.ToLower(*t.HashString)] = *t.ID
		c.mu.Unlock()
	}
	if t.HashString != nil {
		out.Hash = strings.ToLower(*t.HashString)
	}
	if t.Name != nil {
		out.Name = *t.Name
	}
	if t.SizeWhenDone != nil {
		out.Size = int64(t.SizeWhenDone.Byte())
		out.SelectedSize = out.Size
	}
	if t.TotalSize != nil {
		out.TotalSize = int64(t.TotalSize.Byte())
	}
	if t.PercentDone != nil {
		out.Progress = *t.PercentDone
	}
	if t.LeftUntilDone != nil {
		out.Completed = out.Size - *t.LeftUntilDone
	}
	if t.UploadedEver != nil {
		out.Uploaded = *t.UploadedEver
	}
	if t.DownloadedEver != nil {
		out.Downloaded = *t.DownloadedEver
	}
	if t.UploadRatio != nil {
		out.Ratio = *t.UploadRatio
	}
	if t.RateUpload != nil {
		out.UploadSpeed = *t.RateUpload
	}
	if t.RateDownload != nil {
		out.DownloadSpeed = *t.RateDownload
	}
	if t.PeersConnected != nil {
		out.PeersConnected = int(*t.PeersConnected)
	}
	if t.PeersSendingToUs != nil {
		out.SeedsConnected = int(*t.PeersSendingToUs)
	}
	if t.AddedDate != nil {
		out.AddedTime = *t.AddedDate
	}
	if t.DoneDate != nil && !t.DoneDate.IsZero() {
		out.CompletedTime = *t.DoneDate
	}
	if t.TimeSeeding != nil {
		out.SeedingTime = int64(t.TimeSeeding.Seconds())
	}
	if t.DownloadDir != nil {
		out.SavePath = *t.DownloadDir
	}
	out.Tags = append(out.Tags, t.Labels...)
	if t.Status != nil {
		out.Status = transmissionStatus(*t.Status)
		out.State = out.Status
	}

	// Tracker stats carry seeder counts and the next scheduled announce.
	for _, ts := range t.TrackerStats {
		if out.Tracker == "" {
			out.Tracker = ts.Announce
		}
		if ts.SeederCount > int64(out.Seeders) {
			out.Seeders = int(ts.SeederCount)
		}
		if ts.LeecherCount > int64(out.Leechers) {
			out.Leechers = int(ts.LeecherCount)
		}
		if !ts.NextAnnounceTime.IsZero() {
			next := float64(ts.NextAnnounceTime.Unix())
			if out.NextAnnounceTime == 0 || next < out.NextAnnounceTime {
				out.NextAnnounceTime = next
			}
		}
		if out.TrackerStatus == "" {
			out.TrackerStatus = ts.LastAnnounceResult
		}
	}

	return out
}

func transmissionStatus(s transmissionrpc.TorrentStatus) string {
	switch s {
	case transmissionrpc.TorrentStatusStopped:
		return "paused"
	case transmissionrpc.TorrentStatusCheckWait, transmissionrpc.TorrentStatusCheck:
		return "checking"
	case transmissionrpc.TorrentStatusDownloadWait, transmissionrpc.TorrentStatusSeedWait:
		return "queued"
	case transmissionrpc.TorrentStatusDownload:
		return "downloading"
	case transmissionrpc.TorrentStatusSeed:
		return "seeding"
	default:
		return "error"
	}
}

func (c *transmissionClient) Add(ctx context.Context, data []byte, source string, opts AddOptions) (string, error) {
	payload := transmissionrpc.TorrentAddPayload{}
	var hash string
	if data != nil {
		h, err := InfoHash(data)
		if err != nil {
			return "", err
		}
		hash = h
		encoded := base64.StdEncoding.EncodeToString(data)
		payload.MetaInfo = &encoded
	} else {
		hash = MagnetHash(source)
		payload.Filename = &source
	}
	if opts.SavePath != "" {
		payload.DownloadDir = &opts.SavePath
	}
	if opts.Paused {
		paused := true
		payload.Paused = &paused
	}

	added, err := c.rpc.TorrentAdd(ctx, payload)
	if err != nil {
		return "", err
	}

	// TorrentAdd answers with the registered torrent, which both
	// confirms the add and settles the hash.
	if added.HashString != nil {
		hash = strings.ToLower(*added.HashString)
		if added.ID != nil {
			c.mu.Lock()
			c.ids[hash] = *added.ID
			c.mu.Unlock()
		}
	} else if hash != "" {
		if err := confirmAdded(ctx, c.Torrent, hash, addConfirmAttempts, addConfirmDelay); err != nil {
			return hash, err
		}
	}

	if added.ID != nil && (opts.UploadLimit > 0 || opts.DownloadLimit > 0 || len(opts.Tags) > 0) {
		set := transmissionrpc.TorrentSetPayload{IDs: []int64{*added.ID}}
		if opts.UploadLimit > 0 {
			limited := true
			kbps := opts.UploadLimit / 1024
			set.UploadLimit = &kbps
			set.UploadLimited = &limited
		}
		if opts.DownloadLimit > 0 {
			limited := true
			kbps := opts.DownloadLimit / 1024
			set.DownloadLimit = &kbps
			set.DownloadLimited = &limited
		}
		if len(opts.Tags) > 0 {
			set.Labels = opts.Tags
		}
		if err := c.rpc.TorrentSet(ctx, set); err != nil {
			log.Warn().Err(err).Str("downloader", c.d.Name).Msg("failed to apply add options")
		}
	}

	return hash, nil
}

func (c *transmissionClient) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}
	return c.rpc.TorrentRemove(ctx, transmissionrpc.TorrentRemovePayload{
		IDs:             []int64{id},
		DeleteLocalData: deleteFiles,
	})
}

func (c *transmissionClient) Pause(ctx context.Context, hash string) error {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}
	return c.rpc.TorrentStopIDs(ctx, []int64{id})
}

func (c *transmissionClient) Resume(ctx context.Context, hash string) error {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}
	return c.rpc.TorrentStartIDs(ctx, []int64{id})
}

func (c *transmissionClient) Reannounce(ctx context.Context, hash string) error {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}
	return c.rpc.TorrentReannounceIDs(ctx, []int64{id})
}

func (c *transmissionClient) setLimit(ctx context.Context, hash string, limit int64, upload bool) error {
	id, err := c.resolveID(ctx, hash)
	if err != nil {
		return err
	}

	limited := limit > 0
	kbps := limit / 1024
	set := transmissionrpc.TorrentSetPayload{IDs: []int64{id}}
	if upload {
		set.UploadLimit = &kbps
		set.UploadLimited = &limited
	} else {
		set.DownloadLimit = &kbps
		set.DownloadLimited = &limited
	}
	return retryIdempotent(ctx, func() error {
		return c.rpc.TorrentSet(ctx, set)
	})
}

func (c *transmissionClient) SetUploadLimit(ctx context.Context, hash string, limit int64) error {
	return c.setLimit(ctx, hash, limit, true)
}

func (c *transmissionClient) SetDownloadLimit(ctx context.Context, hash string, limit int64) error {
	return c.setLimit(ctx, hash, limit, false)
}

func (c *transmissionClient) SetGlobalUploadLimit(ctx context.Context, limit int64) error {
	limited := limit > 0
	kbps := limit / 1024
	args := transmissionrpc.SessionArguments{
		SpeedLimitUp:        &kbps,
		SpeedLimitUpEnabled: &limited,
	}
	return retryIdempotent(ctx, func() error {
		return c.rpc.SessionArgumentsSet(ctx, args)
	})
}

func (c *transmissionClient) SetGlobalDownloadLimit(ctx context.Context, limit int64) error {
	limited := limit > 0
	kbps := limit / 1024
	args := transmissionrpc.SessionArguments{
		SpeedLimitDown:        &kbps,
		SpeedLimitDownEnabled: &limited,
	}
	return retryIdempotent(ctx, func() error {
		return c.rpc.SessionArgumentsSet(ctx, args)
	})
}

func (c *transmissionClient) PauseAll(ctx context.Context) error {
	return c.rpc.TorrentStopIDs(ctx, nil)
}

func (c *transmissionClient) ResumeAll(ctx context.Context) error {
	return c.rpc.TorrentStartIDs(ctx, nil)
}

func (c *transmissionClient) Stats(ctx context.Context) (*Stats, error) {
	stats, err := c.rpc.SessionStats(ctx)
	if err != nil {
		return nil, err
	}

	out := &Stats{
		UploadSpeed:    stats.UploadSpeed,
		DownloadSpeed:  stats.DownloadSpeed,
		TotalTorrents:  int(stats.TorrentCount),
		ActiveTorrents: int(stats.ActiveTorrentCount),
	}
	out.TotalUploaded = stats.CumulativeStats.UploadedBytes
	out.TotalDownloaded = stats.CumulativeStats.DownloadedBytes

	if c.d.DownloadDir != "" {
		if free, err := c.FreeSpace(ctx, c.d.DownloadDir); err == nil {
			out.FreeSpace = free
		}
	}

	torrents, err := c.Torrents(ctx)
	if err == nil {
		for _, t := range torrents {
			switch t.Status {
			case "downloading":
				out.DownloadingTorrents++
			case "seeding":
				out.SeedingTorrents++
			}
		}
	}
	return out, nil
}

func (c *transmissionClient) FreeSpace(ctx context.Context, path string) (int64, error) {
	if path == "" {
		path = c.d.DownloadDir
	}
	free, _, err := c.rpc.FreeSpace(ctx, path)
	if err != nil {
		return 0, err
	}
	return int64(free.Byte()), nil
}

// AnnounceInfo uses trackerStats: transmission reports the next announce
// as an absolute timestamp. The announce interval is not exposed, so it
// stays 0 and the caller estimates from torrent age.
func (c *transmissionClient) AnnounceInfo(ctx context.Context, hash string) (float64, int64, error) {
	t, err := c.Torrent(ctx, hash)
	if err != nil {
		return 0, 0, err
	}
	return t.NextAnnounceTime, t.AnnounceInterval, nil
}
