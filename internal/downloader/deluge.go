// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ptfleet/ptfleet/internal/models"
)

// delugeTorrentFields is requested from core.get_torrents_status.
var delugeTorrentFields = []string{
	"name", "state", "total_size", "progress", "total_uploaded", "total_done",
	"ratio", "upload_payload_rate", "download_payload_rate",
	"total_seeds", "total_peers", "num_seeds", "num_peers",
	"tracker_host", "tracker", "label", "save_path", "time_added",
	"seeding_time", "trackers",
}

// delugeClient speaks the Deluge WebUI JSON-RPC protocol. No maintained
// Go client exists for the WebUI surface (go-libdeluge targets the
// daemon's rencode protocol), so the six methods needed are called by
// hand.
type delugeClient struct {
	d      *models.Downloader
	http   *http.Client
	nextID atomic.Int64
}

func newDeluge(d *models.Downloader) *delugeClient {
	jar, _ := cookiejar.New(nil)
	return &delugeClient{
		d: d,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

type delugeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
	ID int64 `json:"id"`
}

func (c *delugeClient) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(map[string]any{
		"id":     c.nextID.Add(1),
		"method": method,
		"params": params,
	})
	if err != nil {
		return err
	}

	var result json.RawMessage
	err = retryIdempotent(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, BaseURL(c.d)+"/json", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("deluge %s: status %d", method, resp.StatusCode)
		}

		var decoded delugeResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return err
		}
		if decoded.Error != nil {
			return fmt.Errorf("deluge %s: %s", method, decoded.Error.Message)
		}
		result = decoded.Result
		return nil
	})
	if err != nil {
		return err
	}

	if out != nil && len(result) > 0 {
		return json.Unmarshal(result, out)
	}
	return nil
}

func (c *delugeClient) Connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var ok bool
	if err := c.call(connectCtx, "auth.login", []any{c.d.Password}, &ok); err != nil {
		return fmt.Errorf("deluge login: %w", err)
	}
	if !ok {
		return fmt.Errorf("deluge login rejected")
	}

	var connected bool
	if err := c.call(connectCtx, "web.connected", nil, &connected); err != nil {
		return err
	}
	if !connected {
		var hosts [][]any
		if err := c.call(connectCtx, "web.get_hosts", nil, &hosts); err != nil {
			return err
		}
		if len(hosts) == 0 || len(hosts[0]) == 0 {
			return fmt.Errorf("deluge: no daemon hosts available")
		}
		if err := c.call(connectCtx, "web.connect", []any{hosts[0][0]}, nil); err != nil {
			return err
		}
	}

	log.Debug().Str("downloader", c.d.Name).Msg("connected to Deluge")
	return nil
}

func (c *delugeClient) Disconnect(ctx context.Context) {
	_ = c.call(ctx, "auth.delete_session", nil, nil)
}

type delugeTorrent struct {
	Name              string  `json:"name"`
	State             string  `json:"state"`
	TotalSize         int64   `json:"total_size"`
	Progress          float64 `json:"progress"` // 0-100
	TotalUploaded     int64   `json:"total_uploaded"`
	TotalDone         int64   `json:"total_done"`
	Ratio             float64 `json:"ratio"`
	UploadPayloadRate int64   `json:"upload_payload_rate"`
	DownloadPayload   int64   `json:"download_payload_rate"`
	TotalSeeds        int     `json:"total_seeds"`
	TotalPeers        int     `json:"total_peers"`
	NumSeeds          int     `json:"num_seeds"`
	NumPeers          int     `json:"num_peers"`
	TrackerHost       string  `json:"tracker_host"`
	Tracker           string  `json:"tracker"`
	Label             string  `json:"label"`
	SavePath          string  `json:"save_path"`
	TimeAdded         float64 `json:"time_added"`
	SeedingTime       int64   `json:"seeding_time"`
	Trackers          []struct {
		URL              string  `json:"url"`
		Message          string  `json:"message"`
		NextAnnounce     float64 `json:"next_announce"`
		AnnounceInterval int64   `json:"announce_interval"`
	} `json:"trackers"`
}

func delugeStatus(state string) string {
	switch strings.ToLower(state) {
	case "downloading":
		return "downloading"
	case "seeding":
		return "seeding"
	case "paused":
		return "paused"
	case "checking", "moving", "allocating":
		return "checking"
	case "queued":
		return "queued"
	default:
		return "error"
	}
}

func (c *delugeClient) convert(hash string, t delugeTorrent) Torrent {
	out := Torrent{
		Hash:           strings.ToLower(hash),
		Name:           t.Name,
		Size:           t.TotalSize,
		Progress:       t.Progress / 100,
		Status:         delugeStatus(t.State),
		Uploaded:       t.TotalUploaded,
		Downloaded:     t.TotalDone,
		Ratio:          t.Ratio,
		UploadSpeed:    t.UploadPayloadRate,
		DownloadSpeed:  t.DownloadPayload,
		Seeders:        t.TotalSeeds,
		Leechers:       t.TotalPeers,
		SeedsConnected: t.NumSeeds,
		PeersConnected: t.NumPeers,
		Tracker:        t.TrackerHost,
		Category:       t.Label,
		SavePath:       t.SavePath,
		SeedingTime:    t.SeedingTime,
		TotalSize:      t.TotalSize,
		SelectedSize:   t.TotalSize,
		Completed:      t.TotalDone,
		State:          t.State,
	}
	if out.Tracker == "" {
		out.Tracker = t.Tracker
	}
	if t.Label != "" {
		out.Tags = []string{t.Label}
	}
	if t.TimeAdded > 0 {
		out.AddedTime = time.Unix(int64(t.TimeAdded), 0)
	}

	for _, tr := range t.Trackers {
		if tr.NextAnnounce > 0 && (out.NextAnnounceTime == 0 || tr.NextAnnounce < out.NextAnnounceTime) {
			out.NextAnnounceTime = tr.NextAnnounce
		}
		if tr.AnnounceInterval > 0 && (out.AnnounceInterval == 0 || tr.AnnounceInterval < out.AnnounceInterval) {
			out.AnnounceInterval = tr.AnnounceInterval
		}
		if out.TrackerStatus == "" {
			out.TrackerStatus = tr.Message
		}
	}
	return out
}

func (c *delugeClient) Torrents(ctx context.Context) ([]Torrent, error) {
	var raw map[string]delugeTorrent
	if err := c.call(ctx, "core.get_torrents_status", []any{map[string]any{}, delugeTorrentFields}, &raw); err != nil {
		return nil, err
	}

	torrents := make([]Torrent, 0, len(raw))
	for hash, t := range raw {
		torrents = append(torrents, c.convert(hash, t))
	}
	return torrents, nil
}

func (c *delugeClient) Torrent(ctx context.Context, hash string) (*Torrent, error) {
	var raw delugeTorrent
	if err := c.call(ctx, "core.get_torrent_status", []any{hash, delugeTorrentFields}, &raw); err != nil {
		return nil, err
	}
	if raw.Name == "" {
		return nil, ErrTorrentNotFound
	}
	out := c.convert(hash, raw)
	return &out, nil
}

func (c *delugeClient) Add(ctx context.Context, data []byte, source string, opts AddOptions) (string, error) {
	options := map[string]any{}
	if opts.SavePath != "" {
		options["download_location"] = opts.SavePath
	}
	if opts.Paused {
		options["add_paused"] = true
	}
	if opts.UploadLimit > 0 {
		options["max_upload_speed"] = opts.UploadLimit / 1024
	}
	if opts.DownloadLimit > 0 {
		options["max_download_speed"] = opts.DownloadLimit / 1024
	}

	// The add calls answer with the registered torrent id, so a
	// non-empty result doubles as the presence confirmation.
	var hash, result string
	switch {
	case data != nil:
		h, err := InfoHash(data)
		if err != nil {
			return "", err
		}
		hash = h
		encoded := base64.StdEncoding.EncodeToString(data)
		if err := c.call(ctx, "core.add_torrent_file", []any{"ptfleet.torrent", encoded, options}, &result); err != nil {
			return "", err
		}
	case strings.HasPrefix(source, "magnet:"):
		hash = MagnetHash(source)
		if err := c.call(ctx, "core.add_torrent_magnet", []any{source, options}, &result); err != nil {
			return "", err
		}
	default:
		if err := c.call(ctx, "core.add_torrent_url", []any{source, options}, nil); err != nil {
			return "", err
		}
	}

	if result != "" {
		return strings.ToLower(result), nil
	}
	if hash != "" {
		if err := confirmAdded(ctx, c.Torrent, hash, addConfirmAttempts, addConfirmDelay); err != nil {
			return hash, err
		}
	}
	return hash, nil
}

func (c *delugeClient) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return c.call(ctx, "core.remove_torrent", []any{hash, deleteFiles}, nil)
}

func (c *delugeClient) Pause(ctx context.Context, hash string) error {
	return c.call(ctx, "core.pause_torrent", []any{[]string{hash}}, nil)
}

func (c *delugeClient) Resume(ctx context.Context, hash string) error {
	return c.call(ctx, "core.resume_torrent", []any{[]string{hash}}, nil)
}

func (c *delugeClient) Reannounce(ctx context.Context, hash string) error {
	return c.call(ctx, "core.force_reannounce", []any{[]string{hash}}, nil)
}

func (c *delugeClient) SetUploadLimit(ctx context.Context, hash string, limit int64) error {
	kib := limit / 1024
	if limit <= 0 {
		kib = -1
	}
	return c.call(ctx, "core.set_torrent_options",
		[]any{[]string{hash}, map[string]any{"max_upload_speed": kib}}, nil)
}

func (c *delugeClient) SetDownloadLimit(ctx context.Context, hash string, limit int64) error {
	kib := limit / 1024
	if limit <= 0 {
		kib = -1
	}
	return c.call(ctx, "core.set_torrent_options",
		[]any{[]string{hash}, map[string]any{"max_download_speed": kib}}, nil)
}

func (c *delugeClient) SetGlobalUploadLimit(ctx context.Context, limit int64) error {
	kib := limit / 1024
	if limit <= 0 {
		kib = -1
	}
	return c.call(ctx, "core.set_config", []any{map[string]any{"max_upload_speed": kib}}, nil)
}

func (c *delugeClient) SetGlobalDownloadLimit(ctx context.Context, limit int64) error {
	kib := limit / 1024
	if limit <= 0 {
		kib = -1
	}
	return c.call(ctx, "core.set_config", []any{map[string]any{"max_download_speed": kib}}, nil)
}

func (c *delugeClient) PauseAll(ctx context.Context) error {
	return c.call(ctx, "core.pause_session", nil, nil)
}

func (c *delugeClient) ResumeAll(ctx context.Context) error {
	return c.call(ctx, "core.resume_session", nil, nil)
}

func (c *delugeClient) Stats(ctx context.Context) (*Stats, error) {
	var session struct {
		PayloadUploadRate   float64 `json:"payload_upload_rate"`
		PayloadDownloadRate float64 `json:"payload_download_rate"`
		TotalPayloadUpload  float64 `json:"total_payload_upload"`
		TotalPayloadDown    float64 `json:"total_payload_download"`
	}
	if err := c.call(ctx, "core.get_session_status", []any{[]string{
		"payload_upload_rate", "payload_download_rate",
		"total_payload_upload", "total_payload_download",
	}}, &session); err != nil {
		return nil, err
	}

	stats := &Stats{
		UploadSpeed:     int64(session.PayloadUploadRate),
		DownloadSpeed:   int64(session.PayloadDownloadRate),
		TotalUploaded:   int64(session.TotalPayloadUpload),
		TotalDownloaded: int64(session.TotalPayloadDown),
	}

	if free, err := c.FreeSpace(ctx, ""); err == nil {
		stats.FreeSpace = free
	}

	torrents, err := c.Torrents(ctx)
	if err == nil {
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
	}
	return stats, nil
}

func (c *delugeClient) FreeSpace(ctx context.Context, path string) (int64, error) {
	params := []any{}
	if path != "" {
		params = append(params, path)
	}
	var free int64
	if err := c.call(ctx, "core.get_free_space", params, &free); err != nil {
		return 0, err
	}
	return free, nil
}

func (c *delugeClient) AnnounceInfo(ctx context.Context, hash string) (float64, int64, error) {
	t, err := c.Torrent(ctx, hash)
	if err != nil {
		return 0, 0, err
	}
	return t.NextAnnounceTime, t.AnnounceInterval, nil
}
