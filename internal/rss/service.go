// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/models"
	"github.com/ptfleet/ptfleet/internal/notifications"
)

const (
	defaultHTTPTimeout   = 30 * time.Second
	defaultFreeCheckers  = 8
	defaultFetchInterval = 1800 // seconds

	torrentBodyLimit = 20 << 20

	skipNoDownloader = "No downloader available"
	skipAddFailed    = "Failed to add to downloader"
	skipFirstRun     = "First run, recorded only"
	skipMaxTasks     = "Max download tasks reached"
)

type Config struct {
	DB       *sql.DB
	Session  downloader.SessionFunc
	Notifier notifications.Notifier

	UserAgent   string
	HTTPTimeout time.Duration

	// Concurrent detail-page lookups per feed run.
	FreeCheckConcurrency int64
}

type Service struct {
	feedStore       *models.RssFeedStore
	recordStore     *models.RssRecordStore
	downloaderStore *models.DownloaderStore

	session  downloader.SessionFunc
	notifier notifications.Notifier

	httpClient *http.Client
	userAgent  string
	freeSlots  int64

	now func() time.Time
}

func NewService(cfg Config) *Service {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	slots := cfg.FreeCheckConcurrency
	if slots <= 0 {
		slots = defaultFreeCheckers
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notifications.Nop{}
	}

	return &Service{
		feedStore:       models.NewRssFeedStore(cfg.DB),
		recordStore:     models.NewRssRecordStore(cfg.DB),
		downloaderStore: models.NewDownloaderStore(cfg.DB),
		session:         cfg.Session,
		notifier:        notifier,
		httpClient:      &http.Client{Timeout: timeout},
		userAgent:       cfg.UserAgent,
		freeSlots:       slots,
		now:             time.Now,
	}
}

// CheckFeeds processes every enabled feed whose fetch interval has
// elapsed. Due feeds run in parallel so one stalled tracker cannot
// hold back the rest of the sweep; failures are logged per feed and
// never abort it.
func (s *Service) CheckFeeds(ctx context.Context) {
	feeds, err := s.feedStore.ListEnabled(ctx)
	if err != nil {
		log.Error().Err(err).Msg("rss: listing feeds failed")
		return
	}

	now := s.now()
	g := new(errgroup.Group)
	for _, feed := range feeds {
		interval := feed.FetchInterval
		if interval <= 0 {
			interval = defaultFetchInterval
		}
		if feed.LastFetch != nil && now.Sub(*feed.LastFetch) < time.Duration(interval)*time.Second {
			continue
		}

		g.Go(func() error {
			added, err := s.ProcessFeed(ctx, feed)
			if err != nil {
				log.Error().Err(err).Str("feed", feed.Name).Msg("rss: feed run failed")
				return nil
			}
			if added > 0 {
				log.Info().Str("feed", feed.Name).Int("added", added).Msg("rss: torrents added")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ProcessFeed runs one feed end to end: fetch, extract, dedup, free
// check, filter, download. Returns how many torrents were handed to a
// downloader.
func (s *Service) ProcessFeed(ctx context.Context, feed *models.RssFeed) (int, error) {
	parsed, err := s.fetchFeed(ctx, feed)
	if err != nil {
		return 0, fmt.Errorf("fetching %q: %w", feed.URL, err)
	}

	entries := s.extractEntries(parsed, feed)
	entries, err = s.dropKnown(ctx, feed, entries)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, s.feedStore.MarkFetched(ctx, feed.ID, true)
	}

	// A feed's first run only takes inventory. Downloading the whole
	// backlog of a fresh feed is never what the operator wants.
	if !feed.FirstRunDone {
		for _, e := range entries {
			s.insertRecord(ctx, feed, e, nil, false, skipFirstRun)
		}
		log.Info().Str("feed", feed.Name).Int("entries", len(entries)).
			Msg("rss: first run, recorded without downloading")
		return 0, s.feedStore.MarkFetched(ctx, feed.ID, true)
	}

	if feed.OnlyFree {
		s.resolveFreeStatus(ctx, feed, entries)
	}

	added := 0
	var lastTitle string
	for _, e := range entries {
		if reason := filterEntry(e, feed); reason != "" {
			s.insertRecord(ctx, feed, e, nil, false, reason)
			continue
		}

		dlID, reason := s.addEntry(ctx, feed, e)
		if reason != "" {
			s.insertRecord(ctx, feed, e, dlID, false, reason)
			continue
		}
		s.insertRecord(ctx, feed, e, dlID, true, "")
		added++
		lastTitle = e.Title
	}

	switch {
	case added > 1:
		s.notifier.Notify(ctx, notifications.EventRSSBatch, map[string]any{
			"feed":  feed.Name,
			"count": added,
		})
	case added == 1:
		s.notifier.Notify(ctx, notifications.EventRSSDownload, map[string]any{
			"feed":    feed.Name,
			"torrent": lastTitle,
		})
	}

	return added, s.feedStore.MarkFetched(ctx, feed.ID, true)
}

func (s *Service) fetchFeed(ctx context.Context, feed *models.RssFeed) (*gofeed.Feed, error) {
	var parsed *gofeed.Feed

	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("User-Agent", s.userAgent)
		req.Header.Set("Accept", "*/*")
		if feed.SiteCookie != "" {
			req.Header.Set("Cookie", feed.SiteCookie)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("feed returned status %d", resp.StatusCode)
		}

		parsed, err = gofeed.NewParser().Parse(resp.Body)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.LastErrorOnly(true),
	)
	return parsed, err
}

// extractEntries normalizes items into entries and collapses in-batch
// duplicates, which some trackers emit when an item appears in several
// feed categories.
func (s *Service) extractEntries(parsed *gofeed.Feed, feed *models.RssFeed) []*Entry {
	seen := make(map[string]struct{}, len(parsed.Items))
	entries := make([]*Entry, 0, len(parsed.Items))

	for _, item := range parsed.Items {
		e := extractEntry(item)
		if e == nil {
			log.Debug().Str("feed", feed.Name).Str("title", item.Title).
				Msg("rss: entry has no usable link")
			continue
		}
		e.Link = normalizeLink(e.Link, feed.URL)

		if _, dup := seen[e.Link]; dup {
			continue
		}
		seen[e.Link] = struct{}{}
		entries = append(entries, e)
	}
	return entries
}

func (s *Service) dropKnown(ctx context.Context, feed *models.RssFeed, entries []*Entry) ([]*Entry, error) {
	links := make([]string, len(entries))
	for i, e := range entries {
		links[i] = e.Link
	}
	known, err := s.recordStore.ExistingLinks(ctx, feed.ID, links)
	if err != nil {
		return nil, err
	}

	fresh := entries[:0]
	for _, e := range entries {
		if _, ok := known[e.Link]; !ok {
			fresh = append(fresh, e)
		}
	}
	return fresh, nil
}

// resolveFreeStatus confirms the promotion state of entries the feed
// text did not already mark free, hitting detail pages under a
// concurrency cap.
func (s *Service) resolveFreeStatus(ctx context.Context, feed *models.RssFeed, entries []*Entry) {
	sem := semaphore.NewWeighted(s.freeSlots)
	var wg sync.WaitGroup

	for _, e := range entries {
		if e.Free || strings.HasPrefix(strings.ToLower(e.Link), "magnet:") {
			continue
		}
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			free, hash, err := s.checkFree(ctx, e.Link, feed.SiteCookie)
			if err != nil {
				log.Debug().Err(err).Str("feed", feed.Name).Str("title", e.Title).
					Msg("rss: free check failed")
				return
			}
			e.Free = free
			if e.Hash == "" {
				e.Hash = hash
			}
		}(e)
	}
	wg.Wait()
}

// addEntry picks a downloader for the entry and adds the torrent to it.
// A non-empty reason means the entry was skipped.
func (s *Service) addEntry(ctx context.Context, feed *models.RssFeed, e *Entry) (*int, string) {
	dl := s.pickDownloader(ctx, feed)
	if dl == nil {
		return nil, skipNoDownloader
	}

	if feed.MaxDownloadTasks > 0 {
		var downloading int
		err := s.session(ctx, dl, func(c downloader.Client) error {
			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			downloading = stats.DownloadingTorrents
			return nil
		})
		if err == nil && downloading >= feed.MaxDownloadTasks {
			return &dl.ID, skipMaxTasks
		}
	}

	var data []byte
	source := e.Link
	if !strings.HasPrefix(strings.ToLower(e.Link), "magnet:") {
		body, hash, err := s.downloadTorrent(ctx, e.Link, feed.SiteCookie)
		if err != nil {
			log.Warn().Err(err).Str("feed", feed.Name).Str("title", e.Title).
				Msg("rss: torrent download failed, handing url to client")
		} else {
			data = body
			source = ""
			if e.Hash == "" {
				e.Hash = hash
			}
		}
	}

	savePath := feed.ClientSavePath
	if savePath == "" {
		savePath = dl.DownloadDir
	}
	opts := downloader.AddOptions{
		SavePath:          savePath,
		Category:          feed.ClientCategory,
		Tags:              models.KeywordList(feed.ClientTags),
		UploadLimit:       int64(feed.MaxUploadSpeed) * 1024,
		DownloadLimit:     int64(feed.MaxDownloadSpeed) * 1024,
		FirstLastPriority: dl.DownloadFirstLast,
	}

	var addedHash string
	err := s.session(ctx, dl, func(c downloader.Client) error {
		hash, err := c.Add(ctx, data, source, opts)
		addedHash = hash
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("feed", feed.Name).Str("downloader", dl.Name).
			Str("title", e.Title).Msg("rss: add failed")
		return &dl.ID, skipAddFailed
	}
	if e.Hash == "" {
		e.Hash = addedHash
	}

	log.Info().Str("feed", feed.Name).Str("downloader", dl.Name).
		Str("title", e.Title).Msg("rss: torrent added")
	return &dl.ID, ""
}

// pickDownloader returns the feed's assigned downloader, or with
// auto-assign the enabled downloader with the most free space.
func (s *Service) pickDownloader(ctx context.Context, feed *models.RssFeed) *models.Downloader {
	if feed.DownloaderID != nil && !feed.AutoAssign {
		dl, err := s.downloaderStore.Get(ctx, *feed.DownloaderID)
		if err != nil || !dl.Enabled {
			return nil
		}
		return dl
	}

	candidates, err := s.downloaderStore.ListEnabled(ctx)
	if err != nil || len(candidates) == 0 {
		return nil
	}

	var best *models.Downloader
	var bestFree int64 = -1
	for _, dl := range candidates {
		var free int64
		err := s.session(ctx, dl, func(c downloader.Client) error {
			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			free = stats.FreeSpace
			return nil
		})
		if err != nil {
			log.Debug().Err(err).Str("downloader", dl.Name).Msg("rss: stats unavailable")
			continue
		}
		if free > bestFree {
			best, bestFree = dl, free
		}
	}
	return best
}

// downloadTorrent fetches the metainfo file behind a download link and
// computes its infohash. The body must be a bencoded torrent; trackers
// answer HTML on auth errors.
func (s *Service) downloadTorrent(ctx context.Context, link, cookie string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "*/*")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, torrentBodyLimit))
	if err != nil {
		return nil, "", err
	}
	hash, herr := downloader.InfoHash(body)
	if herr != nil && !downloader.LooksLikeTorrent(body) {
		return nil, "", fmt.Errorf("response is not a torrent file")
	}
	return body, hash, nil
}

func (s *Service) insertRecord(ctx context.Context, feed *models.RssFeed, e *Entry, dlID *int, downloaded bool, skipReason string) {
	rec := &models.RssRecord{
		FeedID:       feed.ID,
		Title:        e.Title,
		Link:         e.Link,
		TorrentHash:  e.Hash,
		Size:         float64(e.Size),
		IsFree:       e.Free,
		IsHR:         e.HitAndRun,
		Seeders:      e.Seeders,
		Leechers:     e.Leechers,
		Downloaded:   downloaded,
		DownloaderID: dlID,
		SkipReason:   skipReason,
	}
	if downloaded {
		now := s.now()
		rec.DownloadTime = &now
	}
	if err := s.recordStore.Insert(ctx, rec); err != nil {
		log.Error().Err(err).Str("feed", feed.Name).Str("title", e.Title).
			Msg("rss: recording entry failed")
	}
}
