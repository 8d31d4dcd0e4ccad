// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/models"
	"github.com/ptfleet/ptfleet/internal/testdb"
)

type addedTorrent struct {
	data   []byte
	source string
	opts   downloader.AddOptions
}

type fakeClient struct {
	mu     sync.Mutex
	added  []addedTorrent
	addErr error
	stats  downloader.Stats
}

func newFakeClient() *fakeClient {
	return &fakeClient{stats: downloader.Stats{FreeSpace: 100 * 1024 * 1024 * 1024}}
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) Disconnect(ctx context.Context)    {}

func (f *fakeClient) Torrents(ctx context.Context) ([]downloader.Torrent, error) { return nil, nil }
func (f *fakeClient) Torrent(ctx context.Context, hash string) (*downloader.Torrent, error) {
	return nil, downloader.ErrTorrentNotFound
}

func (f *fakeClient) Add(ctx context.Context, data []byte, source string, opts downloader.AddOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, addedTorrent{data: data, source: source, opts: opts})
	if data != nil {
		if hash, err := downloader.InfoHash(data); err == nil {
			return hash, nil
		}
	}
	return "", nil
}

func (f *fakeClient) Remove(ctx context.Context, hash string, deleteFiles bool) error { return nil }
func (f *fakeClient) Pause(ctx context.Context, hash string) error                    { return nil }
func (f *fakeClient) Resume(ctx context.Context, hash string) error                   { return nil }
func (f *fakeClient) Reannounce(ctx context.Context, hash string) error               { return nil }

func (f *fakeClient) SetUploadLimit(ctx context.Context, hash string, limit int64) error   { return nil }
func (f *fakeClient) SetDownloadLimit(ctx context.Context, hash string, limit int64) error { return nil }
func (f *fakeClient) SetGlobalUploadLimit(ctx context.Context, limit int64) error          { return nil }
func (f *fakeClient) SetGlobalDownloadLimit(ctx context.Context, limit int64) error        { return nil }
func (f *fakeClient) PauseAll(ctx context.Context) error                                   { return nil }
func (f *fakeClient) ResumeAll(ctx context.Context) error                                  { return nil }

func (f *fakeClient) Stats(ctx context.Context) (*downloader.Stats, error) {
	stats := f.stats
	return &stats, nil
}

func (f *fakeClient) FreeSpace(ctx context.Context, path string) (int64, error) {
	return f.stats.FreeSpace, nil
}

func (f *fakeClient) AnnounceInfo(ctx context.Context, hash string) (float64, int64, error) {
	return 0, 0, nil
}

func fakeSession(fc *fakeClient) downloader.SessionFunc {
	return func(ctx context.Context, d *models.Downloader, fn func(downloader.Client) error) error {
		return fn(fc)
	}
}

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *captureNotifier) Notify(_ context.Context, event string, _ map[string]any) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

// testTorrentFile is a minimal valid bencoded metainfo.
const testTorrentFile = "d8:announce3:url4:infod6:lengthi1e4:name1:a12:piece lengthi16384e6:pieces20:AAAAAAAAAAAAAAAAAAAAee"

// feedSite is a fake tracker: an RSS endpoint, download.php serving
// torrent files, and details.php pages with a configurable promotion
// state per torrent id.
type feedSite struct {
	srv      *httptest.Server
	items    []string
	freeIDs  map[string]bool
	feedHits atomic.Int64
	pageHits atomic.Int64
}

func newFeedSite(t *testing.T) *feedSite {
	t.Helper()
	site := &feedSite{freeIDs: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/rss", func(w http.ResponseWriter, r *http.Request) {
		site.feedHits.Add(1)
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>pt</title>`)
		for _, item := range site.items {
			fmt.Fprint(w, item)
		}
		fmt.Fprint(w, `</channel></rss>`)
	})
	mux.HandleFunc("/download.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testTorrentFile)
	})
	mux.HandleFunc("/details.php", func(w http.ResponseWriter, r *http.Request) {
		site.pageHits.Add(1)
		if site.freeIDs[r.URL.Query().Get("id")] {
			fmt.Fprint(w, `<html><img class="free"/>hash: aaaabbbbccccddddeeeeffff0000111122223333</html>`)
			return
		}
		fmt.Fprint(w, `<html>plain old paid torrent</html>`)
	})

	site.srv = httptest.NewServer(mux)
	t.Cleanup(site.srv.Close)
	return site
}

func (s *feedSite) feedURL() string { return s.srv.URL + "/rss?passkey=secret" }

func (s *feedSite) addItem(id int, title, extra string) {
	s.items = append(s.items, fmt.Sprintf(
		`<item><title>%s</title><link>%s/details.php?id=%d</link><guid>%s/details.php?id=%d</guid>%s</item>`,
		title, s.srv.URL, id, s.srv.URL, id, extra))
}

func setupRss(t *testing.T, fc *fakeClient) (*Service, *sql.DB, *captureNotifier) {
	t.Helper()
	db := testdb.Open(t)
	notifier := &captureNotifier{}
	svc := NewService(Config{
		DB:        db,
		Session:   fakeSession(fc),
		Notifier:  notifier,
		UserAgent: "ptfleet-test",
	})
	return svc, db, notifier
}

func createDownloader(t *testing.T, db *sql.DB) *models.Downloader {
	t.Helper()
	d, err := models.NewDownloaderStore(db).Create(context.Background(), &models.Downloader{
		Name: "qb", Type: models.DownloaderQBittorrent,
		Host: "localhost", Port: 8080,
		Enabled: true, DownloadDir: "/downloads",
	})
	require.NoError(t, err)
	return d
}

func createFeed(t *testing.T, db *sql.DB, feed *models.RssFeed) *models.RssFeed {
	t.Helper()
	created, err := models.NewRssFeedStore(db).Create(context.Background(), feed)
	require.NoError(t, err)
	return created
}

func feedRecords(t *testing.T, db *sql.DB, feedID int) map[string]*models.RssRecord {
	t.Helper()
	rows, err := db.Query(`SELECT title, link, torrent_hash, downloaded, skip_reason FROM rss_records WHERE feed_id = ?`, feedID)
	require.NoError(t, err)
	defer rows.Close()

	out := make(map[string]*models.RssRecord)
	for rows.Next() {
		r := &models.RssRecord{}
		require.NoError(t, rows.Scan(&r.Title, &r.Link, &r.TorrentHash, &r.Downloaded, &r.SkipReason))
		out[r.Title] = r
	}
	require.NoError(t, rows.Err())
	return out
}

func TestProcessFeedFirstRunRecordsOnly(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "First.Release", "")
	site.addItem(2, "Second.Release", "")

	fc := newFakeClient()
	svc, db, _ := setupRss(t, fc)
	dl := createDownloader(t, db)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, DownloaderID: &dl.ID,
	})

	added, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Empty(t, fc.added)

	records := feedRecords(t, db, feed.ID)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.False(t, r.Downloaded)
		assert.Equal(t, skipFirstRun, r.SkipReason)
	}

	refreshed, err := svc.feedStore.Get(context.Background(), feed.ID)
	require.NoError(t, err)
	assert.True(t, refreshed.FirstRunDone)
	assert.NotNil(t, refreshed.LastFetch)
}

func TestProcessFeedDownloadsNewEntries(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "Some.Release.2160p", "")

	fc := newFakeClient()
	svc, db, notifier := setupRss(t, fc)
	dl := createDownloader(t, db)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, FirstRunDone: true,
		DownloaderID:   &dl.ID,
		ClientCategory: "rss", ClientTags: "auto, pt",
		MaxUploadSpeed: 512,
	})

	added, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	require.Len(t, fc.added, 1)
	got := fc.added[0]
	assert.Equal(t, []byte(testTorrentFile), got.data)
	assert.Empty(t, got.source)
	assert.Equal(t, "/downloads", got.opts.SavePath)
	assert.Equal(t, "rss", got.opts.Category)
	assert.Equal(t, []string{"auto", "pt"}, got.opts.Tags)
	assert.Equal(t, int64(512*1024), got.opts.UploadLimit)

	records := feedRecords(t, db, feed.ID)
	rec := records["Some.Release.2160p"]
	require.NotNil(t, rec)
	assert.True(t, rec.Downloaded)
	// The recorded hash is the infohash computed from the metainfo the
	// client acknowledged.
	wantHash, err := downloader.InfoHash([]byte(testTorrentFile))
	require.NoError(t, err)
	assert.Equal(t, wantHash, rec.TorrentHash)
	// The detail link was normalized to a direct download URL carrying
	// the feed passkey.
	assert.Contains(t, rec.Link, "/download.php?id=1")
	assert.Contains(t, rec.Link, "passkey=secret")

	assert.Equal(t, []string{"rss_download"}, notifier.events)
}

func TestProcessFeedSkipsKnownLinks(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "Some.Release", "")

	fc := newFakeClient()
	svc, db, _ := setupRss(t, fc)
	dl := createDownloader(t, db)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, FirstRunDone: true,
		DownloaderID: &dl.ID,
	})

	_, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	require.Len(t, fc.added, 1)

	// Same feed content again: nothing new to do.
	added, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Len(t, fc.added, 1)
	assert.Len(t, feedRecords(t, db, feed.ID), 1)
}

func TestProcessFeedFilterReasonsRecorded(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "Small.Release", `<enclosure url="`+site.srv.URL+`/download.php?id=1" length="1073741824" type="application/x-bittorrent"/>`)

	fc := newFakeClient()
	svc, db, notifier := setupRss(t, fc)
	dl := createDownloader(t, db)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, FirstRunDone: true,
		DownloaderID: &dl.ID,
		MinSize:      10, // GiB, entry is 1 GiB
	})

	added, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Empty(t, fc.added)
	assert.Empty(t, notifier.events)

	rec := feedRecords(t, db, feed.ID)["Small.Release"]
	require.NotNil(t, rec)
	assert.False(t, rec.Downloaded)
	assert.Contains(t, rec.SkipReason, "below minimum")
}

func TestProcessFeedOnlyFreeChecksDetailPages(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "Free.Release", "")
	site.addItem(2, "Paid.Release", "")
	site.freeIDs["1"] = true

	fc := newFakeClient()
	svc, db, _ := setupRss(t, fc)
	dl := createDownloader(t, db)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, FirstRunDone: true,
		DownloaderID: &dl.ID,
		OnlyFree:     true,
		SiteCookie:   "session=abc",
	})

	added, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.EqualValues(t, 2, site.pageHits.Load())

	records := feedRecords(t, db, feed.ID)
	require.NotNil(t, records["Free.Release"])
	assert.True(t, records["Free.Release"].Downloaded)
	// The detail page exposed the infohash.
	assert.Equal(t, "aaaabbbbccccddddeeeeffff0000111122223333", records["Free.Release"].TorrentHash)

	require.NotNil(t, records["Paid.Release"])
	assert.False(t, records["Paid.Release"].Downloaded)
	assert.Equal(t, "not a free torrent", records["Paid.Release"].SkipReason)
}

func TestProcessFeedMaxDownloadTasks(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "Some.Release", "")

	fc := newFakeClient()
	fc.stats.DownloadingTorrents = 5
	svc, db, _ := setupRss(t, fc)
	dl := createDownloader(t, db)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, FirstRunDone: true,
		DownloaderID:     &dl.ID,
		MaxDownloadTasks: 3,
	})

	added, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Zero(t, added)

	rec := feedRecords(t, db, feed.ID)["Some.Release"]
	require.NotNil(t, rec)
	assert.Equal(t, skipMaxTasks, rec.SkipReason)
}

func TestProcessFeedNoDownloader(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "Some.Release", "")

	fc := newFakeClient()
	svc, db, _ := setupRss(t, fc)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, FirstRunDone: true,
		AutoAssign: true,
	})

	added, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Zero(t, added)

	rec := feedRecords(t, db, feed.ID)["Some.Release"]
	require.NotNil(t, rec)
	assert.Equal(t, skipNoDownloader, rec.SkipReason)
}

func TestProcessFeedBatchNotification(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "Release.One", "")
	site.addItem(2, "Release.Two", "")
	site.addItem(3, "Release.Three", "")

	fc := newFakeClient()
	svc, db, notifier := setupRss(t, fc)
	dl := createDownloader(t, db)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, FirstRunDone: true,
		DownloaderID: &dl.ID,
	})

	added, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.Equal(t, []string{"rss_batch"}, notifier.events)
}

func TestProcessFeedAddFailureRecorded(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "Some.Release", "")

	fc := newFakeClient()
	fc.addErr = fmt.Errorf("client rejected torrent")
	svc, db, notifier := setupRss(t, fc)
	dl := createDownloader(t, db)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, FirstRunDone: true,
		DownloaderID: &dl.ID,
	})

	added, err := svc.ProcessFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Empty(t, notifier.events)

	rec := feedRecords(t, db, feed.ID)["Some.Release"]
	require.NotNil(t, rec)
	assert.False(t, rec.Downloaded)
	assert.Equal(t, skipAddFailed, rec.SkipReason)
}

func TestCheckFeedsHonorsFetchInterval(t *testing.T) {
	site := newFeedSite(t)
	site.addItem(1, "Some.Release", "")

	fc := newFakeClient()
	svc, db, _ := setupRss(t, fc)
	dl := createDownloader(t, db)
	feed := createFeed(t, db, &models.RssFeed{
		Name: "pt", URL: site.feedURL(), Enabled: true, FirstRunDone: true,
		DownloaderID:  &dl.ID,
		FetchInterval: 1800,
	})

	// Freshly fetched: the sweep must leave it alone.
	require.NoError(t, svc.feedStore.MarkFetched(context.Background(), feed.ID, true))
	svc.CheckFeeds(context.Background())
	assert.EqualValues(t, 0, site.feedHits.Load())

	// Age the fetch timestamp past the interval.
	_, err := db.Exec(`UPDATE rss_feeds SET last_fetch = ? WHERE id = ?`,
		time.Now().Add(-time.Hour), feed.ID)
	require.NoError(t, err)

	svc.CheckFeeds(context.Background())
	assert.EqualValues(t, 1, site.feedHits.Load())
	assert.Len(t, fc.added, 1)
}

func TestCheckFeedsSweepsDueFeedsInParallel(t *testing.T) {
	const emptyFeed = `<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>pt</title></channel></rss>`

	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		fmt.Fprint(w, emptyFeed)
	})

	srvA := httptest.NewServer(handler)
	t.Cleanup(srvA.Close)
	srvB := httptest.NewServer(handler)
	t.Cleanup(srvB.Close)

	fc := newFakeClient()
	svc, db, _ := setupRss(t, fc)
	dl := createDownloader(t, db)
	createFeed(t, db, &models.RssFeed{
		Name: "a", URL: srvA.URL, Enabled: true, FirstRunDone: true, DownloaderID: &dl.ID,
	})
	createFeed(t, db, &models.RssFeed{
		Name: "b", URL: srvB.URL, Enabled: true, FirstRunDone: true, DownloaderID: &dl.ID,
	})

	done := make(chan struct{})
	go func() {
		svc.CheckFeeds(context.Background())
		close(done)
	}()

	// Both fetches must be in flight at once; a sequential sweep would
	// hold the second feed back behind the stalled first one.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(3 * time.Second):
			t.Fatal("feed fetches did not overlap")
		}
	}
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not finish")
	}
}
