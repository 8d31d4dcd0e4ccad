// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/models"
	"github.com/ptfleet/ptfleet/internal/testdb"
)

type fakeClient struct {
	torrents    []downloader.Torrent
	reannounced []string
	stats       downloader.Stats
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) Disconnect(ctx context.Context)    {}

func (f *fakeClient) Torrents(ctx context.Context) ([]downloader.Torrent, error) {
	return f.torrents, nil
}

func (f *fakeClient) Torrent(ctx context.Context, hash string) (*downloader.Torrent, error) {
	return nil, downloader.ErrTorrentNotFound
}

func (f *fakeClient) Add(ctx context.Context, data []byte, source string, opts downloader.AddOptions) (string, error) {
	return "", nil
}
func (f *fakeClient) Remove(ctx context.Context, hash string, deleteFiles bool) error { return nil }
func (f *fakeClient) Pause(ctx context.Context, hash string) error                    { return nil }
func (f *fakeClient) Resume(ctx context.Context, hash string) error                   { return nil }

func (f *fakeClient) Reannounce(ctx context.Context, hash string) error {
	f.reannounced = append(f.reannounced, hash)
	return nil
}

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

func (f *fakeClient) FreeSpace(ctx context.Context, path string) (int64, error) { return 0, nil }

func (f *fakeClient) AnnounceInfo(ctx context.Context, hash string) (float64, int64, error) {
	return 0, 0, nil
}

func fakeSession(fc *fakeClient) downloader.SessionFunc {
	return func(ctx context.Context, d *models.Downloader, fn func(downloader.Client) error) error {
		return fn(fc)
	}
}

func setupScheduler(t *testing.T, fc *fakeClient) (*Scheduler, *sql.DB) {
	t.Helper()
	db := testdb.Open(t)
	s := New(Config{DB: db, Session: fakeSession(fc)})
	return s, db
}

func createDownloader(t *testing.T, db *sql.DB, autoReport bool) *models.Downloader {
	t.Helper()
	d, err := models.NewDownloaderStore(db).Create(context.Background(), &models.Downloader{
		Name: "qb", Type: models.DownloaderQBittorrent,
		Host: "localhost", Port: 8080,
		Enabled: true, AutoReport: autoReport,
	})
	require.NoError(t, err)
	return d
}

func TestRunExclusiveSkipsOverlappingRun(t *testing.T) {
	s, _ := setupScheduler(t, &fakeClient{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runExclusive(ctx, "job", func(context.Context) {
			close(started)
			<-release
		})
	}()
	<-started

	// Second round while the first still runs: coalesced away.
	ran := false
	s.runExclusive(ctx, "job", func(context.Context) { ran = true })
	assert.False(t, ran)

	close(release)
	wg.Wait()

	// After the first run finishes the job is schedulable again.
	s.runExclusive(ctx, "job", func(context.Context) { ran = true })
	assert.True(t, ran)
}

func TestDeleteIntervalClamped(t *testing.T) {
	s, db := setupScheduler(t, &fakeClient{})
	ctx := context.Background()
	settings := models.NewSettingsStore(db)

	// Missing key: default.
	assert.Equal(t, 60*time.Second, s.deleteInterval(ctx))

	require.NoError(t, settings.Set(ctx, models.SettingDeleteCheckInterval, "2"))
	assert.Equal(t, 5*time.Second, s.deleteInterval(ctx))

	require.NoError(t, settings.Set(ctx, models.SettingDeleteCheckInterval, "99999"))
	assert.Equal(t, 3600*time.Second, s.deleteInterval(ctx))

	require.NoError(t, settings.Set(ctx, models.SettingDeleteCheckInterval, "300"))
	assert.Equal(t, 300*time.Second, s.deleteInterval(ctx))
}

func TestAutoReannounceAgeWindow(t *testing.T) {
	now := time.Now()
	fc := &fakeClient{torrents: []downloader.Torrent{
		{Hash: "young", AddedTime: now.Add(-2 * time.Minute)},
		{Hash: "ripe", AddedTime: now.Add(-5 * time.Minute)},
		{Hash: "old", AddedTime: now.Add(-10 * time.Minute)},
		{Hash: "unknown"},
	}}

	s, db := setupScheduler(t, fc)
	createDownloader(t, db, true)
	s.now = func() time.Time { return now }

	s.autoReannounce(context.Background())
	assert.Equal(t, []string{"ripe"}, fc.reannounced)
}

func TestAutoReannounceRequiresOptIn(t *testing.T) {
	now := time.Now()
	fc := &fakeClient{torrents: []downloader.Torrent{
		{Hash: "ripe", AddedTime: now.Add(-5 * time.Minute)},
	}}

	s, db := setupScheduler(t, fc)
	createDownloader(t, db, false)
	s.now = func() time.Time { return now }

	s.autoReannounce(context.Background())
	assert.Empty(t, fc.reannounced)
}

func TestObserveTrafficRecordsBaseline(t *testing.T) {
	fc := &fakeClient{stats: downloader.Stats{TotalUploaded: 5000, TotalDownloaded: 2000}}
	s, db := setupScheduler(t, fc)
	dl := createDownloader(t, db, false)

	s.observeTraffic(context.Background())

	var latestUp, latestDown float64
	err := db.QueryRow(`SELECT latest_uploaded, latest_downloaded FROM daily_traffic_baselines WHERE downloader_id = ?`,
		dl.ID).Scan(&latestUp, &latestDown)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, latestUp)
	assert.Equal(t, 2000.0, latestDown)
}

func TestCleanupRecordsPrunesAgedRows(t *testing.T) {
	s, db := setupScheduler(t, &fakeClient{})
	ctx := context.Background()

	speedStore := models.NewSpeedLimitRecordStore(db)
	require.NoError(t, speedStore.InsertTx(ctx, db, &models.SpeedLimitRecord{TrackerDomain: "old.example.org"}))
	require.NoError(t, speedStore.InsertTx(ctx, db, &models.SpeedLimitRecord{TrackerDomain: "new.example.org"}))
	_, err := db.Exec(`UPDATE speed_limit_records SET created_at = ? WHERE tracker_domain = ?`,
		time.Now().AddDate(0, 0, -40), "old.example.org")
	require.NoError(t, err)

	rssStore := models.NewRssRecordStore(db)
	feed, err := models.NewRssFeedStore(db).Create(ctx, &models.RssFeed{Name: "pt", URL: "http://feed.example"})
	require.NoError(t, err)
	skipped := &models.RssRecord{FeedID: feed.ID, Title: "skipped", Link: "l1", SkipReason: "not free"}
	downloaded := &models.RssRecord{FeedID: feed.ID, Title: "kept", Link: "l2", Downloaded: true}
	require.NoError(t, rssStore.Insert(ctx, skipped))
	require.NoError(t, rssStore.Insert(ctx, downloaded))
	_, err = db.Exec(`UPDATE rss_records SET created_at = ?`, time.Now().AddDate(0, 0, -40))
	require.NoError(t, err)

	deleteStore := models.NewDeleteRecordStore(db)
	aged := &models.DeleteRecord{RuleName: "r", TorrentHash: "h1", ActionType: "delete"}
	require.NoError(t, deleteStore.Insert(ctx, aged))
	_, err = db.Exec(`UPDATE delete_records SET deleted_at = ? WHERE id = ?`,
		time.Now().AddDate(0, 0, -40), aged.ID)
	require.NoError(t, err)

	s.cleanupRecords(ctx)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM speed_limit_records`).Scan(&n))
	assert.Equal(t, 1, n)

	// Downloaded RSS records survive pruning: they back the dedup index.
	var titles []string
	rows, err := db.Query(`SELECT title FROM rss_records`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var title string
		require.NoError(t, rows.Scan(&title))
		titles = append(titles, title)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"kept"}, titles)

	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM delete_records`).Scan(&n))
	assert.Zero(t, n)
}
