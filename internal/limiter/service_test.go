// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/models"
	"github.com/ptfleet/ptfleet/internal/testdb"
)

type fakeClient struct {
	torrents       []downloader.Torrent
	uploadLimits   map[string]int64
	downloadLimits map[string]int64
	reannounced    []string

	announceNext  map[string]float64
	announceErr   map[string]error
	announceHold  chan struct{} // when set, AnnounceInfo blocks until closed
	announceCalls atomic.Int32
}

func newFakeClient(torrents ...downloader.Torrent) *fakeClient {
	return &fakeClient{
		torrents:       torrents,
		uploadLimits:   make(map[string]int64),
		downloadLimits: make(map[string]int64),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) Disconnect(ctx context.Context)    {}

func (f *fakeClient) Torrents(ctx context.Context) ([]downloader.Torrent, error) {
	return f.torrents, nil
}

func (f *fakeClient) Torrent(ctx context.Context, hash string) (*downloader.Torrent, error) {
	for i := range f.torrents {
		if f.torrents[i].Hash == hash {
			return &f.torrents[i], nil
		}
	}
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

func (f *fakeClient) SetUploadLimit(ctx context.Context, hash string, limit int64) error {
	f.uploadLimits[hash] = limit
	return nil
}

func (f *fakeClient) SetDownloadLimit(ctx context.Context, hash string, limit int64) error {
	f.downloadLimits[hash] = limit
	return nil
}

func (f *fakeClient) SetGlobalUploadLimit(ctx context.Context, limit int64) error   { return nil }
func (f *fakeClient) SetGlobalDownloadLimit(ctx context.Context, limit int64) error { return nil }
func (f *fakeClient) PauseAll(ctx context.Context) error                            { return nil }
func (f *fakeClient) ResumeAll(ctx context.Context) error                           { return nil }

func (f *fakeClient) Stats(ctx context.Context) (*downloader.Stats, error) {
	return &downloader.Stats{}, nil
}

func (f *fakeClient) FreeSpace(ctx context.Context, path string) (int64, error) { return 0, nil }

func (f *fakeClient) AnnounceInfo(ctx context.Context, hash string) (float64, int64, error) {
	f.announceCalls.Add(1)
	if f.announceHold != nil {
		<-f.announceHold
	}
	if err := f.announceErr[hash]; err != nil {
		return 0, 0, err
	}
	return f.announceNext[hash], 0, nil
}

func fakeSession(fc *fakeClient) downloader.SessionFunc {
	return func(ctx context.Context, d *models.Downloader, fn func(downloader.Client) error) error {
		return fn(fc)
	}
}

func setupLimiterService(t *testing.T, fc *fakeClient, enabled bool, target float64) *Service {
	t.Helper()
	ctx := context.Background()
	db := testdb.Open(t)

	_, err := models.NewDownloaderStore(db).Create(ctx, &models.Downloader{
		Name: "qb", Type: models.DownloaderQBittorrent,
		Host: "localhost", Port: 8080, Enabled: true,
	})
	require.NoError(t, err)

	cfgStore := models.NewSpeedLimitConfigStore(db)
	cfg, err := cfgStore.Get(ctx)
	require.NoError(t, err)
	cfg.Enabled = enabled
	cfg.TargetUploadSpeed = target
	_, err = cfgStore.Update(ctx, cfg)
	require.NoError(t, err)

	return NewService(Config{DB: db, Session: fakeSession(fc)})
}

func seedingTorrent(hash string, now float64) downloader.Torrent {
	return downloader.Torrent{
		Hash:             hash,
		Name:             "test torrent",
		Size:             10 * 1024 * 1024 * 1024,
		Status:           "seeding",
		Uploaded:         100 * 1024 * 1024,
		UploadSpeed:      5 * 1024 * 1024,
		Tracker:          "https://tracker.example.org/announce?passkey=x",
		AddedTime:        time.Unix(int64(now)-30*86400, 0),
		SeedingTime:      30 * 86400,
		NextAnnounceTime: 900, // countdown, 900s left of the cycle
		AnnounceInterval: 1800,
	}
}

func TestApplyLimitsDisabledIsNoOp(t *testing.T) {
	fc := newFakeClient(seedingTorrent("aaaa", 1_700_000_000))
	svc := setupLimiterService(t, fc, false, 1024*1024)

	res, err := svc.ApplyLimits(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Enabled)
	assert.Zero(t, res.Torrents)
	assert.Empty(t, fc.uploadLimits)
}

func TestApplyLimitsPersistsStateAndLedger(t *testing.T) {
	ctx := context.Background()
	now := 1_700_000_000.0

	torrent := seedingTorrent("aaaa", now)
	fc := newFakeClient(torrent)
	svc := setupLimiterService(t, fc, true, 1024*1024)
	svc.now = func() float64 { return now }

	// First pass seeds the state and rebaselines traffic counters.
	res, err := svc.ApplyLimits(ctx)
	require.NoError(t, err)
	assert.True(t, res.Enabled)
	assert.Equal(t, 1, res.Torrents)
	assert.Zero(t, res.Limited)

	// Second pass: a minute later the torrent has blown far past the
	// cycle budget at high speed, so a limit must engage.
	now += 60
	fc.torrents[0].Uploaded += 2 * 1024 * 1024 * 1024
	fc.torrents[0].NextAnnounceTime = 840

	res, err = svc.ApplyLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Limited)
	assert.Greater(t, fc.uploadLimits["aaaa"], int64(0))

	// The state blob landed in settings and round-trips.
	raw, err := models.NewSettingsStore(svc.db).Get(ctx, models.SettingSpeedLimiterState)
	require.NoError(t, err)
	states := make(map[string]*TorrentState)
	require.NoError(t, json.Unmarshal([]byte(raw), &states))
	require.Contains(t, states, "aaaa")
	assert.True(t, states["aaaa"].CycleSynced)
	assert.Equal(t, fc.torrents[0].Uploaded, states["aaaa"].TotalUploaded)

	// The uploaded delta produced exactly one ledger row.
	var count int
	var uploaded float64
	require.NoError(t, svc.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(uploaded), 0) FROM speed_limit_records`).Scan(&count, &uploaded))
	assert.Equal(t, 1, count)
	assert.Equal(t, float64(2*1024*1024*1024), uploaded)
}

func TestLoadStateRestoresPersistedBlob(t *testing.T) {
	ctx := context.Background()
	now := 1_700_000_000.0

	fc := newFakeClient(seedingTorrent("bbbb", now))
	svc := setupLimiterService(t, fc, true, 1024*1024)
	svc.now = func() float64 { return now }

	_, err := svc.ApplyLimits(ctx)
	require.NoError(t, err)

	// A fresh service over the same database picks the state back up.
	restored := NewService(Config{DB: svc.db, Session: fakeSession(fc)})
	require.NoError(t, restored.LoadState(ctx))

	restored.mu.Lock()
	defer restored.mu.Unlock()
	require.Contains(t, restored.states, "bbbb")
	assert.Equal(t, "test torrent", restored.states["bbbb"].Name)
}

func TestLoadStateMissingBlobIsFine(t *testing.T) {
	svc := NewService(Config{DB: testdb.Open(t)})
	assert.NoError(t, svc.LoadState(context.Background()))
}

func TestSuggestedInterval(t *testing.T) {
	now := 1_700_000_000.0
	svc := NewService(Config{DB: testdb.Open(t)})
	svc.now = func() float64 { return now }

	// No torrents at all: slowest tick.
	assert.Equal(t, IntervalMax, svc.SuggestedInterval())

	mk := func(tl float64, phase string) *TorrentState {
		s := NewTorrentState("h", "n", "t")
		s.Phase = phase
		s.CachedTL = tl
		s.CacheTS = now
		return s
	}

	tests := []struct {
		name     string
		timeLeft float64
		want     float64
	}{
		{"announce imminent", 4, 0.2},
		{"urgent", 12, 0.5},
		{"active", 25, 1},
		{"normal", 50, 2},
		{"relaxed", 100, 3},
		{"idle", 600, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.states = map[string]*TorrentState{"h": mk(tt.timeLeft, PhaseSteady)}
			assert.Equal(t, tt.want, svc.SuggestedInterval())
		})
	}

	// Idle torrents do not drive the tick rate.
	svc.states = map[string]*TorrentState{"h": mk(4, PhaseIdle)}
	assert.Equal(t, IntervalMax, svc.SuggestedInterval())
}

func TestClearLimits(t *testing.T) {
	ctx := context.Background()
	now := 1_700_000_000.0

	fc := newFakeClient(seedingTorrent("cccc", now))
	svc := setupLimiterService(t, fc, true, 1024*1024)
	svc.now = func() float64 { return now }

	_, err := svc.ApplyLimits(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.ClearLimits(ctx))
	assert.Equal(t, int64(0), fc.uploadLimits["cccc"])

	svc.mu.Lock()
	assert.Empty(t, svc.states)
	svc.mu.Unlock()

	// The wiped state was persisted too.
	raw, err := models.NewSettingsStore(svc.db).Get(ctx, models.SettingSpeedLimiterState)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", raw)
}

func TestPrefetchAnnounceInfoOverlapsFetches(t *testing.T) {
	now := 1_700_000_000.0
	fc := newFakeClient()
	fc.announceHold = make(chan struct{})
	fc.announceNext = map[string]float64{"aaaa": now + 600, "bbbb": now + 900}
	fc.announceErr = map[string]error{"cccc": fmt.Errorf("tracker timeout")}

	svc := NewService(Config{DB: testdb.Open(t)})
	torrents := []*downloader.Torrent{{Hash: "aaaa"}, {Hash: "bbbb"}, {Hash: "cccc"}}

	done := make(chan map[string]announceHint, 1)
	go func() {
		done <- svc.prefetchAnnounceInfo(context.Background(), fc, torrents)
	}()

	// All three fetches must be in flight before any is released; a
	// serialized pass would park on the first one forever.
	require.Eventually(t, func() bool { return fc.announceCalls.Load() == 3 },
		time.Second, time.Millisecond, "announce fetches did not overlap")
	close(fc.announceHold)

	hints := <-done
	require.Len(t, hints, 2)
	assert.Equal(t, now+600, hints["aaaa"].next)
	assert.Equal(t, now+900, hints["bbbb"].next)
	assert.NotContains(t, hints, "cccc")
}

func TestAnnounceOptimizerReleasesWaitOnSpeedDrop(t *testing.T) {
	now := 1_700_000_000.0
	fc := newFakeClient()
	svc := NewService(Config{DB: testdb.Open(t)})
	svc.now = func() float64 { return now }

	st := NewTorrentState("eeee", "some torrent", "tracker.example.org")
	st.WaitingForReannounce = true
	st.CurrentUploadLimitKB = optimizeWaitLimitKB
	st.CycleStartTime = now - 60
	st.Kalman.Speed = 100 * 1024 // well under the wait cap

	torrent := &downloader.Torrent{Hash: "eeee", Name: "some torrent", Status: "downloading"}
	svc.applyAnnounceOptimizer(context.Background(), fc, torrent, st, now)

	assert.Equal(t, []string{"eeee"}, fc.reannounced)
	assert.False(t, st.WaitingForReannounce)
	assert.Equal(t, int64(0), fc.uploadLimits["eeee"])
	assert.Equal(t, int64(-1), st.CurrentUploadLimitKB)
	assert.Equal(t, now, st.LastForceReannounce)

	// A recent forced announce paces the next release out.
	st.WaitingForReannounce = true
	svc.applyAnnounceOptimizer(context.Background(), fc, torrent, st, now+60)
	assert.Len(t, fc.reannounced, 1)
	assert.True(t, st.WaitingForReannounce)
}

func TestStatusSnapshot(t *testing.T) {
	now := 1_700_000_000.0
	svc := NewService(Config{DB: testdb.Open(t)})
	svc.now = func() float64 { return now }

	s := NewTorrentState("dddd", "some name", "tracker.example.org")
	s.Phase = PhaseSteady
	s.CurrentLimit = 512 * 1024
	s.CycleSynced = true
	s.CycleInterval = 1800
	s.CachedTL = 100
	s.CacheTS = now
	svc.states = map[string]*TorrentState{"dddd": s}

	status := svc.Status()
	require.Contains(t, status, "dddd")
	got := status["dddd"]
	assert.Equal(t, "some name", got.Name)
	assert.Equal(t, PhaseSteady, got.Phase)
	assert.Equal(t, int64(512*1024), got.Limit)
	assert.InDelta(t, 100, got.TimeLeft, 0.001)
}
