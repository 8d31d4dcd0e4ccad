// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateAnnounceInterval(t *testing.T) {
	now := 1_700_000_000.0

	tests := []struct {
		name        string
		timeRef     float64
		seedingTime int64
		isPublish   bool
		want        int
	}{
		{"fresh torrent", now - 3600, 0, true, 1800},
		{"week old", now - 10*86400, 0, true, 2700},
		{"month old", now - 60*86400, 0, true, 3600},
		{"future publish time falls back to added age", now + 3600, 0, true, 1800},
		{"long seeding time overrides young added time", now - 3600, 40 * 86400, false, 3600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateAnnounceInterval(tt.timeRef, 300, tt.seedingTime, tt.isPublish, now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEstimateAnnounceIntervalRespectsMinInterval(t *testing.T) {
	now := 1_700_000_000.0
	got := EstimateAnnounceInterval(now-3600, 2400, 0, true, now)
	assert.Equal(t, 2400, got)
}

func TestPhaseFor(t *testing.T) {
	assert.Equal(t, PhaseIdle, phaseFor(100, true, false))
	assert.Equal(t, PhaseWarmup, phaseFor(100, false, true))
	assert.Equal(t, PhaseFinish, phaseFor(20, true, true))
	assert.Equal(t, PhaseSteady, phaseFor(100, true, true))
	assert.Equal(t, PhaseCatch, phaseFor(500, true, true))
}

func TestTimeLeftPrefersLastAnnounce(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	s.LastAnnounceTime = 1000
	s.CycleInterval = 1800
	s.CycleSynced = true

	assert.InDelta(t, 1300, s.TimeLeft(1500), 0.001)
	assert.Zero(t, s.TimeLeft(3000))
}

func TestTimeLeftFallsBackToCachedCountdown(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	s.CachedTL = 600
	s.CacheTS = 1000

	assert.InDelta(t, 500, s.TimeLeft(1100), 0.001)
	assert.Zero(t, s.TimeLeft(2000))
}

func TestTimeLeftUnknown(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	assert.Equal(t, 9999.0, s.TimeLeft(1000))
}

func TestSyncCycleRejectsMinAnnounceFloor(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	s.SyncCycle(0, 1000, 0, 120) // below 300s: a min-announce floor, not a cycle
	assert.False(t, s.CycleSynced)
	assert.Zero(t, s.AnnounceIntervalSec)

	s.SyncCycle(0, 1001, 0, 1800)
	assert.True(t, s.CycleSynced)
	assert.Equal(t, 1800, s.AnnounceIntervalSec)
	assert.Equal(t, 1800.0, s.CycleInterval)
}

func TestSyncCycleCachesCountdown(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	now := 1_700_000_000.0

	// Relative countdown.
	s.SyncCycle(0, now, 600, 1800)
	assert.Equal(t, 600.0, s.CachedTL)
	assert.Equal(t, now, s.CacheTS)
	assert.Equal(t, now+600, s.NextAnnounceTime)

	// Absolute timestamp.
	s2 := NewTorrentState("h2", "n", "tracker.example")
	s2.SyncCycle(0, now, now+900, 1800)
	assert.Equal(t, 900.0, s2.CachedTL)
	assert.Equal(t, now+900, s2.NextAnnounceTime)
}

func TestSyncCycleDetectsJump(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	now := 1_700_000_000.0

	s.SyncCycle(1000, now, 100, 1800)
	assert.Greater(t, s.CycleStartTime, 0.0) // initialized, no jump yet
	assert.Zero(t, s.JumpCount)

	// Countdown falls normally: no jump.
	s.SyncCycle(2000, now+50, 50, 1800)
	assert.Zero(t, s.JumpCount)

	// Countdown springs back to a full cycle: announce happened.
	s.SyncCycle(3000, now+100, 1800, 1800)
	assert.Equal(t, 1, s.JumpCount)
	assert.Equal(t, int64(3000), s.CycleStartUploaded)
	assert.Equal(t, now+100, s.CycleStartTime)
	assert.Equal(t, now+100, s.LastAnnounceTime)
}

func TestSyncCycleMeasuresIntervalFromJumps(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	now := 1_700_000_000.0

	s.SyncCycle(0, now, 100, 0)
	// Three jumps spaced 1500s apart.
	for i := 1; i <= 3; i++ {
		jumpAt := now + float64(i)*1500
		s.SyncCycle(int64(i)*1000, jumpAt-10, 10, 0)
		s.SyncCycle(int64(i)*1000, jumpAt, 1500, 0)
	}

	assert.True(t, s.CycleSynced)
	assert.Equal(t, 1500.0, s.CycleInterval)
	assert.GreaterOrEqual(t, len(s.IntervalSamples), 2)
}

func TestStartNewCycleFirstSightReconstructsElapsed(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	now := 1_700_000_000.0
	s.TimeAdded = now - 10*86400 // old torrent
	s.AnnounceIntervalSec = 1800

	// 600s left of an 1800s cycle: 1200s already elapsed.
	s.SyncCycle(50_000_000, now, 600, 1800)
	assert.InDelta(t, now-1200, s.CycleStartTime, 0.001)
}

func TestStartNewCycleYoungTorrentStartsFromZero(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	now := 1_700_000_000.0
	s.TimeAdded = now - 300 // younger than one cycle

	s.SyncCycle(5_000_000, now, 600, 1800)
	assert.Zero(t, s.CycleStartUploaded)
}

func TestUpdateCycleProgress(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	now := 1_700_000_000.0
	s.CycleSynced = true
	s.CycleInterval = 1800
	s.CycleStartTime = now - 900
	s.CycleStartUploaded = 0
	s.TotalUploaded = 450 * 1024 * 1024
	s.CachedTL = 900
	s.CacheTS = now

	// Target 1 MiB/s, no margin: target volume 1800 MiB, uploaded 450 MiB.
	s.UpdateCycleProgress(now, 1024*1024, 0)

	assert.InDelta(t, 0.5, s.CycleTimeProgress, 0.001)
	assert.InDelta(t, 0.25, s.CycleProgress, 0.001)
	assert.InDelta(t, 512*1024, s.CycleAvgSpeed, 1)
}

func TestStateJSONRoundTrip(t *testing.T) {
	s := NewTorrentState("abcdef", "some torrent", "tracker.example")
	s.CycleSynced = true
	s.CycleInterval = 1800
	s.TotalUploaded = 123456
	s.Kalman.Update(1_000_000, 100)
	s.Speeds.Record(100, 1_000_000)
	s.Precision.Record(1000, 1000)
	s.PID.SetPhase(PhaseSteady)
	s.PID.Update(1000, 500, 100)

	blob, err := json.Marshal(map[string]*TorrentState{"abcdef": s})
	require.NoError(t, err)

	restored := make(map[string]*TorrentState)
	require.NoError(t, json.Unmarshal(blob, &restored))

	got := restored["abcdef"]
	require.NotNil(t, got)
	assert.Equal(t, s.CycleInterval, got.CycleInterval)
	assert.Equal(t, s.TotalUploaded, got.TotalUploaded)
	assert.Equal(t, s.Kalman.Speed, got.Kalman.Speed)
	assert.Len(t, got.Speeds.Samples, 1)
	assert.Equal(t, s.Precision.TotalCycles, got.Precision.TotalCycles)
	assert.True(t, got.PID.Initialized)
}

func TestCheckWaitingReannounce(t *testing.T) {
	s := NewTorrentState("h", "n", "tracker.example")
	ok, _ := checkWaitingReannounce(s)
	assert.False(t, ok)

	s.WaitingForReannounce = true
	s.Kalman.Speed = 100 * 1024 * 1024
	ok, _ = checkWaitingReannounce(s)
	assert.False(t, ok)

	s.Kalman.Speed = 1024
	ok, reason := checkWaitingReannounce(s)
	assert.True(t, ok)
	assert.NotEmpty(t, reason)
}
