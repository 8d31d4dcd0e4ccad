// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package limiter implements the per-torrent announce-cycle upload
// controller. Each torrent carries a TorrentState whose PID, Kalman
// filter and speed windows steer the upload limit so the cycle average
// lands on the configured target right when the tracker announce fires.
package limiter

// Cycle phases, ordered by urgency.
const (
	PhaseWarmup = "warmup"
	PhaseCatch  = "catch"
	PhaseSteady = "steady"
	PhaseFinish = "finish"
	PhaseIdle   = "idle"
)

// Phase time thresholds in seconds of cycle time left.
const (
	warmupTime = 60
	finishTime = 30
	steadyTime = 120
)

// Speed-burst protection near cycle completion.
const (
	speedProtectRatio = 2.5
	speedProtectLimit = 1.3
	progressProtect   = 0.90
)

// minLimit is the smallest limit ever applied, in bytes/s. Anything
// below this would stall the client's upload slots entirely.
const minLimit = 4096

// Announce interval estimates by torrent age (seconds).
const (
	announceIntervalNew  = 1800
	announceIntervalWeek = 2700
	announceIntervalOld  = 3600

	// maxReannounce caps how far in the future a next-announce value can
	// plausibly be. Anything beyond a day is garbage.
	maxReannounce = 86400
)

// Forced reannounce pacing.
const (
	reannounceWaitLimitKB  = 5120 // upload cap while waiting for a forced announce, KB/s
	reannounceMinInterval  = 900  // seconds between forced announces
	forcedReannounceJitter = 900  // countdown offset a forced announce typically produces
)

// Download brake: keep the per-cycle average upload under this ceiling
// by stretching the download when completion would land too early.
const (
	maxAvgUploadSpeed       = 52428800 // 50 MiB/s
	downloadLimitMinTime    = 2
	downloadLimitETAFactor  = 2
	downloadLimitAdjustUp   = 1.5
	downloadLimitAdjustDown = 1.5
	downloadLimitMaxKB      = 512000
)

// Announce-time optimizer.
const (
	optimizeDequeLength = 60
	optimizeMinThisTime = 30
	optimizeWaitLimitKB = 5120
)

// Kalman filter noise parameters.
const (
	kalmanQSpeed = 0.1
	kalmanQAccel = 0.05
	kalmanR      = 0.5
)

// speedWindows are the averaging windows in seconds.
var speedWindows = [4]int{5, 15, 30, 60}

var windowWeights = map[string]map[int]float64{
	PhaseWarmup: {5: 0.5, 15: 0.3, 30: 0.15, 60: 0.05},
	PhaseCatch:  {5: 0.4, 15: 0.35, 30: 0.2, 60: 0.05},
	PhaseSteady: {5: 0.3, 15: 0.35, 30: 0.25, 60: 0.1},
	PhaseFinish: {5: 0.5, 15: 0.3, 30: 0.15, 60: 0.05},
	PhaseIdle:   {5: 0.5, 15: 0.3, 30: 0.15, 60: 0.05},
}

type pidParams struct {
	kp, ki, kd float64
	headroom   float64
}

var phasePID = map[string]pidParams{
	PhaseWarmup: {0.3, 0.05, 0.02, 1.03},
	PhaseCatch:  {0.5, 0.08, 0.04, 1.02},
	PhaseSteady: {0.7, 0.10, 0.05, 1.005},
	PhaseFinish: {0.8, 0.15, 0.08, 1.002},
	PhaseIdle:   {0.3, 0.05, 0.02, 1.03},
}

var quantSteps = map[string]int64{
	PhaseWarmup: 4096,
	PhaseCatch:  3072,
	PhaseSteady: 2048,
	PhaseFinish: 256,
	PhaseIdle:   8192,
}

// Trigger tuning: the limiter only engages once letting the torrent run
// free for a short buffer plus a conservative floor speed would blow
// the cycle budget.
const (
	limitTriggerBufferSec    = 10.0
	limitTriggerFloorRatio   = 0.12
	limitTriggerFloorRateMin = 0.05
	limitTriggerFloorRateMax = 0.20
)

// Dynamic scheduler intervals (seconds) keyed by the smallest time left
// across active torrents.
const (
	intervalCritical = 0.2
	intervalUrgent   = 0.5
	intervalActive   = 1.0
	intervalNormal   = 2.0
	intervalRelaxed  = 3.0
	intervalIdle     = 5.0

	IntervalMin = 0.2
	IntervalMax = 5.0
)

func safeDiv(a, b, def float64) float64 {
	if b == 0 || (b < 1e-10 && b > -1e-10) {
		return def
	}
	return a / b
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EstimateAnnounceInterval guesses the tracker cycle from torrent age.
// Age resolution order: publish time when trustworthy, then seeding
// time, then the added timestamp. Private trackers near-universally run
// 30 minute cycles for fresh torrents and stretch them as the torrent
// ages.
func EstimateAnnounceInterval(timeRef float64, minInterval int, seedingTime int64, isPublishTime bool, now float64) int {
	if minInterval <= 0 {
		minInterval = 300
	}

	var age float64
	usePublish := isPublishTime && timeRef > 0 && timeRef <= now+60
	switch {
	case usePublish:
		age = now - timeRef
	case seedingTime > 0:
		age = float64(seedingTime)
	default:
		age = now - timeRef
	}

	switch {
	case age < 7*86400:
		return maxInt(announceIntervalNew, minInterval)
	case age < 30*86400:
		return maxInt(announceIntervalWeek, minInterval)
	default:
		return maxInt(announceIntervalOld, minInterval)
	}
}

// phaseFor maps time left in the cycle to a control phase.
func phaseFor(timeLeft float64, synced, needsLimiting bool) string {
	if !needsLimiting {
		return PhaseIdle
	}
	if !synced {
		return PhaseWarmup
	}
	if timeLeft <= finishTime {
		return PhaseFinish
	}
	if timeLeft <= steadyTime {
		return PhaseSteady
	}
	return PhaseCatch
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
