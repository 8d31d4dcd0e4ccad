// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"sort"

	"github.com/rs/zerolog/log"
)

const intervalSampleCap = 5

// progressPoint is one (uploaded, done, time) observation used by the
// announce optimizer. Not persisted; it rebuilds within minutes.
type progressPoint struct {
	uploaded int64
	done     int64
	t        float64
}

// TorrentState is the full control state for one torrent. It is
// persisted as JSON between runs so controllers survive restarts
// mid-cycle.
type TorrentState struct {
	Hash    string `json:"hash"`
	Name    string `json:"name"`
	Tracker string `json:"tracker"`

	TimeAdded   float64 `json:"time_added"`
	TotalSize   int64   `json:"total_size"`
	PublishTime float64 `json:"publish_time,omitempty"`
	SeedingTime int64   `json:"seeding_time"`

	TotalUploaded      int64 `json:"total_uploaded"`
	LastRecordUploaded int64 `json:"last_record_uploaded"`
	LastRecordDownload int64 `json:"last_record_downloaded"`

	CycleStartUploaded int64   `json:"cycle_start_uploaded"`
	CycleSynced        bool    `json:"cycle_synced"`
	CycleInterval      float64 `json:"cycle_interval"`
	LastJump           float64 `json:"last_jump"`
	CycleStartTime     float64 `json:"cycle_start_time"`

	LastAnnounceTime     float64 `json:"last_announce_time,omitempty"`
	LastReannounce       float64 `json:"last_reannounce"`
	LastForceReannounce  float64 `json:"last_force_reannounce"`
	ReannouncedThisCycle bool    `json:"reannounced_this_cycle"`
	NextAnnounceTime     float64 `json:"next_announce_time,omitempty"`
	AnnounceIntervalSec  int     `json:"announce_interval,omitempty"`

	// Countdown reliability tracking. Some client builds report a
	// next-announce countdown that jumps around; once distrusted the
	// service derives the cycle from the site's peer list instead.
	NextAnnounceIsTrue   bool    `json:"next_announce_is_true"`
	LastNextRemaining    float64 `json:"last_next_remaining,omitempty"`
	LastNextUpdateTime   float64 `json:"last_next_update_time"`
	NextJumpSuspectCount int     `json:"next_jump_suspect_count"`

	// Cached countdown: remaining seconds observed at CacheTS. TimeLeft
	// extrapolates from here when no announce timestamp is known.
	CachedTL float64 `json:"cached_tl"`
	CacheTS  float64 `json:"cache_ts"`
	PrevTL   float64 `json:"prev_tl"`

	JumpCount       int       `json:"jump_count"`
	CycleIndex      int       `json:"cycle_index"`
	IntervalSamples []float64 `json:"interval_samples,omitempty"`

	PID       PID              `json:"pid_state"`
	Kalman    Kalman           `json:"kalman_state"`
	Speeds    SpeedTracker     `json:"tracker_state"`
	Precision PrecisionTracker `json:"precision_tracker"`
	Smoother  Smoother         `json:"smoother_state"`

	CurrentLimit int64  `json:"current_limit"`
	Phase        string `json:"phase"`

	CycleTargetUpload   float64 `json:"cycle_target_upload"`
	CycleCurrentUpload  float64 `json:"cycle_current_upload"`
	CycleProgress       float64 `json:"cycle_progress"`
	CycleTimeProgress   float64 `json:"cycle_time_progress"`
	CycleAvgSpeed       float64 `json:"cycle_avg_speed"`
	EstimatedCompletion float64 `json:"estimated_completion"`

	// Download-brake bookkeeping, KB/s where noted. -1 means unlimited.
	CurrentDownloadLimit int64 `json:"current_download_limit"`
	CurrentUploadLimitKB int64 `json:"current_upload_limit"`

	TotalDone        int64   `json:"total_done"`
	TotalSizeTorrent int64   `json:"total_size_torrent"`
	DownloadSpeed    float64 `json:"-"`
	ETA              int     `json:"-"`

	WaitingForReannounce bool `json:"waiting_for_reannounce"`

	detailProgress []progressPoint
}

// NewTorrentState seeds state for a torrent first seen now.
func NewTorrentState(hash, name, tracker string) *TorrentState {
	return &TorrentState{
		Hash:      hash,
		Name:      name,
		Tracker:   tracker,
		Kalman:    NewKalman(),
		Precision: NewPrecisionTracker(),
		Phase:     PhaseWarmup,
	}
}

// TimeLeft returns seconds until the next announce. Preference order:
// a known last announce plus interval, then the cached countdown.
// 9999 signals "unknown".
func (s *TorrentState) TimeLeft(now float64) float64 {
	if s.LastAnnounceTime > 0 {
		next := s.LastAnnounceTime + float64(s.AnnounceInterval(now))
		if next <= now {
			return 0
		}
		return next - now
	}

	if s.CacheTS <= 0 {
		return 9999
	}

	left := s.CachedTL - (now - s.CacheTS)
	if left < 0 {
		return 0
	}
	return left
}

// ThisTime is the elapsed seconds in the current cycle.
func (s *TorrentState) ThisTime(now float64) float64 {
	if s.CycleStartTime <= 0 {
		return 0
	}
	if now < s.CycleStartTime {
		return 0
	}
	return now - s.CycleStartTime
}

// AnnounceInterval resolves the cycle length: a synced measured
// interval wins, then a client-reported one, then an age estimate.
func (s *TorrentState) AnnounceInterval(now float64) int {
	if s.CycleSynced && s.CycleInterval > 0 {
		return int(s.CycleInterval)
	}
	if s.AnnounceIntervalSec > 0 {
		return s.AnnounceIntervalSec
	}
	if s.PublishTime > 0 {
		return EstimateAnnounceInterval(s.PublishTime, 300, s.SeedingTime, true, now)
	}
	return EstimateAnnounceInterval(s.TimeAdded, 300, s.SeedingTime, false, now)
}

// SyncCycle folds a fresh observation of (total uploaded, next
// announce, interval) into the cycle model. A sudden increase of the
// remaining countdown marks a cycle boundary: the tracker accepted an
// announce and reset the clock.
func (s *TorrentState) SyncCycle(totalUploaded int64, now float64, nextAnnounce float64, interval int) {
	s.TotalUploaded = totalUploaded

	// Client intervals below 300s are min-announce floors, not cycles.
	if interval >= 300 {
		s.AnnounceIntervalSec = interval
		if !s.CycleSynced || s.CycleInterval <= 0 {
			s.CycleInterval = float64(interval)
			s.CycleSynced = true
		}
	}

	if nextAnnounce > 0 {
		var remaining float64
		// Values above ~1e9 are unix timestamps, below are countdowns.
		if nextAnnounce < 1_000_000_000 {
			remaining = nextAnnounce
			s.NextAnnounceTime = now + remaining
		} else {
			s.NextAnnounceTime = nextAnnounce
			remaining = nextAnnounce - now
		}
		if remaining > 0 && remaining < maxReannounce {
			s.CachedTL = remaining
			s.CacheTS = now
		}
	}

	var tlProp float64 = -1
	if s.CacheTS > 0 {
		tlProp = s.CachedTL - (now - s.CacheTS)
		if tlProp < 0 {
			tlProp = 0
		}
	}

	isJump := tlProp >= 0 && s.PrevTL > 0 && tlProp > s.PrevTL+30

	if s.CycleStartTime <= 0 {
		s.startNewCycle(totalUploaded, now, tlProp, false)
	} else if isJump {
		s.startNewCycle(totalUploaded, now, tlProp, true)
	}

	if tlProp >= 0 {
		s.PrevTL = tlProp
	}
}

func (s *TorrentState) startNewCycle(totalUploaded int64, now, tl float64, isJump bool) {
	if isJump && s.CycleTargetUpload > 0 && s.CycleCurrentUpload > 0 {
		s.Precision.Record(s.CycleCurrentUpload, s.CycleTargetUpload)
		log.Info().
			Str("torrent", s.Name).
			Float64("progress", s.CycleProgress).
			Float64("precision_rate", s.Precision.PrecisionRate()).
			Float64("correction", s.Precision.Correction()).
			Msg("announce cycle rolled over")
	}

	announceInterval := s.AnnounceInterval(now)

	if isJump {
		// Jump-to-jump spacing is the ground truth for the real cycle
		// length; the median of recent samples tolerates outliers and
		// trackers that vary the interval.
		if s.LastJump > 0 {
			measured := now - s.LastJump
			if measured >= 300 && measured <= maxReannounce && now-s.LastForceReannounce > 120 {
				s.IntervalSamples = append(s.IntervalSamples, measured)
				if len(s.IntervalSamples) > intervalSampleCap {
					s.IntervalSamples = s.IntervalSamples[len(s.IntervalSamples)-intervalSampleCap:]
				}
				if len(s.IntervalSamples) >= 2 {
					sorted := append([]float64(nil), s.IntervalSamples...)
					sort.Float64s(sorted)
					s.CycleInterval = sorted[len(sorted)/2]
					s.CycleSynced = true
				}
			}
		}

		s.LastJump = now
		s.JumpCount++
		s.CycleIndex++

		s.CycleStartUploaded = totalUploaded
		s.CycleStartTime = now
		s.LastAnnounceTime = now
	} else {
		// First sight: reconstruct where in the cycle we are from the
		// countdown so the budget math does not assume a fresh cycle.
		tlVal := tl
		if tlVal < 0 {
			tlVal = float64(announceInterval)
		}

		var elapsedInCycle float64
		if announceInterval > 0 && tlVal > 0 && tlVal < float64(announceInterval) {
			elapsedInCycle = float64(announceInterval) - tlVal
		}

		if elapsedInCycle > 0 {
			s.CycleStartTime = now - elapsedInCycle
		} else {
			s.CycleStartTime = now
		}

		if s.TimeAdded > 0 && now-s.TimeAdded < float64(announceInterval) {
			// Torrent younger than one cycle: everything uploaded so far
			// belongs to this cycle.
			s.CycleStartUploaded = 0
		} else if elapsedInCycle > 60 && s.Kalman.Speed > 0 {
			estimated := totalUploaded - int64(s.Kalman.Speed*elapsedInCycle)
			if estimated < 0 {
				estimated = 0
			}
			s.CycleStartUploaded = estimated
		} else {
			s.CycleStartUploaded = totalUploaded
		}
	}

	s.ReannouncedThisCycle = false
	s.WaitingForReannounce = false

	s.CycleCurrentUpload = 0
	s.CycleProgress = 0
	s.CycleTimeProgress = 0
	s.CycleAvgSpeed = 0
	s.EstimatedCompletion = 0

	s.Smoother.Reset()
}

// UpdateCycleProgress refreshes the derived progress fields used by the
// controller and the status view.
func (s *TorrentState) UpdateCycleProgress(now, targetSpeed, safetyMargin float64) {
	interval := s.AnnounceInterval(now)

	timeLeft := s.TimeLeft(now)
	if interval > 0 && (timeLeft < 0 || timeLeft > float64(interval)) {
		timeLeft = clampFloat(timeLeft, 0, float64(interval))
	}

	if s.CycleStartTime <= 0 {
		if interval > 0 && timeLeft > 0 && timeLeft < float64(interval) {
			s.CycleStartTime = now - (float64(interval) - timeLeft)
		} else {
			s.CycleStartTime = now
		}
		if s.CycleStartUploaded <= 0 {
			s.CycleStartUploaded = s.TotalUploaded
		}
	}

	thisTime := now - s.CycleStartTime
	if thisTime < 0 {
		thisTime = 0
	}

	if interval > 0 {
		s.CycleTimeProgress = clampFloat(thisTime/float64(interval), 0, 1)
	} else {
		s.CycleTimeProgress = 0
	}

	current := s.TotalUploaded - s.CycleStartUploaded
	if current < 0 {
		current = 0
	}
	s.CycleCurrentUpload = float64(current)

	s.CycleTargetUpload = targetSpeed * float64(interval) * (1 - safetyMargin)

	if s.CycleTargetUpload > 0 {
		s.CycleProgress = s.CycleCurrentUpload / s.CycleTargetUpload
	} else {
		s.CycleProgress = 0
	}

	if thisTime > 0 {
		s.CycleAvgSpeed = s.CycleCurrentUpload / thisTime
	} else if s.Kalman.Speed > 0 {
		s.CycleAvgSpeed = s.Kalman.Speed
	} else {
		s.CycleAvgSpeed = 0
	}

	if timeLeft > 0 && s.Kalman.Speed > 0 {
		predicted := s.Kalman.PredictUpload(timeLeft)
		totalExpected := s.CycleCurrentUpload + predicted
		if s.CycleTargetUpload > 0 {
			s.EstimatedCompletion = totalExpected / s.CycleTargetUpload
		} else {
			s.EstimatedCompletion = 1.0
		}
	} else {
		s.EstimatedCompletion = s.CycleProgress
	}
}

// RecordProgress appends a progress observation for the announce
// optimizer, bounded to its window.
func (s *TorrentState) RecordProgress(uploaded, done int64, now float64) {
	s.detailProgress = append(s.detailProgress, progressPoint{uploaded: uploaded, done: done, t: now})
	if len(s.detailProgress) > optimizeDequeLength {
		s.detailProgress = s.detailProgress[len(s.detailProgress)-optimizeDequeLength:]
	}
}

// ResetCycle rebases the cycle on the current totals without touching
// the learned interval.
func (s *TorrentState) ResetCycle() {
	s.CycleStartUploaded = s.TotalUploaded
	s.ReannouncedThisCycle = false
	s.WaitingForReannounce = false
}
