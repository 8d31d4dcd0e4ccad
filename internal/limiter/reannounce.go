// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

// shouldReannounce decides whether forcing an announce now beats
// waiting for the natural cycle end. Two wins exist: the torrent is
// predicted to overshoot and announcing early locks the gain in, or
// the cycle is nearly over with the target already met.
func shouldReannounce(s *TorrentState, totalUploaded int64, targetSpeed, now float64) (bool, string) {
	if s.LastReannounce > 0 && now-s.LastReannounce < reannounceMinInterval {
		return false, ""
	}
	if s.ReannouncedThisCycle {
		return false, ""
	}

	timeLeft := s.TimeLeft(now)
	if timeLeft <= 0 || timeLeft > steadyTime {
		return false, ""
	}

	cycleUploaded := float64(totalUploaded - s.CycleStartUploaded)

	predicted := s.Kalman.PredictUpload(timeLeft)
	expectedTotal := cycleUploaded + predicted

	announceInterval := s.AnnounceInterval(now)
	targetUpload := targetSpeed * float64(announceInterval)

	if expectedTotal > targetUpload*1.05 {
		avgSpeed := s.Kalman.Speed
		if avgSpeed > 0 {
			perfectTime := (targetUpload - cycleUploaded) / avgSpeed
			if perfectTime < timeLeft*0.5 {
				return true, "predicted overshoot"
			}
		}
	}

	if timeLeft < 60 && cycleUploaded > targetUpload*0.9 {
		return true, "cycle end with target met"
	}

	return false, ""
}

// checkWaitingReannounce reports whether a torrent parked behind the
// optimizer's wait limit has slowed down enough to announce.
func checkWaitingReannounce(s *TorrentState) (bool, string) {
	if !s.WaitingForReannounce {
		return false, ""
	}
	if s.Kalman.Speed < reannounceWaitLimitKB*1024 {
		return true, "speed dropped below wait limit"
	}
	return false, ""
}
