// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import "fmt"

// optimizeDecision is the announce-time optimizer's verdict for one
// torrent. When Act is set, WaitLimitKB > 0 means throttle the upload
// and wait; WaitLimitKB == 0 means force an announce now.
type optimizeDecision struct {
	Act         bool
	WaitLimitKB int64
	Reason      string
}

// shouldOptimize searches for the announce time that maximizes total
// upload before a downloading torrent completes. The model: upload runs
// pinned at the cycle ceiling, so the last pre-completion announce
// wants to land where the remaining download time is spent entirely at
// ceiling speed.
func shouldOptimize(s *TorrentState, thisTime float64, thisUp int64, announceInterval int, now float64) optimizeDecision {
	if thisTime < optimizeMinThisTime {
		return optimizeDecision{}
	}

	if s.WaitingForReannounce {
		if float64(thisUp)/thisTime < maxAvgUploadSpeed && thisTime >= reannounceMinInterval {
			return optimizeDecision{Act: true, Reason: "wait complete, forcing announce"}
		}
		return optimizeDecision{}
	}

	if len(s.detailProgress) < optimizeDequeLength {
		return optimizeDecision{}
	}

	first := s.detailProgress[0]
	last := s.detailProgress[len(s.detailProgress)-1]
	timeSpan := last.t - first.t
	if timeSpan <= 0 {
		return optimizeDecision{}
	}

	avgUploadSpeed := float64(last.uploaded-first.uploaded) / timeSpan
	avgDownloadSpeed := float64(last.done-first.done) / timeSpan

	if avgUploadSpeed <= maxAvgUploadSpeed || avgDownloadSpeed <= 0 {
		return optimizeDecision{}
	}

	remaining := s.TotalSizeTorrent - s.TotalDone
	if remaining <= 0 {
		return optimizeDecision{}
	}

	completeTime := float64(remaining)/avgDownloadSpeed + now
	perfectTime := completeTime - float64(announceInterval)*maxAvgUploadSpeed/avgUploadSpeed

	// Earliest moment a forced announce would not report an over-ceiling
	// average, assuming upload continues near ceiling meanwhile.
	var earliest float64
	if float64(thisUp)/thisTime > maxAvgUploadSpeed {
		earliest = (float64(thisUp)-maxAvgUploadSpeed*thisTime)/(45*1024*1024) + now
	} else {
		earliest = now
	}

	cycleStart := now - thisTime
	if earliest-cycleStart < reannounceMinInterval {
		return optimizeDecision{}
	}

	if earliest > perfectTime {
		if now >= earliest {
			if (float64(thisUp)+avgUploadSpeed*20)/thisTime > maxAvgUploadSpeed {
				return optimizeDecision{Act: true, Reason: "earliest safe announce reached"}
			}
			return optimizeDecision{}
		}

		if earliest < perfectTime+60 {
			return optimizeDecision{Act: true, WaitLimitKB: optimizeWaitLimitKB,
				Reason: "throttling toward forced announce"}
		}

		// Compare total upload of forcing at the earliest moment vs the
		// natural announce schedule.
		nextAnnounce := s.TimeLeft(now)
		eta1 := completeTime - earliest
		if eta1 < 120 {
			return optimizeDecision{}
		}

		earliestUp := (earliest-now+thisTime)*maxAvgUploadSpeed + eta1*avgUploadSpeed
		defaultUp := float64(announceInterval) * maxAvgUploadSpeed
		eta2 := completeTime - (now + nextAnnounce)
		if eta2 > 0 {
			defaultUp += eta2 * avgUploadSpeed
		}

		if earliestUp > defaultUp {
			return optimizeDecision{Act: true, WaitLimitKB: optimizeWaitLimitKB,
				Reason: fmt.Sprintf("forced announce gains %.1f MiB over default %.1f MiB",
					earliestUp/1024/1024, defaultUp/1024/1024)}
		}
	}

	return optimizeDecision{}
}
