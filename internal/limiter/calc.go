// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

// calculateLimit runs one controller step for a torrent and returns the
// raw upload limit in bytes/s. Zero means unlimited, matching client
// API convention. The budget model: over the whole cycle the torrent
// may upload adjusted_target * cycle_time bytes; the limiter only
// engages once running free would blow that budget.
func calculateLimit(s *TorrentState, currentSpeed, targetSpeed, now, safetyMargin float64, isDownloading bool, etaSeconds int) int64 {
	if safetyMargin < 0 {
		safetyMargin = 0
	}
	baseTarget := targetSpeed * (1 - safetyMargin)
	if baseTarget <= 0 {
		s.Phase = PhaseIdle
		return 0
	}

	filteredSpeed, _ := s.Kalman.Update(currentSpeed, now)
	s.Speeds.Record(now, currentSpeed)

	s.UpdateCycleProgress(now, targetSpeed, safetyMargin)

	timeLeft := s.TimeLeft(now)
	if timeLeft <= 2 || timeLeft > 1e4 {
		if s.CycleSynced {
			s.Phase = PhaseIdle
		} else {
			s.Phase = PhaseWarmup
		}
		return 0
	}

	phaseProbe := phaseFor(timeLeft, s.CycleSynced, true)
	trackedSpeed := s.Speeds.WeightedAvg(now, phaseProbe)
	if trackedSpeed <= 0 {
		if filteredSpeed > 0 {
			trackedSpeed = filteredSpeed
		} else {
			trackedSpeed = currentSpeed
		}
	}

	var elapsed float64
	if s.CycleStartTime > 0 && now > s.CycleStartTime {
		elapsed = now - s.CycleStartTime
	}
	totalTime := elapsed + timeLeft
	if totalTime < 1 {
		totalTime = 1
	}

	adjustedTarget := baseTarget * s.Precision.Correction()
	if adjustedTarget < 1 {
		adjustedTarget = 1
	}

	targetTotal := adjustedTarget * totalTime
	uploaded := float64(s.TotalUploaded - s.CycleStartUploaded)
	if uploaded < 0 {
		uploaded = 0
	}
	progress := safeDiv(uploaded, targetTotal, 0)

	predictedTotal := uploaded + s.Kalman.PredictUpload(timeLeft)
	predictedRatio := safeDiv(predictedTotal, targetTotal, 1)

	// Budget trigger: let bursts through until a short reaction buffer
	// at current speed plus a conservative floor for the remainder
	// would overshoot.
	floorRatio := clampFloat(limitTriggerFloorRatio, limitTriggerFloorRateMin, limitTriggerFloorRateMax)
	floorSpeed := adjustedTarget * floorRatio
	if floorSpeed < 0 {
		floorSpeed = 0
	}

	effectiveTL := timeLeft
	if isDownloading && etaSeconds > 0 {
		// Completion fires an announce; the cycle may end at ETA.
		if eta := float64(etaSeconds) + 10; eta < effectiveTL {
			effectiveTL = eta
		}
	}

	bufferSpeed := currentSpeed
	if trackedSpeed > bufferSpeed {
		bufferSpeed = trackedSpeed
	}
	softPredictedTotal := uploaded + bufferSpeed*limitTriggerBufferSec + floorSpeed*effectiveTL

	if softPredictedTotal <= targetTotal && progress < 1.0 {
		s.Phase = PhaseIdle
		return 0
	}

	needsLimiting := softPredictedTotal > targetTotal || progress >= 1.0
	phase := phaseFor(timeLeft, s.CycleSynced, needsLimiting)
	s.Phase = phase
	if phase == PhaseIdle {
		return 0
	}

	var limit float64
	need := targetTotal - uploaded
	if need <= 0 {
		limit = minLimit
	} else {
		divisor := timeLeft
		if divisor < 1 {
			divisor = 1
		}
		requiredSpeed := need / divisor

		s.PID.SetPhase(phase)
		pidOutput := s.PID.Update(targetTotal, uploaded, now)

		switch phase {
		case PhaseFinish:
			correctionFactor := 1.0
			if predictedRatio > 1.002 {
				correctionFactor = 1 - (predictedRatio-1)*3
				if correctionFactor < 0.8 {
					correctionFactor = 0.8
				}
			} else if predictedRatio < 0.998 {
				correctionFactor = 1 + (1-predictedRatio)*3
				if correctionFactor > 1.2 {
					correctionFactor = 1.2
				}
			}
			limit = requiredSpeed * pidOutput * correctionFactor

		case PhaseSteady:
			headroom := phasePID[phase].headroom
			if predictedRatio > 1.01 {
				headroom = 1.0
			} else if predictedRatio < 0.95 {
				headroom = 1.03
			}
			limit = requiredSpeed * headroom * pidOutput

		case PhaseCatch:
			if requiredSpeed > adjustedTarget*5 {
				// Too far behind to catch, run free.
				return 0
			}
			limit = requiredSpeed * phasePID[phase].headroom * pidOutput

		default: // warmup
			switch {
			case progress >= 1.0:
				limit = minLimit
			case progress >= 0.8:
				limit = requiredSpeed * 1.01 * pidOutput
			case progress >= 0.5:
				limit = requiredSpeed * 1.05
			default:
				return 0
			}
		}

		if limit < minLimit {
			limit = minLimit
		}
	}

	trend := s.Speeds.RecentTrend(now, 10)
	result := quantize(int64(limit), phase, trackedSpeed, adjustedTarget, trend)

	// Burst protection: a near-complete cycle must not end on a spike.
	if progress >= progressProtect && currentSpeed > adjustedTarget*speedProtectRatio {
		protect := int64(adjustedTarget * speedProtectLimit)
		if result == 0 || result > protect {
			result = protect
		}
	}

	if result < 0 {
		return 0
	}
	return result
}
