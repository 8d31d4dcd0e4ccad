// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

const precisionHistorySize = 20

// PrecisionTracker records how close each finished cycle landed to its
// target and derives a slow-moving correction factor applied to the
// next cycles' target. Persistent over/undershoot nudges the factor;
// in-band cycles let it regress toward 1.0.
type PrecisionTracker struct {
	CorrectionFactor float64   `json:"correction_factor"`
	TotalCycles      int       `json:"total_cycles"`
	SuccessCycles    int       `json:"success_cycles"`
	History          []float64 `json:"history"`
}

// NewPrecisionTracker starts with a neutral correction.
func NewPrecisionTracker() PrecisionTracker {
	return PrecisionTracker{CorrectionFactor: 1.0}
}

// Record logs one cycle outcome. A cycle within 95%-105% of target
// counts as a hit.
func (p *PrecisionTracker) Record(actualUpload, targetUpload float64) {
	if targetUpload <= 0 {
		return
	}

	ratio := actualUpload / targetUpload
	p.History = append(p.History, ratio)
	if len(p.History) > precisionHistorySize {
		p.History = p.History[len(p.History)-precisionHistorySize:]
	}
	p.TotalCycles++
	if ratio >= 0.95 && ratio <= 1.05 {
		p.SuccessCycles++
	}

	p.updateCorrection()
}

func (p *PrecisionTracker) updateCorrection() {
	if len(p.History) < 5 {
		return
	}

	var sum float64
	for _, r := range p.History {
		sum += r
	}
	avg := sum / float64(len(p.History))

	deviation := avg - 1.0
	if deviation < 0 {
		deviation = -deviation
	}

	// Bigger drift, bigger step.
	var step float64
	switch {
	case deviation < 0.05:
		step = 0.005
	case deviation < 0.10:
		step = 0.01
	case deviation < 0.20:
		step = 0.02
	default:
		step = 0.03
	}

	switch {
	case avg > 1.02:
		p.CorrectionFactor = clampFloat(p.CorrectionFactor-step, 0.90, p.CorrectionFactor)
	case avg < 0.95:
		p.CorrectionFactor = clampFloat(p.CorrectionFactor+step, p.CorrectionFactor, 1.10)
	default:
		regression := step * 0.2
		if p.CorrectionFactor < 1.0 {
			p.CorrectionFactor = clampFloat(p.CorrectionFactor+regression, p.CorrectionFactor, 1.0)
		} else if p.CorrectionFactor > 1.0 {
			p.CorrectionFactor = clampFloat(p.CorrectionFactor-regression, 1.0, p.CorrectionFactor)
		}
	}
}

// Correction returns the current factor, defaulting to neutral when
// the tracker was zero-initialized (e.g. loaded from an old blob).
func (p *PrecisionTracker) Correction() float64 {
	if p.CorrectionFactor == 0 {
		return 1.0
	}
	return p.CorrectionFactor
}

// PrecisionRate is the fraction of all recorded cycles that hit the
// 95%-105% band.
func (p *PrecisionTracker) PrecisionRate() float64 {
	if p.TotalCycles == 0 {
		return 0
	}
	return float64(p.SuccessCycles) / float64(p.TotalCycles)
}
