// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

// quantize snaps a raw limit onto a phase-dependent grid so tiny
// controller wiggles do not turn into a stream of set-limit calls. The
// grid tightens when the measured speed diverges from target or when
// the speed is trending, and finish always runs the finest step.
func quantize(limit int64, phase string, currentSpeed, target, trend float64) int64 {
	if limit <= 0 {
		return limit
	}

	base, ok := quantSteps[phase]
	if !ok {
		base = 1024
	}
	ratio := safeDiv(currentSpeed, target, 1)

	var step int64
	switch {
	case phase == PhaseFinish:
		step = 256
	case ratio > 1.2:
		step = base * 2
	case ratio > 1.05:
		step = base
	case ratio > 0.8:
		step = base / 2
	default:
		step = base
	}

	if trend > 0.1 || trend < -0.1 {
		step = step / 2
		if step < 256 {
			step = 256
		}
	}

	if step < 256 {
		step = 256
	} else if step > 8192 {
		step = 8192
	}

	q := ((limit + step/2) / step) * step
	if q < minLimit {
		return minLimit
	}
	return q
}
