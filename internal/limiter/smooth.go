// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

// Smoother damps limit changes between ticks. Small moves pass
// through, larger ones are blended so the applied limit does not saw
// between extremes. The finish phase bypasses smoothing entirely since
// lag there costs cycle precision.
type Smoother struct {
	Value int64 `json:"value"`
}

// Smooth returns the limit to actually apply for a raw controller
// output. A non-positive raw limit (meaning unlimited) resets tracking.
func (s *Smoother) Smooth(newLimit int64, phase string) int64 {
	if newLimit <= 0 || s.Value <= 0 {
		s.Value = newLimit
		return newLimit
	}

	if phase == PhaseFinish {
		s.Value = newLimit
		return newLimit
	}

	prev := s.Value
	diff := newLimit - prev
	if diff < 0 {
		diff = -diff
	}
	change := float64(diff) / float64(prev)

	switch {
	case change < 0.2:
		s.Value = newLimit
	case change < 0.5:
		s.Value = int64(float64(prev)*0.7 + float64(newLimit)*0.3)
	default:
		s.Value = int64(float64(prev)*0.5 + float64(newLimit)*0.5)
	}

	if s.Value < minLimit {
		return minLimit
	}
	return s.Value
}

// Reset forgets the previous limit so a new cycle starts clean.
func (s *Smoother) Reset() {
	s.Value = 0
}
