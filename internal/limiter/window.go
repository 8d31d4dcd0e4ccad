// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

// speedSample is one (time, speed) observation.
type speedSample struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

const maxSpeedSamples = 1200

// SpeedTracker keeps a bounded history of speed samples and derives
// multi-window weighted averages. Short windows track bursts, long
// windows the cycle trend; the phase decides which matters more.
type SpeedTracker struct {
	Samples []speedSample `json:"samples"`
}

// Record appends a sample, dropping the oldest past capacity.
func (st *SpeedTracker) Record(now, speed float64) {
	st.Samples = append(st.Samples, speedSample{T: now, V: speed})
	if len(st.Samples) > maxSpeedSamples {
		st.Samples = st.Samples[len(st.Samples)-maxSpeedSamples:]
	}
}

// WeightedAvg blends per-window averages with phase weights. Windows
// without samples drop out of the normalization.
func (st *SpeedTracker) WeightedAvg(now float64, phase string) float64 {
	weights, ok := windowWeights[phase]
	if !ok {
		weights = windowWeights[PhaseSteady]
	}

	var totalWeight, weightedSum float64
	for _, window := range speedWindows {
		var sum float64
		var n int
		for _, s := range st.Samples {
			if now-s.T <= float64(window) {
				sum += s.V
				n++
			}
		}
		if n == 0 {
			continue
		}
		w := weights[window]
		weightedSum += (sum / float64(n)) * w
		totalWeight += w
	}

	if totalWeight <= 0 {
		return 0
	}
	return weightedSum / totalWeight
}

// RecentTrend compares the halves of the last window seconds of
// samples: positive means accelerating. Needs at least 5 samples.
func (st *SpeedTracker) RecentTrend(now float64, window int) float64 {
	var recent []speedSample
	for _, s := range st.Samples {
		if now-s.T <= float64(window) {
			recent = append(recent, s)
		}
	}
	if len(recent) < 5 {
		return 0
	}

	mid := len(recent) / 2
	var first, second float64
	for _, s := range recent[:mid] {
		first += s.V
	}
	for _, s := range recent[mid:] {
		second += s.V
	}
	first /= float64(mid)
	second /= float64(len(recent) - mid)
	return safeDiv(second-first, first, 0)
}

// Clear drops all samples.
func (st *SpeedTracker) Clear() {
	st.Samples = nil
}
