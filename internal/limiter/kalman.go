// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

// Kalman is a two-state (speed, acceleration) filter over noisy upload
// speed samples. The acceleration estimate feeds upload-volume
// predictions for the rest of the cycle.
type Kalman struct {
	Speed float64 `json:"speed"`
	Accel float64 `json:"accel"`

	P00 float64 `json:"p00"`
	P01 float64 `json:"p01"`
	P10 float64 `json:"p10"`
	P11 float64 `json:"p11"`

	LastTime    float64 `json:"last_time"`
	Initialized bool    `json:"initialized"`
}

// NewKalman returns a filter with a wide initial covariance so the
// first measurements dominate.
func NewKalman() Kalman {
	return Kalman{P00: 1000, P11: 1000}
}

// Update folds a speed measurement in and returns the filtered speed
// and acceleration. The first call adopts the measurement verbatim.
func (k *Kalman) Update(measurement, now float64) (float64, float64) {
	if !k.Initialized {
		k.Speed = measurement
		k.LastTime = now
		k.Initialized = true
		return measurement, 0
	}

	dt := now - k.LastTime
	if dt <= 0.01 {
		return k.Speed, k.Accel
	}
	k.LastTime = now

	predSpeed := k.Speed + k.Accel*dt
	p00 := k.P00 + dt*(k.P10+k.P01) + dt*dt*k.P11 + kalmanQSpeed
	p01 := k.P01 + dt*k.P11
	p10 := k.P10 + dt*k.P11
	p11 := k.P11 + kalmanQAccel

	s := p00 + kalmanR
	if s < 1e-10 && s > -1e-10 {
		return k.Speed, k.Accel
	}

	k0 := p00 / s
	k1 := p10 / s
	innovation := measurement - predSpeed

	k.Speed = predSpeed + k0*innovation
	k.Accel = k.Accel + k1*innovation
	k.P00 = (1 - k0) * p00
	k.P01 = (1 - k0) * p01
	k.P10 = -k1*p00 + p10
	k.P11 = -k1*p01 + p11

	return k.Speed, k.Accel
}

// PredictUpload integrates the speed/acceleration estimate over the
// next seconds. Never negative.
func (k *Kalman) PredictUpload(seconds float64) float64 {
	v := k.Speed*seconds + 0.5*k.Accel*seconds*seconds
	if v < 0 {
		return 0
	}
	return v
}

// Reset restores the uninitialized wide-covariance state.
func (k *Kalman) Reset() {
	*k = NewKalman()
}
