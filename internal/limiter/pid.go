// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

// PID is a discrete PID controller producing a multiplicative factor
// around 1.0. Gains are swapped per phase so warmup reacts gently while
// finish corrects hard. The error is normalized by the setpoint so one
// tuning works across wildly different target volumes.
type PID struct {
	kp, ki, kd float64

	Integral         float64 `json:"integral"`
	LastError        float64 `json:"last_error"`
	LastTime         float64 `json:"last_time"`
	LastOutput       float64 `json:"last_output"`
	DerivativeFilter float64 `json:"derivative_filter"`
	Initialized      bool    `json:"initialized"`
}

const pidIntegralLimit = 0.4

// SetPhase loads the gain set for the phase.
func (p *PID) SetPhase(phase string) {
	params, ok := phasePID[phase]
	if !ok {
		params = phasePID[PhaseSteady]
	}
	p.kp, p.ki, p.kd = params.kp, params.ki, params.kd
}

// Update advances the controller and returns the output factor,
// clamped to [0.5, 2.0]. The first call only seeds state.
func (p *PID) Update(setpoint, measured, now float64) float64 {
	denom := setpoint
	if denom < 1 {
		denom = 1
	}
	err := safeDiv(setpoint-measured, denom, 0)

	if !p.Initialized {
		p.LastError = err
		p.LastTime = now
		p.Initialized = true
		return 1.0
	}

	dt := now - p.LastTime
	if dt <= 0.01 {
		return p.LastOutput
	}
	p.LastTime = now

	pTerm := p.kp * err

	p.Integral = clampFloat(p.Integral+err*dt, -pidIntegralLimit, pidIntegralLimit)
	iTerm := p.ki * p.Integral

	// Low-pass the derivative so measurement noise does not whip the
	// output around.
	rawDerivative := (err - p.LastError) / dt
	p.DerivativeFilter = 0.3*rawDerivative + 0.7*p.DerivativeFilter
	dTerm := p.kd * p.DerivativeFilter
	p.LastError = err

	out := clampFloat(1.0+pTerm+iTerm+dTerm, 0.5, 2.0)
	p.LastOutput = out
	return out
}

// Reset clears accumulated state.
func (p *PID) Reset() {
	p.Integral = 0
	p.LastError = 0
	p.LastTime = 0
	p.LastOutput = 1.0
	p.DerivativeFilter = 0
	p.Initialized = false
}
