// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"sync"
	"time"

	"github.com/rapidaai/recorder/pkg/utils"
)

// retargetThreshold is the minimum change in the computed target before the
// controller starts a new ramp. Buffer-to-buffer RMS jitter below this never
// moves the gain, which keeps the loop from oscillating.
const retargetThreshold = 0.1

// GainCurve holds the three-regime response curve and ramp limits.
type GainCurve struct {
	MinGain      float64
	MaxGain      float64
	BaselineGain float64
	VeryLowRMS   float64
	LowRMS       float64
	AdequateRMS  float64
	RampStep     float64
}

// AdaptiveGainController computes a gain multiplier from the analyzer's
// level signals. The capture engine reads the current gain once per tick;
// only the controller mutates it.
type AdaptiveGainController struct {
	mu    sync.Mutex
	curve GainCurve

	current    float64
	target     float64
	adjusting  bool
	lastAdjust time.Time
	clock      func() time.Time
}

func NewAdaptiveGainController(curve GainCurve) *AdaptiveGainController {
	return &AdaptiveGainController{
		curve:   curve,
		current: curve.MinGain,
		target:  curve.MinGain,
		clock:   time.Now,
	}
}

// ComputeGain updates the controller from one buffer's levels and returns
// the gain to apply on the next buffer.
//
// The target follows a piecewise-linear curve over RMS:
//
//	rms < VeryLowRMS             -> MaxGain (saturated)
//	VeryLowRMS <= rms < LowRMS   -> MaxGain down to BaselineGain
//	LowRMS <= rms < AdequateRMS  -> BaselineGain down to MinGain
//	rms >= AdequateRMS           -> MinGain
//
// The current gain ramps toward the target at most RampStep per call, and a
// new ramp only starts when the target moves by more than the retarget
// threshold. A peak guard caps the target so amplified peaks stay below
// clipping.
func (g *AdaptiveGainController) ComputeGain(rms, peak, activityRatio float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retarget(rms, peak, false)
	return g.step()
}

// Boost forces an immediate retarget and full ramp step outside the normal
// cadence. Used for user-initiated boost requests.
func (g *AdaptiveGainController) Boost(rms, peak float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retarget(rms, peak, true)
	return g.step()
}

// Reset returns the controller to its initial state. Each capture session
// starts from MinGain; the previous session's settled level never carries
// over into a new room or distance.
func (g *AdaptiveGainController) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = g.curve.MinGain
	g.target = g.curve.MinGain
	g.adjusting = false
	g.lastAdjust = time.Time{}
}

// State returns an immutable snapshot of the controller.
func (g *AdaptiveGainController) State() GainState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GainState{
		CurrentGain: g.current,
		IsAdjusting: g.adjusting,
		LastAdjust:  g.lastAdjust,
	}
}

// TargetFor evaluates the response curve for one buffer's RMS and peak.
// Pure; the result is always within [MinGain, MaxGain].
func (c GainCurve) TargetFor(rms, peak float64) float64 {
	var target float64
	switch {
	case rms < c.VeryLowRMS:
		target = c.MaxGain
	case rms < c.LowRMS:
		frac := (rms - c.VeryLowRMS) / (c.LowRMS - c.VeryLowRMS)
		target = utils.Lerp(c.MaxGain, c.BaselineGain, frac)
	case rms < c.AdequateRMS:
		frac := (rms - c.LowRMS) / (c.AdequateRMS - c.LowRMS)
		target = utils.Lerp(c.BaselineGain, c.MinGain, frac)
	default:
		target = c.MinGain
	}

	// Keep amplified peaks out of clipping territory.
	if peak > 0 && target*peak > 0.99 {
		target = 0.99 / peak
	}
	return utils.Clamp(target, c.MinGain, c.MaxGain)
}

func (g *AdaptiveGainController) retarget(rms, peak float64, force bool) {
	target := g.curve.TargetFor(rms, peak)
	if force || absDiff(target, g.target) > retargetThreshold {
		g.target = target
	}
}

func (g *AdaptiveGainController) step() float64 {
	diff := g.target - g.current
	switch {
	case diff == 0:
		g.adjusting = false
	case absDiff(g.target, g.current) <= g.curve.RampStep:
		g.current = g.target
		g.adjusting = false
		g.lastAdjust = g.clock()
	case diff > 0:
		g.current += g.curve.RampStep
		g.adjusting = true
		g.lastAdjust = g.clock()
	default:
		g.current -= g.curve.RampStep
		g.adjusting = true
		g.lastAdjust = g.clock()
	}
	g.current = utils.Clamp(g.current, g.curve.MinGain, g.curve.MaxGain)
	return g.current
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
