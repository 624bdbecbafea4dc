// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func constBuffer(val float64, n int) Buffer {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = val
	}
	return Buffer{Samples: samples, SampleRate: 16000}
}

func TestAnalyzeEmptyBuffer(t *testing.T) {
	a := NewLevelAnalyzer(0.01)
	snap := a.Analyze(Buffer{SampleRate: 16000})

	assert.Zero(t, snap.Peak, "peak of empty buffer")
	assert.Zero(t, snap.RMS, "rms of empty buffer")
	assert.Zero(t, snap.ActivityRatio, "activity of empty buffer")
	assert.Zero(t, snap.Composite, "composite of empty buffer")
	assert.False(t, snap.Timestamp.IsZero(), "timestamp should be stamped")
}

func TestAnalyzeSilence(t *testing.T) {
	a := NewLevelAnalyzer(0.01)
	snap := a.Analyze(constBuffer(0, 1600))

	assert.Zero(t, snap.Peak)
	assert.Zero(t, snap.RMS)
	assert.Zero(t, snap.ActivityRatio)
	assert.Zero(t, snap.Composite)
}

func TestAnalyzeConstantSignal(t *testing.T) {
	a := NewLevelAnalyzer(0.01)
	snap := a.Analyze(constBuffer(0.5, 1600))

	assert.InDelta(t, 0.5, snap.Peak, 1e-9)
	assert.InDelta(t, 0.5, snap.RMS, 1e-9)
	assert.InDelta(t, 1.0, snap.ActivityRatio, 1e-9, "every sample is above the noise floor")
	assert.InDelta(t, 0.5*(0.3+0.7*1.0), snap.Composite, 1e-9)
}

func TestAnalyzeNegativeSamples(t *testing.T) {
	a := NewLevelAnalyzer(0.01)
	snap := a.Analyze(constBuffer(-0.25, 800))

	assert.InDelta(t, 0.25, snap.Peak, 1e-9, "peak uses absolute value")
	assert.InDelta(t, 0.25, snap.RMS, 1e-9)
}

func TestAnalyzeMixedActivity(t *testing.T) {
	a := NewLevelAnalyzer(0.01)
	samples := make([]float64, 1000)
	for i := 0; i < 250; i++ {
		samples[i] = 0.4
	}
	snap := a.Analyze(Buffer{Samples: samples, SampleRate: 16000})

	assert.InDelta(t, 0.25, snap.ActivityRatio, 1e-9, "one quarter of samples carry signal")
	assert.InDelta(t, math.Sqrt(250*0.4*0.4/1000), snap.RMS, 1e-9)
}

func TestAnalyzeSineWave(t *testing.T) {
	a := NewLevelAnalyzer(0.01)
	samples := make([]float64, 1600)
	for i := range samples {
		samples[i] = 0.8 * math.Sin(2*math.Pi*float64(i)/100)
	}
	snap := a.Analyze(Buffer{Samples: samples, SampleRate: 16000})

	// RMS of a sine is amplitude / sqrt(2).
	assert.InDelta(t, 0.8/math.Sqrt2, snap.RMS, 0.01)
	assert.InDelta(t, 0.8, snap.Peak, 0.01)
	assert.True(t, snap.Composite > 0 && snap.Composite <= 1)
}

func TestBufferDuration(t *testing.T) {
	buf := constBuffer(0, 1600)
	assert.Equal(t, int64(100), buf.Duration().Milliseconds(), "1600 samples at 16kHz is 100ms")
	assert.Zero(t, Buffer{}.Duration(), "zero sample rate must not divide by zero")
}
