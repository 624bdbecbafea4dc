// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import "time"

// Buffer is one tick's worth of captured samples on the normalized [-1, 1]
// scale. It is owned by the capture loop for the duration of a single tick
// and never retained past gain application and analysis.
type Buffer struct {
	Samples    []float64
	SampleRate uint32
}

// Duration returns the wall-clock span the buffer covers.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(len(b.Samples)) / float64(b.SampleRate) * float64(time.Second))
}

// LevelSnapshot is the per-buffer analysis result. All fields are in [0, 1].
type LevelSnapshot struct {
	Peak          float64
	RMS           float64
	ActivityRatio float64
	Composite     float64
	Timestamp     time.Time
}

// Tier is the discrete signal-quality classification. Ordering matters:
// comparisons like "tier <= TierPoor" are used for advisory decisions.
type Tier int

const (
	TierUnknown Tier = iota
	TierCritical
	TierVeryPoor
	TierPoor
	TierFair
	TierGood
	TierExcellent
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierVeryPoor:
		return "very_poor"
	case TierPoor:
		return "poor"
	case TierFair:
		return "fair"
	case TierGood:
		return "good"
	case TierExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// GainState is an immutable view of the controller published to the capture
// loop. Only the controller mutates the underlying values.
type GainState struct {
	CurrentGain float64
	IsAdjusting bool
	LastAdjust  time.Time
}
