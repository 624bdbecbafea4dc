// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"math"
	"time"

	"github.com/rapidaai/recorder/pkg/utils"
)

// LevelAnalyzer reduces a raw buffer to scalar level signals. Analyze is a
// pure function of the buffer; it runs inside the capture tick and must not
// block or allocate beyond the returned snapshot.
type LevelAnalyzer struct {
	noiseFloor float64
	clock      func() time.Time
}

func NewLevelAnalyzer(noiseFloor float64) *LevelAnalyzer {
	return &LevelAnalyzer{
		noiseFloor: noiseFloor,
		clock:      time.Now,
	}
}

// Analyze computes peak, RMS and activity ratio over the buffer. Empty and
// all-silence buffers yield zeros; there is no division by zero path.
//
// Composite = RMS * (0.3 + 0.7 * ActivityRatio): a loud buffer that is
// mostly noise-floor samples scores lower than the same RMS with sustained
// activity.
func (a *LevelAnalyzer) Analyze(buf Buffer) LevelSnapshot {
	snap := LevelSnapshot{Timestamp: a.clock()}
	if len(buf.Samples) == 0 {
		return snap
	}

	var sumSquares float64
	var peak float64
	active := 0
	for _, s := range buf.Samples {
		abs := math.Abs(s)
		if abs > peak {
			peak = abs
		}
		if abs > a.noiseFloor {
			active++
		}
		sumSquares += s * s
	}

	snap.Peak = utils.Clamp(peak, 0, 1)
	snap.RMS = utils.Clamp(math.Sqrt(sumSquares/float64(len(buf.Samples))), 0, 1)
	snap.ActivityRatio = utils.Clamp(float64(active)/float64(len(buf.Samples)), 0, 1)
	snap.Composite = utils.Clamp(snap.RMS*(0.3+0.7*snap.ActivityRatio), 0, 1)
	return snap
}
