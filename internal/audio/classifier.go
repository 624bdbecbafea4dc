// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"sync"

	"github.com/rapidaai/recorder/pkg/utils"
)

// Composite-score cutoffs for each tier. A smoothed score below the cutoff
// falls into the tier on its left. Tuned against the silence and low-signal
// scenarios; change together with the smoothing window.
var tierCutoffs = []struct {
	tier   Tier
	cutoff float64
}{
	{TierCritical, 0.02},
	{TierVeryPoor, 0.06},
	{TierPoor, 0.12},
	{TierFair, 0.25},
	{TierGood, 0.45},
	{TierExcellent, 1.01},
}

// successScale maps the smoothed composite onto a transcription-success
// probability estimate. Scores at or above it saturate at 1.0.
const successScale = 0.35

// QualityClassifier maintains a bounded rolling history of snapshots and
// derives a smoothed quality tier from it. It only reports; it never starts,
// stops or modifies capture.
type QualityClassifier struct {
	mu sync.Mutex

	// Ring of the last `window` snapshots; head is the next write slot.
	history []LevelSnapshot
	head    int
	filled  int

	patience  int
	lowStreak int
	tier      Tier
}

// NewQualityClassifier sizes the smoothing window and the number of
// consecutive low-tier buffers tolerated before the volume advisory fires.
func NewQualityClassifier(window, patience int) *QualityClassifier {
	if window < 1 {
		window = 1
	}
	return &QualityClassifier{
		history:  make([]LevelSnapshot, window),
		patience: patience,
		tier:     TierUnknown,
	}
}

// Classify appends the snapshot to the rolling history and returns the
// smoothed tier plus a transcription-success probability in [0, 1].
//
// The published tier moves at most one step per call, so a single outlier
// buffer cannot collapse a long run of good readings (and vice versa).
func (c *QualityClassifier) Classify(snap LevelSnapshot) (Tier, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history[c.head] = snap
	c.head = (c.head + 1) % len(c.history)
	if c.filled < len(c.history) {
		c.filled++
	}

	smoothed := c.smoothedComposite()
	target := tierForScore(smoothed)

	// Step the published tier toward the target, one level per buffer.
	switch {
	case c.tier == TierUnknown:
		c.tier = target
	case target > c.tier:
		c.tier++
	case target < c.tier:
		c.tier--
	}

	if c.tier <= TierPoor {
		c.lowStreak++
	} else {
		c.lowStreak = 0
	}

	return c.tier, utils.Clamp(smoothed/successScale, 0, 1)
}

// Tier returns the current smoothed tier without adding a snapshot.
func (c *QualityClassifier) Tier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

// VolumeTooLow reports whether the signal has sat at or below the poor tier
// for longer than the configured patience.
func (c *QualityClassifier) VolumeTooLow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowStreak > c.patience
}

// Advisory returns a user-facing message for the current condition, or ""
// when the signal is healthy.
func (c *QualityClassifier) Advisory() string {
	if c.VolumeTooLow() {
		return "Input volume is too low for reliable transcription. Move closer to the microphone or raise the input level."
	}
	return ""
}

func (c *QualityClassifier) smoothedComposite() float64 {
	if c.filled == 0 {
		return 0
	}
	scores := make([]float64, 0, c.filled)
	for i := 0; i < c.filled; i++ {
		scores = append(scores, c.history[i].Composite)
	}
	return utils.AverageFloat64(scores)
}

func tierForScore(score float64) Tier {
	for _, tc := range tierCutoffs {
		if score < tc.cutoff {
			return tc.tier
		}
	}
	return TierExcellent
}
