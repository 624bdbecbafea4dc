// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rapidaai/recorder/config"
	internal_audio "github.com/rapidaai/recorder/internal/audio"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
)

var (
	ErrAlreadyRunning      = errors.New("capture already running")
	ErrNotRunning          = errors.New("capture not running")
	ErrInsufficientStorage = errors.New("insufficient free storage for recording")
)

// Result summarizes a finished capture.
type Result struct {
	Path         string
	Duration     time.Duration
	Tier         internal_audio.Tier
	VolumeTooLow bool
	Advisory     string
}

// Levels is an immutable per-tick view for observers (status endpoint,
// elapsed-time UI). It is a copy; holders never see later mutations.
type Levels struct {
	Snapshot internal_audio.LevelSnapshot
	Tier     internal_audio.Tier
	Gain     internal_audio.GainState
}

// Engine owns the input stream lifecycle and the per-tick processing chain:
// pull buffer, apply gain, analyze, classify, recompute gain, append the
// adjusted PCM to the recording file. All analysis is synchronous inside the
// tick; nothing here does blocking I/O besides the file append.
type Engine struct {
	logger commons.Logger
	cfg    config.AudioConfig

	minFreeBytes uint64

	analyzer   *internal_audio.LevelAnalyzer
	classifier *internal_audio.QualityClassifier
	gain       *internal_audio.AdaptiveGainController
	stream     internal_type.InputStream

	mu             sync.Mutex
	running        bool
	sink           *wavSink
	path           string
	samplesWritten uint64
	lastLevels     Levels
	captureErr     error

	stopCh chan struct{}
	done   chan struct{}

	// freeSpaceFn is injectable for tests; defaults to statfs.
	freeSpaceFn func(dir string) (uint64, error)
}

func NewEngine(logger commons.Logger, cfg config.AudioConfig, minFreeBytes uint64, stream internal_type.InputStream) *Engine {
	return &Engine{
		logger:       logger,
		cfg:          cfg,
		minFreeBytes: minFreeBytes,
		analyzer:     internal_audio.NewLevelAnalyzer(cfg.NoiseFloor),
		classifier:   internal_audio.NewQualityClassifier(cfg.SmoothingWindow, cfg.LowTierPatience),
		gain: internal_audio.NewAdaptiveGainController(internal_audio.GainCurve{
			MinGain:      cfg.MinGain,
			MaxGain:      cfg.MaxGain,
			BaselineGain: cfg.BaselineGain,
			VeryLowRMS:   cfg.VeryLowRMS,
			LowRMS:       cfg.LowRMS,
			AdequateRMS:  cfg.AdequateRMS,
			RampStep:     cfg.GainRampStep,
		}),
		stream:      stream,
		freeSpaceFn: freeSpace,
	}
}

// Start opens the device and begins the capture loop writing to path.
// Insufficient free storage or an unavailable device refuse the start; no
// partial recording state is created.
func (e *Engine) Start(ctx context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	free, err := e.freeSpaceFn(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("unable to check free storage: %w", err)
	}
	if free < e.minFreeBytes {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientStorage, free, e.minFreeBytes)
	}

	if err := e.stream.Open(ctx); err != nil {
		return fmt.Errorf("input device unavailable: %w", err)
	}
	if err := e.stream.Start(); err != nil {
		e.stream.Close()
		return fmt.Errorf("unable to start input stream: %w", err)
	}

	sink, err := newWAVSink(path, e.cfg.SampleRate, uint16(e.cfg.Channels))
	if err != nil {
		e.stream.Stop()
		e.stream.Close()
		return err
	}

	e.sink = sink
	e.path = path
	e.samplesWritten = 0
	e.captureErr = nil
	e.classifier = internal_audio.NewQualityClassifier(e.cfg.SmoothingWindow, e.cfg.LowTierPatience)
	e.gain.Reset()
	e.lastLevels = Levels{Gain: e.gain.State()}
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	e.running = true

	go e.loop(e.stopCh, e.done)
	e.logger.Infof("capture started: path=%s sampleRate=%d", path, e.cfg.SampleRate)
	return nil
}

func (e *Engine) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		buf, err := e.stream.Read()
		if err != nil {
			select {
			case <-stopCh:
				// Stop interrupted the blocking read; not a failure.
				return
			default:
			}
			e.failCapture(fmt.Errorf("input stream read failed: %w", err))
			return
		}
		if err := e.processTick(buf); err != nil {
			e.failCapture(err)
			return
		}
	}
}

// processTick runs the per-buffer chain. The buffer is owned by this call
// and not retained afterwards.
func (e *Engine) processTick(buf internal_audio.Buffer) error {
	gain := e.gain.State().CurrentGain
	for i, s := range buf.Samples {
		s *= gain
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buf.Samples[i] = s
	}

	snap := e.analyzer.Analyze(buf)
	tier, _ := e.classifier.Classify(snap)
	e.gain.ComputeGain(snap.RMS, snap.Peak, snap.ActivityRatio)

	e.mu.Lock()
	sink := e.sink
	e.lastLevels = Levels{Snapshot: snap, Tier: tier, Gain: e.gain.State()}
	e.mu.Unlock()

	if sink == nil {
		return nil
	}
	if err := sink.WriteSamples(buf.Samples); err != nil {
		return fmt.Errorf("recording write failed: %w", err)
	}
	e.mu.Lock()
	e.samplesWritten += uint64(len(buf.Samples))
	e.mu.Unlock()
	return nil
}

func (e *Engine) failCapture(err error) {
	e.mu.Lock()
	e.captureErr = err
	e.mu.Unlock()
	e.logger.Errorf("capture loop stopped: %v", err)
}

// Stop ends the capture and finalizes the recording file. A write failure
// during the session surfaces here; the partial file is preserved for
// recovery, never silently discarded.
func (e *Engine) Stop() (Result, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return Result{}, ErrNotRunning
	}
	stopCh, done := e.stopCh, e.done
	e.mu.Unlock()

	close(stopCh)
	e.stream.Stop() // interrupts a blocking Read
	<-done
	e.stream.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false

	res := Result{
		Path:         e.path,
		Duration:     e.writtenDurationLocked(),
		Tier:         e.classifier.Tier(),
		VolumeTooLow: e.classifier.VolumeTooLow(),
		Advisory:     e.classifier.Advisory(),
	}

	sink := e.sink
	e.sink = nil
	if err := sink.Close(); err != nil {
		return res, fmt.Errorf("unable to finalize recording: %w", err)
	}
	if e.captureErr != nil {
		return res, e.captureErr
	}
	return res, nil
}

// Discard ends the capture and deletes the partial file. Nothing survives.
func (e *Engine) Discard() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	stopCh, done := e.stopCh, e.done
	e.mu.Unlock()

	close(stopCh)
	e.stream.Stop()
	<-done
	e.stream.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	sink := e.sink
	e.sink = nil
	path := e.path
	sink.Close()
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("unable to remove discarded recording: %w", err)
	}
	e.logger.Infof("capture discarded: path=%s", path)
	return nil
}

// Levels returns the most recent per-tick view.
func (e *Engine) Levels() Levels {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastLevels
}

// Err reports a capture failure observed by the loop, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.captureErr
}

// Boost forces a gain recomputation outside the normal cadence.
func (e *Engine) Boost() {
	levels := e.Levels()
	e.gain.Boost(levels.Snapshot.RMS, levels.Snapshot.Peak)
}

func (e *Engine) writtenDurationLocked() time.Duration {
	if e.cfg.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(e.samplesWritten) / float64(e.cfg.SampleRate) * float64(time.Second))
}
