// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/recorder/config"
	internal_capture "github.com/rapidaai/recorder/internal/capture"
	internal_task "github.com/rapidaai/recorder/internal/task"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
)

// State of the recording lifecycle. The machine is the single source of
// truth; nothing else decides whether capture may start or stop.
type State int

const (
	StateIdle State = iota
	StatePermissionPending
	StateRecording
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePermissionPending:
		return "permission_pending"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = errors.New("operation not valid in current state")
	ErrPermissionDenied  = errors.New("microphone permission denied")
)

// CaptureEngine is the slice of the capture engine the machine drives.
type CaptureEngine interface {
	Start(ctx context.Context, path string) error
	Stop() (internal_capture.Result, error)
	Discard() error
}

// UploadEnqueuer accepts a finished recording for background upload.
type UploadEnqueuer interface {
	Enqueue(ctx context.Context, recordingID, path string) error
}

// ActiveSession is the machine's view of the in-flight recording. It exists
// only between a successful start and the terminal transition.
type ActiveSession struct {
	RecordingID string
	Path        string
	StartedAt   time.Time
}

// StateMachine governs the recording lifecycle:
//
//	idle -> permissionPending -> recording -> stopping -> idle
//
// with failed reachable from any state and failed -> idle on Reset. Every
// transition is triggered by an explicit call; nothing here reacts to
// process lifecycle events, so a backgrounded or restarted service can
// never begin recording on its own. Rejected operations are recorded as
// FailedOperations and are deliberately never retried automatically.
type StateMachine struct {
	logger commons.Logger
	cfg    *config.AppConfig

	engine      CaptureEngine
	permission  internal_type.Permission
	transcriber internal_type.Transcriber
	store       Store
	tasks       *internal_task.Orchestrator
	uploads     UploadEnqueuer

	mu       sync.Mutex
	state    State
	current  *ActiveSession
	elapsed  time.Duration
	tickStop chan struct{}

	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

func NewStateMachine(
	logger commons.Logger,
	cfg *config.AppConfig,
	engine CaptureEngine,
	permission internal_type.Permission,
	transcriber internal_type.Transcriber,
	store Store,
	tasks *internal_task.Orchestrator,
	uploads UploadEnqueuer,
) *StateMachine {
	return &StateMachine{
		logger:      logger,
		cfg:         cfg,
		engine:      engine,
		permission:  permission,
		transcriber: transcriber,
		store:       store,
		tasks:       tasks,
		uploads:     uploads,
		state:       StateIdle,
		clock:       time.Now,
	}
}

// State returns the current lifecycle state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Elapsed returns the observational recording duration. It is driven by an
// independent ticker and may lag the audio clock; capture correctness never
// depends on it.
func (m *StateMachine) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed
}

// Current returns a copy of the active session, if any.
func (m *StateMachine) Current() *ActiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	session := *m.current
	return &session
}

// Start begins a new recording session. It is the only entry point into the
// lifecycle and must be invoked by an explicit user action.
func (m *StateMachine) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return "", m.reject(ctx, "", "start", fmt.Errorf("%w: cannot start while %s", ErrInvalidTransition, state))
	}
	m.state = StatePermissionPending
	m.mu.Unlock()

	granted, err := m.permission.RequestMicrophonePermission(ctx)
	if err != nil {
		m.setState(StateIdle)
		return "", m.reject(ctx, "", "start", fmt.Errorf("permission check failed: %w", err))
	}
	if !granted {
		// Denial is terminal for this attempt; the user must act again.
		m.setState(StateIdle)
		m.store.AppendFailure(ctx, "", "start", ErrPermissionDenied.Error())
		m.logger.Warn("recording not started: microphone permission denied")
		return "", ErrPermissionDenied
	}

	recordingID := uuid.New().String()
	path := filepath.Join(m.cfg.RecordingDir, recordingID+".wav")

	if err := m.engine.Start(ctx, path); err != nil {
		m.setState(StateFailed)
		m.store.AppendFailure(ctx, recordingID, "start", err.Error())
		return "", fmt.Errorf("unable to start capture: %w", err)
	}

	m.mu.Lock()
	m.state = StateRecording
	m.current = &ActiveSession{
		RecordingID: recordingID,
		Path:        path,
		StartedAt:   m.clock(),
	}
	m.elapsed = 0
	m.tickStop = make(chan struct{})
	go m.elapsedLoop(m.tickStop)
	m.mu.Unlock()

	m.logger.Infof("recording started: id=%s path=%s", recordingID, path)
	return recordingID, nil
}

// Stop ends the active session, persists its summary and hands the finished
// file to background processing.
func (m *StateMachine) Stop(ctx context.Context) (*Recording, error) {
	m.mu.Lock()
	if m.state != StateRecording {
		state := m.state
		m.mu.Unlock()
		return nil, m.reject(ctx, "", "stop", fmt.Errorf("%w: cannot stop while %s", ErrInvalidTransition, state))
	}
	m.state = StateStopping
	session := *m.current
	stop := m.tickStop
	m.mu.Unlock()

	close(stop)

	res, stopErr := m.engine.Stop()
	rec := &Recording{
		RecordingID:      session.RecordingID,
		Path:             res.Path,
		Status:           StatusCompleted,
		DurationMs:       res.Duration.Milliseconds(),
		StartedAt:        session.StartedAt,
		Tier:             res.Tier.String(),
		VolumeTooLow:     res.VolumeTooLow,
		Advisory:         res.Advisory,
		TranscriptStatus: TranscriptPending,
	}

	if stopErr != nil {
		// The partial file is preserved for recovery; the failure is
		// persisted, surfaced and never silently retried.
		rec.Status = StatusFailed
		rec.TranscriptStatus = TranscriptFailed
		if _, err := m.store.Insert(ctx, rec); err != nil {
			m.logger.Errorf("unable to persist failed session %s: %v", session.RecordingID, err)
		}
		m.store.AppendFailure(ctx, session.RecordingID, "stop", stopErr.Error())
		m.finishSession(StateFailed)
		return rec, fmt.Errorf("capture stop failed: %w", stopErr)
	}

	if _, err := m.store.Insert(ctx, rec); err != nil {
		m.store.AppendFailure(ctx, session.RecordingID, "stop", err.Error())
		m.finishSession(StateFailed)
		return nil, fmt.Errorf("unable to persist recording: %w", err)
	}

	m.dispatchPostProcessing(ctx, session.RecordingID, res.Path)
	m.finishSession(StateIdle)
	m.logger.Infof("recording stopped: id=%s duration=%s tier=%s", session.RecordingID, res.Duration, res.Tier)
	return rec, nil
}

// Discard ends the active session and deletes the partial file. Nothing is
// persisted and no background work is dispatched.
func (m *StateMachine) Discard(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRecording {
		state := m.state
		m.mu.Unlock()
		return m.reject(ctx, "", "discard", fmt.Errorf("%w: cannot discard while %s", ErrInvalidTransition, state))
	}
	m.state = StateStopping
	session := *m.current
	stop := m.tickStop
	m.mu.Unlock()

	close(stop)

	if err := m.engine.Discard(); err != nil {
		m.store.AppendFailure(ctx, session.RecordingID, "discard", err.Error())
		m.finishSession(StateFailed)
		return fmt.Errorf("unable to discard recording: %w", err)
	}

	m.finishSession(StateIdle)
	m.logger.Infof("recording discarded: id=%s", session.RecordingID)
	return nil
}

// Reset acknowledges a failure and returns the machine to idle. It is the
// only way out of the failed state.
func (m *StateMachine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailed {
		return fmt.Errorf("%w: cannot reset while %s", ErrInvalidTransition, m.state)
	}
	m.state = StateIdle
	m.current = nil
	m.elapsed = 0
	return nil
}

// dispatchPostProcessing hands the finished file to the orchestrator. Jobs
// receive owned copies of the id and path only. The job name is scoped by
// recording id and kind, so a second dispatch for the same recording is a
// no-op at the orchestrator.
func (m *StateMachine) dispatchPostProcessing(ctx context.Context, recordingID, path string) {
	m.dispatchTranscription(recordingID, path)

	if err := m.uploads.Enqueue(ctx, recordingID, path); err != nil {
		m.logger.Errorf("unable to enqueue upload for %s: %v", recordingID, err)
		m.store.SetJobError(ctx, recordingID, "upload", err.Error())
	}
}

func (m *StateMachine) dispatchTranscription(recordingID, path string) {
	name := "transcribe:" + recordingID
	err := m.tasks.Dispatch(name, func(jobCtx context.Context) error {
		text, err := m.transcriber.Transcribe(jobCtx, path)
		if err != nil {
			if storeErr := m.store.SetJobError(jobCtx, recordingID, "transcribe", err.Error()); storeErr != nil {
				m.logger.Errorf("unable to record transcription failure for %s: %v", recordingID, storeErr)
			}
			return err
		}
		return m.store.SetTranscript(jobCtx, recordingID, text)
	})
	if err != nil {
		m.logger.Warnf("transcription dispatch skipped for %s: %v", recordingID, err)
	}
}

// Recover re-dispatches background work left unfinished by a previous
// process: completed recordings whose transcript never arrived get their
// transcription job again. It never touches capture state, so a restart can
// not begin recording on its own.
func (m *StateMachine) Recover(ctx context.Context) error {
	recordings, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("unable to list recordings for recovery: %w", err)
	}
	for _, rec := range recordings {
		if rec.Status != StatusCompleted || rec.TranscriptStatus != TranscriptPending {
			continue
		}
		m.logger.Infof("resuming transcription for recording %s", rec.RecordingID)
		m.dispatchTranscription(rec.RecordingID, rec.Path)
	}
	return nil
}

// reject records a disallowed operation and returns its error. The record
// exists for inspection; it must never feed a retry loop.
func (m *StateMachine) reject(ctx context.Context, recordingID, op string, err error) error {
	if appendErr := m.store.AppendFailure(ctx, recordingID, op, err.Error()); appendErr != nil {
		m.logger.Errorf("unable to record failed %s: %v", op, appendErr)
	}
	m.logger.Warnf("rejected %s: %v", op, err)
	return err
}

func (m *StateMachine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *StateMachine) finishSession(s State) {
	m.mu.Lock()
	m.state = s
	m.current = nil
	m.elapsed = 0
	m.tickStop = nil
	m.mu.Unlock()
}

// elapsedLoop drives the observational elapsed-time counter. Skipped or
// delayed ticks only affect the displayed duration, never the capture path.
func (m *StateMachine) elapsedLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.Audio.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.current != nil {
				m.elapsed = m.clock().Sub(m.current.StartedAt)
			}
			m.mu.Unlock()
		}
	}
}
