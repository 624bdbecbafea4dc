// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"fmt"
	"time"

	"github.com/rapidaai/recorder/pkg/commons"
	"github.com/rapidaai/recorder/pkg/connectors"
)

// Store persists recording summaries and failed-operation records. The core
// treats it as a transactional append/remove log; rows are only written at
// terminal states, so a reader never observes a half-finished session.
type Store interface {
	// Insert writes a new recording summary. The recording id is generated
	// if empty and returned.
	Insert(ctx context.Context, rec *Recording) (string, error)

	// Save updates an existing recording summary.
	Save(ctx context.Context, rec *Recording) error

	// Get retrieves a recording by its public id.
	Get(ctx context.Context, recordingID string) (*Recording, error)

	// List returns all recordings sorted by creation time, newest first.
	List(ctx context.Context) ([]Recording, error)

	// Delete removes a recording summary. Only used for explicit user
	// deletion, never during the capture lifecycle.
	Delete(ctx context.Context, rec *Recording) error

	// SetTranscript stores a finished transcription result.
	SetTranscript(ctx context.Context, recordingID, transcript string) error

	// SetJobError records a background-job failure on the owning recording
	// without touching any other column.
	SetJobError(ctx context.Context, recordingID, kind, message string) error

	// AppendFailure records a rejected or failed operation for later
	// inspection. It must never trigger a retry.
	AppendFailure(ctx context.Context, recordingID, operation, reason string) error

	// ListFailures returns recorded operation failures, newest first.
	ListFailures(ctx context.Context) ([]FailedOperation, error)
}

type sqliteStore struct {
	sqlite connectors.SqliteConnector
	logger commons.Logger
}

// NewStore creates a recording store backed by the local sqlite database.
func NewStore(sqlite connectors.SqliteConnector, logger commons.Logger) Store {
	return &sqliteStore{sqlite: sqlite, logger: logger}
}

func (s *sqliteStore) Insert(ctx context.Context, rec *Recording) (string, error) {
	db := s.sqlite.DB(ctx)
	if err := db.Create(rec).Error; err != nil {
		return "", fmt.Errorf("failed to insert recording %s: %w", rec.RecordingID, err)
	}
	s.logger.Infof("recording persisted: id=%s status=%s duration=%dms tier=%s",
		rec.RecordingID, rec.Status, rec.DurationMs, rec.Tier)
	return rec.RecordingID, nil
}

func (s *sqliteStore) Save(ctx context.Context, rec *Recording) error {
	rec.UpdatedDate = time.Now()
	if err := s.sqlite.DB(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save recording %s: %w", rec.RecordingID, err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, recordingID string) (*Recording, error) {
	var rec Recording
	if err := s.sqlite.DB(ctx).Where("recording_id = ?", recordingID).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("recording not found: %s: %w", recordingID, err)
	}
	return &rec, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Recording, error) {
	var recs []Recording
	if err := s.sqlite.DB(ctx).Order("created_date DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	return recs, nil
}

func (s *sqliteStore) Delete(ctx context.Context, rec *Recording) error {
	if err := s.sqlite.DB(ctx).Delete(rec).Error; err != nil {
		return fmt.Errorf("failed to delete recording %s: %w", rec.RecordingID, err)
	}
	return nil
}

func (s *sqliteStore) SetTranscript(ctx context.Context, recordingID, transcript string) error {
	res := s.sqlite.DB(ctx).Model(&Recording{}).
		Where("recording_id = ?", recordingID).
		Updates(map[string]interface{}{
			"transcript":        transcript,
			"transcript_status": TranscriptCompleted,
			"updated_date":      time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to store transcript for %s: %w", recordingID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("recording not found: %s", recordingID)
	}
	return nil
}

func (s *sqliteStore) SetJobError(ctx context.Context, recordingID, kind, message string) error {
	updates := map[string]interface{}{
		"job_error":    fmt.Sprintf("%s: %s", kind, message),
		"updated_date": time.Now(),
	}
	if kind == "transcribe" {
		updates["transcript_status"] = TranscriptFailed
	}
	res := s.sqlite.DB(ctx).Model(&Recording{}).
		Where("recording_id = ?", recordingID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to record job error for %s: %w", recordingID, res.Error)
	}
	return nil
}

func (s *sqliteStore) AppendFailure(ctx context.Context, recordingID, operation, reason string) error {
	failure := &FailedOperation{
		RecordingID: recordingID,
		Operation:   operation,
		Reason:      reason,
	}
	if err := s.sqlite.DB(ctx).Create(failure).Error; err != nil {
		return fmt.Errorf("failed to append operation failure: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListFailures(ctx context.Context) ([]FailedOperation, error) {
	var failures []FailedOperation
	if err := s.sqlite.DB(ctx).Order("created_date DESC").Find(&failures).Error; err != nil {
		return nil, fmt.Errorf("failed to list operation failures: %w", err)
	}
	return failures, nil
}
