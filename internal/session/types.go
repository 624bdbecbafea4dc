// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Recording status constants.
const (
	StatusCompleted = "completed" // Capture ended normally
	StatusFailed    = "failed"    // Capture or finalization failed; partial data preserved
)

// Transcript status constants.
const (
	TranscriptPending   = "pending"
	TranscriptCompleted = "completed"
	TranscriptFailed    = "failed"
)

// Recording is the persisted summary of a finished capture session. A row
// is written when the session reaches a terminal state; discarded sessions
// never reach this table.
//
// Background jobs (transcription, upload) report their outcome here via
// status/error columns rather than holding a reference to the live session.
type Recording struct {
	Id          uint64    `json:"id" gorm:"type:bigint;primaryKey;autoIncrement;<-:create"`
	RecordingID string    `json:"recordingId" gorm:"column:recording_id;type:varchar(36);not null;uniqueIndex"`
	Path        string    `json:"path" gorm:"column:path;type:text;not null"`
	Status      string    `json:"status" gorm:"column:status;type:varchar(20);not null;default:completed"`
	DurationMs  int64     `json:"durationMs" gorm:"column:duration_ms;type:bigint;not null;default:0"`
	StartedAt   time.Time `json:"startedAt" gorm:"column:started_at;type:timestamp"`

	// Quality advisories captured at stop time.
	Tier         string `json:"tier" gorm:"column:tier;type:varchar(20);not null;default:unknown"`
	VolumeTooLow bool   `json:"volumeTooLow" gorm:"column:volume_too_low;not null;default:false"`
	Advisory     string `json:"advisory" gorm:"column:advisory;type:text;not null;default:''"`

	TranscriptStatus string `json:"transcriptStatus" gorm:"column:transcript_status;type:varchar(20);not null;default:pending"`
	Transcript       string `json:"transcript" gorm:"column:transcript;type:text;not null;default:''"`

	// JobError holds the most recent background-job failure for this
	// recording (fail-soft surface; the capture path never writes it).
	JobError string `json:"jobError" gorm:"column:job_error;type:text;not null;default:''"`

	CreatedDate time.Time `json:"createdDate" gorm:"type:timestamp;not null;<-:create"`
	UpdatedDate time.Time `json:"updatedDate" gorm:"type:timestamp;default:null"`
}

func (Recording) TableName() string {
	return "recordings"
}

func (r *Recording) BeforeCreate(tx *gorm.DB) (err error) {
	if r.RecordingID == "" {
		r.RecordingID = uuid.New().String()
	}
	if r.CreatedDate.IsZero() {
		r.CreatedDate = time.Now()
	}
	return nil
}

// FailedOperation is the persisted record of a rejected or failed
// user-initiated action (start/stop/discard). Failures stay causally tied
// to the recording they affected; rejected operations with no session yet
// carry an empty recording id.
//
// There is deliberately no retry machinery attached to these rows: a failed
// start or stop is never replayed automatically.
type FailedOperation struct {
	Id          uint64    `json:"id" gorm:"type:bigint;primaryKey;autoIncrement;<-:create"`
	RecordingID string    `json:"recordingId" gorm:"column:recording_id;type:varchar(36);not null;default:'';index"`
	Operation   string    `json:"operation" gorm:"column:operation;type:varchar(30);not null"`
	Reason      string    `json:"reason" gorm:"column:reason;type:text;not null"`
	CreatedDate time.Time `json:"createdDate" gorm:"type:timestamp;not null;<-:create"`
}

func (FailedOperation) TableName() string {
	return "failed_operations"
}

func (f *FailedOperation) BeforeCreate(tx *gorm.DB) (err error) {
	if f.CreatedDate.IsZero() {
		f.CreatedDate = time.Now()
	}
	return nil
}
