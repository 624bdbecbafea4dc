// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_uploader

import (
	"time"

	"gorm.io/gorm"
)

// Upload task status constants.
const (
	UploadPending   = "pending"   // Waiting for its next_eligible time
	UploadUploading = "uploading" // Transfer in flight
	UploadSynced    = "synced"    // Confirmed by the remote store
	UploadFailed    = "failed"    // Terminal; retry budget exhausted
)

// UploadTask is one durable unit of remote-sync work. Rows survive process
// restarts; a task only leaves the retry cycle on confirmed sync or after
// the attempt cap.
//
// A retryable failure keeps the row pending with an advanced next_eligible
// timestamp; the status never carries the transient error itself.
type UploadTask struct {
	Id          uint64 `json:"id" gorm:"type:bigint;primaryKey;autoIncrement;<-:create"`
	RecordingID string `json:"recordingId" gorm:"column:recording_id;type:varchar(36);not null;uniqueIndex"`
	Path        string `json:"path" gorm:"column:path;type:text;not null"`
	Status      string `json:"status" gorm:"column:status;type:varchar(20);not null;default:pending"`

	Attempts     int       `json:"attempts" gorm:"column:attempts;type:int;not null;default:0"`
	NextEligible time.Time `json:"nextEligible" gorm:"column:next_eligible;type:timestamp"`
	LastError    string    `json:"lastError" gorm:"column:last_error;type:text;not null;default:''"`
	RemoteID     string    `json:"remoteId" gorm:"column:remote_id;type:text;not null;default:''"`

	CreatedDate time.Time `json:"createdDate" gorm:"type:timestamp;not null;<-:create"`
	UpdatedDate time.Time `json:"updatedDate" gorm:"type:timestamp;default:null"`
}

func (UploadTask) TableName() string {
	return "upload_tasks"
}

func (u *UploadTask) BeforeCreate(tx *gorm.DB) (err error) {
	if u.CreatedDate.IsZero() {
		u.CreatedDate = time.Now()
	}
	return nil
}
