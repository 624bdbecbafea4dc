// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_uploader

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/rapidaai/recorder/config"
	internal_task "github.com/rapidaai/recorder/internal/task"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
)

// JobErrorSink receives terminal upload failures so they surface on the
// owning recording instead of a free-floating log.
type JobErrorSink interface {
	SetJobError(ctx context.Context, recordingID, kind, message string) error
}

// Queue is the durable retrying upload queue. Tasks are persisted rows;
// the in-memory part is only scheduling. At most cfg.Concurrency transfers
// run at once, enforced with a weighted semaphore shared by all workers.
// Transfers run as critical orchestrator jobs, so process teardown waits
// for an in-flight commit instead of cancelling it.
type Queue struct {
	logger  commons.Logger
	cfg     config.UploadConfig
	db      *gorm.DB
	storage internal_type.CloudStorage
	errSink JobErrorSink
	tasks   *internal_task.Orchestrator

	sem  *semaphore.Weighted
	wake chan struct{}

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool

	// clock is injectable for backoff tests.
	clock func() time.Time
}

func NewQueue(
	logger commons.Logger,
	cfg config.UploadConfig,
	db *gorm.DB,
	storage internal_type.CloudStorage,
	errSink JobErrorSink,
	tasks *internal_task.Orchestrator,
) *Queue {
	return &Queue{
		logger:  logger,
		cfg:     cfg,
		db:      db,
		storage: storage,
		errSink: errSink,
		tasks:   tasks,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		wake:    make(chan struct{}, 1),
		clock:   time.Now,
	}
}

// Enqueue records a finished recording for upload and nudges the dispatcher.
// Enqueueing the same recording twice is a no-op; the unique index keeps one
// durable task per recording.
func (q *Queue) Enqueue(ctx context.Context, recordingID, path string) error {
	var existing int64
	if err := q.db.WithContext(ctx).
		Model(&UploadTask{}).
		Where("recording_id = ?", recordingID).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("unable to enqueue upload for %s: %w", recordingID, err)
	}
	if existing > 0 {
		q.logger.Warnf("upload already queued for recording %s", recordingID)
		return nil
	}

	task := &UploadTask{
		RecordingID:  recordingID,
		Path:         path,
		Status:       UploadPending,
		NextEligible: q.clock(),
	}
	if err := q.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("unable to enqueue upload for %s: %w", recordingID, err)
	}
	q.logger.Infof("upload queued: recording=%s file=%s", recordingID, filepath.Base(path))
	q.nudge()
	return nil
}

// Recover prepares the queue after a restart: transfers that were in flight
// when the process died go back to pending so they are retried, not lost.
func (q *Queue) Recover(ctx context.Context) error {
	res := q.db.WithContext(ctx).
		Model(&UploadTask{}).
		Where("status = ?", UploadUploading).
		Updates(map[string]interface{}{
			"status":       UploadPending,
			"updated_date": q.clock(),
		})
	if res.Error != nil {
		return fmt.Errorf("unable to recover interrupted uploads: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Infof("requeued %d interrupted uploads", res.RowsAffected)
	}

	var pending int64
	if err := q.db.WithContext(ctx).
		Model(&UploadTask{}).
		Where("status = ?", UploadPending).
		Count(&pending).Error; err != nil {
		return err
	}
	if pending > 0 {
		q.logger.Infof("resuming upload queue with %d pending tasks", pending)
		q.nudge()
	}
	return nil
}

// Start launches the dispatch loop. The loop wakes on enqueue and on a
// coarse poll tick so backoff deadlines are honored without per-task timers.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.loop(ctx, q.stop, q.done)
}

// Shutdown stops dispatching and waits for in-flight transfers to finish or
// ctx to expire. Undelivered tasks stay pending on disk.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.stop)
	done := q.done
	q.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Draining the semaphore waits out every in-flight transfer. The
	// permits go back afterwards so the queue can be started again.
	if err := q.sem.Acquire(ctx, int64(q.cfg.Concurrency)); err != nil {
		return err
	}
	q.sem.Release(int64(q.cfg.Concurrency))
	return nil
}

// List returns all tasks, newest first, for the observation surface.
func (q *Queue) List(ctx context.Context) ([]UploadTask, error) {
	var tasks []UploadTask
	err := q.db.WithContext(ctx).
		Order("created_date DESC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("unable to list upload tasks: %w", err)
	}
	return tasks, nil
}

// Get returns the task for a recording.
func (q *Queue) Get(ctx context.Context, recordingID string) (*UploadTask, error) {
	var task UploadTask
	err := q.db.WithContext(ctx).
		Where("recording_id = ?", recordingID).
		First(&task).Error
	if err != nil {
		return nil, fmt.Errorf("unable to find upload task for %s: %w", recordingID, err)
	}
	return &task, nil
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.dispatchDue(ctx, stop)
	}
}

// dispatchDue claims every eligible pending task and hands each to a
// critical orchestrator job gated by the semaphore. Critical means teardown
// waits for the commit; the durable row keeps the task safe either way.
func (q *Queue) dispatchDue(ctx context.Context, stop <-chan struct{}) {
	tasks, err := q.claimDue(ctx)
	if err != nil {
		q.logger.Errorf("unable to claim upload tasks: %v", err)
		return
	}
	for i := range tasks {
		task := tasks[i]
		if err := q.sem.Acquire(ctx, 1); err != nil {
			// Shutting down; release the claim so the task is retried.
			q.release(context.Background(), &task)
			return
		}
		select {
		case <-stop:
			q.sem.Release(1)
			q.release(context.Background(), &task)
			return
		default:
		}
		err := q.tasks.Dispatch("upload:"+task.RecordingID, func(jobCtx context.Context) error {
			defer q.sem.Release(1)
			q.transfer(jobCtx, &task)
			return nil
		}, internal_task.Critical())
		if err != nil {
			// The claim already guards against double delivery; a name
			// collision here means a stale worker, so put the row back.
			q.logger.Warnf("upload dispatch rejected for %s: %v", task.RecordingID, err)
			q.sem.Release(1)
			q.release(context.Background(), &task)
		}
	}
}

// ProcessOnce runs a single synchronous dispatch round: claim every eligible
// task and transfer each in turn. Intended for tests and one-shot tooling;
// the concurrency cap does not apply since transfers are sequential here.
func (q *Queue) ProcessOnce(ctx context.Context) error {
	tasks, err := q.claimDue(ctx)
	if err != nil {
		return err
	}
	for i := range tasks {
		q.transfer(ctx, &tasks[i])
	}
	return nil
}

// claimDue atomically moves eligible pending tasks to uploading and returns
// them. The status flip is the claim; a second dispatcher round cannot pick
// the same rows.
func (q *Queue) claimDue(ctx context.Context) ([]UploadTask, error) {
	now := q.clock()
	var claimed []UploadTask
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []UploadTask
		if err := tx.
			Where("status = ? AND next_eligible <= ?", UploadPending, now).
			Order("created_date ASC").
			Find(&due).Error; err != nil {
			return err
		}
		for i := range due {
			res := tx.Model(&UploadTask{}).
				Where("id = ? AND status = ?", due[i].Id, UploadPending).
				Updates(map[string]interface{}{
					"status":       UploadUploading,
					"updated_date": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				due[i].Status = UploadUploading
				claimed = append(claimed, due[i])
			}
		}
		return nil
	})
	return claimed, err
}

// release puts a claimed-but-unstarted task back to pending.
func (q *Queue) release(ctx context.Context, task *UploadTask) {
	err := q.db.WithContext(ctx).Model(&UploadTask{}).
		Where("id = ?", task.Id).
		Update("status", UploadPending).Error
	if err != nil {
		q.logger.Errorf("unable to release upload task %d: %v", task.Id, err)
	}
}

// transfer performs one upload attempt and persists the outcome.
func (q *Queue) transfer(ctx context.Context, task *UploadTask) {
	callCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	remoteID, err := q.storage.Upload(callCtx, task.Path, map[string]string{
		"recording_id": task.RecordingID,
	})
	if err != nil {
		q.recordFailure(ctx, task, err)
		return
	}

	update := q.db.WithContext(ctx).Model(&UploadTask{}).
		Where("id = ?", task.Id).
		Updates(map[string]interface{}{
			"status":       UploadSynced,
			"remote_id":    remoteID,
			"last_error":   "",
			"updated_date": q.clock(),
		})
	if update.Error != nil {
		q.logger.Errorf("unable to mark upload %s synced: %v", task.RecordingID, update.Error)
		return
	}
	q.logger.Infof("upload synced: recording=%s remote=%s attempts=%d", task.RecordingID, remoteID, task.Attempts+1)
}

// recordFailure applies the retry policy: bump the attempt count, back off
// exponentially while budget remains, otherwise mark the task terminally
// failed and surface it on the recording.
func (q *Queue) recordFailure(ctx context.Context, task *UploadTask, cause error) {
	attempts := task.Attempts + 1
	now := q.clock()

	if attempts >= q.cfg.MaxAttempts {
		err := q.db.WithContext(ctx).Model(&UploadTask{}).
			Where("id = ?", task.Id).
			Updates(map[string]interface{}{
				"status":       UploadFailed,
				"attempts":     attempts,
				"last_error":   cause.Error(),
				"updated_date": now,
			}).Error
		if err != nil {
			q.logger.Errorf("unable to mark upload %s failed: %v", task.RecordingID, err)
			return
		}
		if sinkErr := q.errSink.SetJobError(ctx, task.RecordingID, "upload", fmt.Sprintf("failed after %d attempts: %v", attempts, cause)); sinkErr != nil {
			q.logger.Errorf("unable to surface upload failure for %s: %v", task.RecordingID, sinkErr)
		}
		q.logger.Errorf("upload terminally failed: recording=%s attempts=%d err=%v", task.RecordingID, attempts, cause)
		return
	}

	delay := q.backoff(attempts)
	err := q.db.WithContext(ctx).Model(&UploadTask{}).
		Where("id = ?", task.Id).
		Updates(map[string]interface{}{
			"status":        UploadPending,
			"attempts":      attempts,
			"next_eligible": now.Add(delay),
			"last_error":    cause.Error(),
			"updated_date":  now,
		}).Error
	if err != nil {
		q.logger.Errorf("unable to schedule upload retry for %s: %v", task.RecordingID, err)
		return
	}
	q.logger.Warnf("upload attempt %d failed for %s, retrying in %s: %v", attempts, task.RecordingID, delay, cause)
}

// backoff grows baseDelay * 2^attempts, capped at MaxDelay.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.cfg.BaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	return delay
}
