// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_uploader

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/recorder/config"
	internal_task "github.com/rapidaai/recorder/internal/task"
	"github.com/rapidaai/recorder/pkg/commons"
	"github.com/rapidaai/recorder/pkg/connectors"
)

type fakeStorage struct {
	mu       sync.Mutex
	calls    int
	inFlight int
	maxSeen  int
	err      error
	remoteID string
	block    chan struct{}
}

func (f *fakeStorage) Upload(ctx context.Context, filePath string, metadata map[string]string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	f.inFlight--
	err := f.err
	remoteID := f.remoteID
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	if remoteID == "" {
		remoteID = "remote-" + metadata["recording_id"]
	}
	return remoteID, nil
}

func (f *fakeStorage) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu       sync.Mutex
	messages map[string]string
}

func (f *fakeSink) SetJobError(ctx context.Context, recordingID, kind, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string]string)
	}
	f.messages[recordingID] = kind + ": " + message
	return nil
}

type queueHarness struct {
	queue   *Queue
	tasks   *internal_task.Orchestrator
	storage *fakeStorage
	sink    *fakeSink
	now     time.Time
	mu      sync.Mutex
}

func (h *queueHarness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newQueueHarness(t *testing.T, cfg config.UploadConfig) *queueHarness {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-uploader"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
	)
	require.NoError(t, err)

	connector, err := connectors.NewSqliteConnector(
		filepath.Join(t.TempDir(), "queue.db"), logger, &UploadTask{})
	require.NoError(t, err)
	t.Cleanup(func() { connector.Close() })

	h := &queueHarness{
		tasks:   internal_task.NewOrchestrator(logger),
		storage: &fakeStorage{},
		sink:    &fakeSink{},
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.queue = NewQueue(logger, cfg, connector.DB(context.Background()), h.storage, h.sink, h.tasks)
	h.queue.clock = func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	}
	return h
}

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		RemoteURL:   "http://storage.test",
		Timeout:     time.Second,
		Concurrency: 2,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 5,
	}
}

func TestEnqueueCreatesPendingTask(t *testing.T) {
	h := newQueueHarness(t, testUploadConfig())
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))

	task, err := h.queue.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, UploadPending, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.False(t, task.NextEligible.After(h.now), "fresh task must be immediately eligible")
}

func TestEnqueueSameRecordingTwiceIsNoOp(t *testing.T) {
	h := newQueueHarness(t, testUploadConfig())
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))
	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))

	tasks, err := h.queue.List(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "duplicate enqueue must not create a second task")
}

func TestSuccessfulUploadMovesToSynced(t *testing.T) {
	h := newQueueHarness(t, testUploadConfig())
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))
	require.NoError(t, h.queue.ProcessOnce(ctx))

	task, err := h.queue.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, UploadSynced, task.Status)
	assert.Equal(t, "remote-rec-1", task.RemoteID)
	assert.Empty(t, task.LastError)

	// Synced tasks never run again.
	require.NoError(t, h.queue.ProcessOnce(ctx))
	assert.Equal(t, 1, h.storage.callCount())
}

func TestFailureBackoffIsStrictlyIncreasing(t *testing.T) {
	h := newQueueHarness(t, testUploadConfig())
	h.storage.err = errors.New("remote unavailable")
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))

	var eligibles []time.Time
	for i := 0; i < 3; i++ {
		require.NoError(t, h.queue.ProcessOnce(ctx))
		task, err := h.queue.Get(ctx, "rec-1")
		require.NoError(t, err)
		assert.Equal(t, UploadPending, task.Status, "task must stay pending while budget remains")
		assert.Equal(t, i+1, task.Attempts)
		assert.Equal(t, "remote unavailable", task.LastError)
		eligibles = append(eligibles, task.NextEligible)
		h.advance(task.NextEligible.Sub(h.now) + time.Millisecond)
	}

	require.Len(t, eligibles, 3)
	assert.True(t, eligibles[1].After(eligibles[0]), "second deadline must be later than first")
	assert.True(t, eligibles[2].After(eligibles[1]), "third deadline must be later than second")

	// Delays double: 4s, 8s, 16s from the moment of each failure.
	gap1 := eligibles[1].Sub(eligibles[0])
	gap2 := eligibles[2].Sub(eligibles[1])
	assert.Greater(t, gap2, gap1, "backoff must grow exponentially")
}

func TestTaskNotEligibleBeforeBackoffElapses(t *testing.T) {
	h := newQueueHarness(t, testUploadConfig())
	h.storage.err = errors.New("remote unavailable")
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))
	require.NoError(t, h.queue.ProcessOnce(ctx))
	require.Equal(t, 1, h.storage.callCount())

	// Clock has not reached next_eligible; nothing to do.
	require.NoError(t, h.queue.ProcessOnce(ctx))
	assert.Equal(t, 1, h.storage.callCount(), "backoff deadline must be respected")

	h.advance(time.Hour)
	require.NoError(t, h.queue.ProcessOnce(ctx))
	assert.Equal(t, 2, h.storage.callCount())
}

func TestTerminalFailureAfterMaxAttempts(t *testing.T) {
	cfg := testUploadConfig()
	cfg.MaxAttempts = 3
	h := newQueueHarness(t, cfg)
	h.storage.err = errors.New("remote unavailable")
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.queue.ProcessOnce(ctx))
		h.advance(time.Hour)
	}

	task, err := h.queue.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, UploadFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)

	// Terminal failure is surfaced on the owning recording.
	h.sink.mu.Lock()
	msg := h.sink.messages["rec-1"]
	h.sink.mu.Unlock()
	assert.Contains(t, msg, "upload:")
	assert.Contains(t, msg, "failed after 3 attempts")

	// And never retried again.
	require.NoError(t, h.queue.ProcessOnce(ctx))
	assert.Equal(t, 3, h.storage.callCount())
}

func TestRecoverRequeuesInterruptedTransfers(t *testing.T) {
	h := newQueueHarness(t, testUploadConfig())
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))
	require.NoError(t, h.queue.Enqueue(ctx, "rec-2", "/tmp/rec-2.wav"))

	// Simulate a crash mid-transfer.
	require.NoError(t, h.queue.db.Model(&UploadTask{}).
		Where("recording_id = ?", "rec-1").
		Update("status", UploadUploading).Error)

	require.NoError(t, h.queue.Recover(ctx))

	task, err := h.queue.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, UploadPending, task.Status, "interrupted transfer must be requeued")

	require.NoError(t, h.queue.ProcessOnce(ctx))
	for _, id := range []string{"rec-1", "rec-2"} {
		task, err := h.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, UploadSynced, task.Status)
	}
}

func TestConcurrencyCapIsEnforced(t *testing.T) {
	h := newQueueHarness(t, testUploadConfig())
	h.storage.block = make(chan struct{})
	h.queue.clock = time.Now
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"rec-1", "rec-2", "rec-3", "rec-4"} {
		require.NoError(t, h.queue.Enqueue(ctx, id, "/tmp/"+id+".wav"))
	}

	h.queue.Start(ctx)
	defer func() {
		close(h.storage.block)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		require.NoError(t, h.queue.Shutdown(shutdownCtx))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.storage.mu.Lock()
		inFlight := h.storage.inFlight
		h.storage.mu.Unlock()
		if inFlight == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.storage.mu.Lock()
	maxSeen := h.storage.maxSeen
	inFlight := h.storage.inFlight
	h.storage.mu.Unlock()
	assert.Equal(t, 2, inFlight, "both semaphore slots should be busy")
	assert.LessOrEqual(t, maxSeen, 2, "cap of two simultaneous transfers")
}

func waitForStatus(t *testing.T, h *queueHarness, recordingID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := h.queue.Get(context.Background(), recordingID)
		if err == nil && task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", recordingID, want)
}

func TestQueueRestartsAfterShutdown(t *testing.T) {
	h := newQueueHarness(t, testUploadConfig())
	h.queue.clock = time.Now
	ctx := context.Background()

	h.queue.Start(ctx)
	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))
	waitForStatus(t, h, "rec-1", UploadSynced)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(t, h.queue.Shutdown(shutdownCtx))
	cancel()

	// A second lifecycle on the same queue must transfer again.
	h.queue.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.queue.Shutdown(shutdownCtx))
	}()
	require.NoError(t, h.queue.Enqueue(ctx, "rec-2", "/tmp/rec-2.wav"))
	waitForStatus(t, h, "rec-2", UploadSynced)
}

func TestInFlightCommitSurvivesTeardown(t *testing.T) {
	h := newQueueHarness(t, testUploadConfig())
	h.queue.clock = time.Now
	h.storage.block = make(chan struct{})
	ctx := context.Background()

	h.queue.Start(ctx)
	require.NoError(t, h.queue.Enqueue(ctx, "rec-1", "/tmp/rec-1.wav"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.storage.mu.Lock()
		inFlight := h.storage.inFlight
		h.storage.mu.Unlock()
		if inFlight == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, h.tasks.Running("upload:rec-1"), "transfer must run as a named job")

	// Teardown cancels transcriptions and the like, but an upload commit is
	// critical: it finishes rather than being cancelled.
	cancelCtx, cancelTeardown := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_ = h.tasks.CancelAll(cancelCtx)
	cancelTeardown()
	assert.True(t, h.tasks.Running("upload:rec-1"), "critical commit must survive teardown")

	close(h.storage.block)
	waitForStatus(t, h, "rec-1", UploadSynced)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Shutdown(shutdownCtx))
}

func TestBackoffGrowthAndCap(t *testing.T) {
	cfg := testUploadConfig()
	cfg.BaseDelay = 2 * time.Second
	cfg.MaxDelay = 20 * time.Second
	h := newQueueHarness(t, cfg)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 1, want: 4 * time.Second},
		{attempts: 2, want: 8 * time.Second},
		{attempts: 3, want: 16 * time.Second},
		{attempts: 4, want: 20 * time.Second},
		{attempts: 10, want: 20 * time.Second},
	}
	for _, tc := range tests {
		if got := h.queue.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}
