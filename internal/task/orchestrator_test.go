// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/recorder/pkg/commons"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-task"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
	)
	require.NoError(t, err)
	return NewOrchestrator(logger)
}

func TestDispatchRunsJob(t *testing.T) {
	o := newTestOrchestrator(t)
	done := make(chan struct{})

	err := o.Dispatch("job-1", func(ctx context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}

func TestDuplicateDispatchIsRejected(t *testing.T) {
	o := newTestOrchestrator(t)
	release := make(chan struct{})
	var runs atomic.Int32

	require.NoError(t, o.Dispatch("transcribe:rec-1", func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}))

	err := o.Dispatch("transcribe:rec-1", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.True(t, o.Running("transcribe:rec-1"))

	close(release)
	waitNotRunning(t, o, "transcribe:rec-1")
	assert.Equal(t, int32(1), runs.Load(), "exactly one job must have run")
}

func TestNameIsReusableAfterCompletion(t *testing.T) {
	o := newTestOrchestrator(t)

	require.NoError(t, o.Dispatch("job", func(ctx context.Context) error { return nil }))
	waitNotRunning(t, o, "job")

	assert.NoError(t, o.Dispatch("job", func(ctx context.Context) error { return nil }),
		"name must be free once the first job completes")
}

func TestJobFailureIsIsolated(t *testing.T) {
	o := newTestOrchestrator(t)
	sibling := make(chan struct{})

	require.NoError(t, o.Dispatch("failing", func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, o.Dispatch("panicking", func(ctx context.Context) error {
		panic("boom")
	}))
	require.NoError(t, o.Dispatch("sibling", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			t.Error("sibling was cancelled by another job's failure")
		case <-sibling:
		}
		return nil
	}))

	waitNotRunning(t, o, "failing")
	waitNotRunning(t, o, "panicking")
	assert.True(t, o.Running("sibling"), "sibling must survive other jobs failing")
	close(sibling)
	waitNotRunning(t, o, "sibling")
}

func TestCancelStopsJob(t *testing.T) {
	o := newTestOrchestrator(t)
	cancelled := make(chan struct{})

	require.NoError(t, o.Dispatch("long", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	o.Cancel("long")
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job did not observe cancellation")
	}
	waitNotRunning(t, o, "long")
}

func TestCancelAllSparesCriticalJobs(t *testing.T) {
	o := newTestOrchestrator(t)
	criticalDone := make(chan struct{})
	var criticalCancelled atomic.Bool

	require.NoError(t, o.Dispatch("transcribe", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, o.Dispatch("upload-commit", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			criticalCancelled.Store(true)
		case <-criticalDone:
		}
		return nil
	}, Critical()))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(criticalDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.CancelAll(ctx))

	assert.False(t, criticalCancelled.Load(), "critical job must be allowed to finish")
	assert.False(t, o.Running("transcribe"))
	assert.False(t, o.Running("upload-commit"))
}

func waitNotRunning(t *testing.T, o *Orchestrator, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !o.Running(name) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s still running", name)
}
