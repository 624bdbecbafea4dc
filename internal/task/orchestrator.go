// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_task

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/recorder/pkg/commons"
)

var ErrDuplicateJob = errors.New("job with this name is already running")

// Job is the unit of background work. Cancellation is cooperative: the job
// must observe ctx at its suspension points. Jobs receive owned copies of
// the data they need (recording id, file path), never live back-references,
// so completion cannot race against consumer teardown.
type Job func(ctx context.Context) error

type jobEntry struct {
	name     string
	cancel   context.CancelFunc
	done     chan struct{}
	critical bool
}

type Option func(*jobEntry)

// Critical marks a job that must be allowed to finish during teardown
// (e.g. an in-flight upload commit). CancelAll waits for critical jobs
// instead of cancelling them.
func Critical() Option {
	return func(j *jobEntry) { j.critical = true }
}

// Orchestrator is a named-task registry. The name is the deduplication key:
// at most one job per name runs at a time, and dispatching a duplicate is a
// rejection, not a queued duplicate.
type Orchestrator struct {
	logger commons.Logger

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

func NewOrchestrator(logger commons.Logger) *Orchestrator {
	return &Orchestrator{
		logger: logger,
		jobs:   make(map[string]*jobEntry),
	}
}

// Dispatch runs fn on its own goroutine under the given name. Each job owns
// a context derived from Background, not from the caller: the dispatcher's
// lifetime must not short-circuit a job that outlives the request that
// started it.
//
// A failure (error or panic) is logged and recorded by the job itself on
// the entity it owns; it never propagates to or cancels sibling jobs.
func (o *Orchestrator) Dispatch(name string, fn Job, opts ...Option) error {
	o.mu.Lock()
	if _, exists := o.jobs[name]; exists {
		o.mu.Unlock()
		return ErrDuplicateJob
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &jobEntry{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(entry)
	}
	o.jobs[name] = entry
	o.mu.Unlock()

	go o.run(ctx, entry, fn)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, entry *jobEntry, fn Job) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorf("job %s panicked: %v", entry.name, r)
		}
		entry.cancel()
		o.mu.Lock()
		delete(o.jobs, entry.name)
		o.mu.Unlock()
		close(entry.done)
	}()

	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			o.logger.Infof("job %s cancelled: %v", entry.name, err)
			return
		}
		o.logger.Errorf("job %s failed: %v", entry.name, err)
	}
}

// Cancel signals the named job to stop and returns immediately. Unknown
// names are a no-op.
func (o *Orchestrator) Cancel(name string) {
	o.mu.Lock()
	entry, ok := o.jobs[name]
	o.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// Running reports whether a job with the given name is currently in flight.
func (o *Orchestrator) Running(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.jobs[name]
	return ok
}

// CancelAll cancels every non-critical job, then waits for all jobs -
// including critical ones, which keep running - until ctx expires.
func (o *Orchestrator) CancelAll(ctx context.Context) error {
	o.mu.Lock()
	entries := make([]*jobEntry, 0, len(o.jobs))
	for _, entry := range o.jobs {
		entries = append(entries, entry)
	}
	o.mu.Unlock()

	for _, entry := range entries {
		if !entry.critical {
			entry.cancel()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			select {
			case <-entry.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
