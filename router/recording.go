// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package routers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/recorder/config"
	internal_capture "github.com/rapidaai/recorder/internal/capture"
	internal_session "github.com/rapidaai/recorder/internal/session"
	internal_uploader "github.com/rapidaai/recorder/internal/uploader"
	"github.com/rapidaai/recorder/pkg/commons"
)

// recordingApi is the HTTP control surface over the lifecycle state machine.
// Every mutation goes through the machine; the handlers add nothing beyond
// transport.
type recordingApi struct {
	cfg     *config.AppConfig
	logger  commons.Logger
	machine *internal_session.StateMachine
	capture *internal_capture.Engine
	store   internal_session.Store
	queue   *internal_uploader.Queue
}

func RecordingRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	machine *internal_session.StateMachine,
	capture *internal_capture.Engine,
	store internal_session.Store,
	queue *internal_uploader.Queue,
) {
	apiv1 := engine.Group("v1")
	rApi := &recordingApi{cfg: cfg, logger: logger, machine: machine, capture: capture, store: store, queue: queue}
	{
		apiv1.POST("/recordings", rApi.Start)
		apiv1.POST("/recordings/:recordingId/stop", rApi.Stop)
		apiv1.POST("/recordings/:recordingId/discard", rApi.Discard)
		apiv1.POST("/recorder/reset", rApi.Reset)
		apiv1.POST("/recorder/boost", rApi.Boost)
		apiv1.GET("/recorder", rApi.Status)
		apiv1.GET("/recorder/levels", rApi.Levels)
		apiv1.GET("/recordings", rApi.List)
		apiv1.GET("/recordings/:recordingId", rApi.Get)
		apiv1.GET("/uploads", rApi.Uploads)
		apiv1.GET("/failures", rApi.Failures)
	}
}

func (r *recordingApi) Start(c *gin.Context) {
	recordingID, err := r.machine.Start(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"recordingId": recordingID,
		"state":       r.machine.State().String(),
	})
}

func (r *recordingApi) Stop(c *gin.Context) {
	if !r.ownsActiveSession(c) {
		return
	}
	rec, err := r.machine.Stop(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *recordingApi) Discard(c *gin.Context) {
	if !r.ownsActiveSession(c) {
		return
	}
	if err := r.machine.Discard(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": r.machine.State().String()})
}

func (r *recordingApi) Reset(c *gin.Context) {
	if err := r.machine.Reset(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": r.machine.State().String()})
}

func (r *recordingApi) Status(c *gin.Context) {
	out := gin.H{
		"state":     r.machine.State().String(),
		"elapsedMs": r.machine.Elapsed().Milliseconds(),
	}
	if current := r.machine.Current(); current != nil {
		out["recordingId"] = current.RecordingID
		out["startedAt"] = current.StartedAt
	}
	c.JSON(http.StatusOK, out)
}

// Levels exposes the most recent per-tick measurements for live metering.
// Purely observational; a stale or missed read never affects capture.
func (r *recordingApi) Levels(c *gin.Context) {
	if r.machine.State() != internal_session.StateRecording {
		c.JSON(http.StatusConflict, gin.H{"error": "no active recording"})
		return
	}
	c.JSON(http.StatusOK, levelsBody(r.capture.Levels()))
}

// Boost forces an immediate gain retarget, bypassing hysteresis, for the
// case where the user explicitly asks for more input level.
func (r *recordingApi) Boost(c *gin.Context) {
	if r.machine.State() != internal_session.StateRecording {
		c.JSON(http.StatusConflict, gin.H{"error": "no active recording"})
		return
	}
	r.capture.Boost()
	c.JSON(http.StatusOK, levelsBody(r.capture.Levels()))
}

func levelsBody(levels internal_capture.Levels) gin.H {
	return gin.H{
		"peak":          levels.Snapshot.Peak,
		"rms":           levels.Snapshot.RMS,
		"activityRatio": levels.Snapshot.ActivityRatio,
		"composite":     levels.Snapshot.Composite,
		"tier":          levels.Tier.String(),
		"gain":          levels.Gain.CurrentGain,
		"isAdjusting":   levels.Gain.IsAdjusting,
	}
}

func (r *recordingApi) List(c *gin.Context) {
	recordings, err := r.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": recordings})
}

func (r *recordingApi) Get(c *gin.Context) {
	rec, err := r.store.Get(c.Request.Context(), c.Param("recordingId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *recordingApi) Uploads(c *gin.Context) {
	tasks, err := r.queue.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads": tasks})
}

func (r *recordingApi) Failures(c *gin.Context) {
	failures, err := r.store.ListFailures(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures})
}

// ownsActiveSession rejects stop/discard calls that name a recording other
// than the one in flight. The machine itself enforces lifecycle state.
func (r *recordingApi) ownsActiveSession(c *gin.Context) bool {
	current := r.machine.Current()
	if current == nil || current.RecordingID != c.Param("recordingId") {
		c.JSON(http.StatusConflict, gin.H{"error": "no active recording with this id"})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, internal_session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, internal_session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, internal_capture.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
