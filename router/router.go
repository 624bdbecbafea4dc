// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package routers

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rapidaai/recorder/config"
	internal_capture "github.com/rapidaai/recorder/internal/capture"
	internal_session "github.com/rapidaai/recorder/internal/session"
	internal_uploader "github.com/rapidaai/recorder/internal/uploader"
	"github.com/rapidaai/recorder/pkg/commons"
	"github.com/rapidaai/recorder/pkg/connectors"
)

// New builds the service's HTTP engine: the recording control surface, the
// observation endpoints and the health checks.
func New(
	cfg *config.AppConfig,
	logger commons.Logger,
	machine *internal_session.StateMachine,
	capture *internal_capture.Engine,
	store internal_session.Store,
	queue *internal_uploader.Queue,
	sqlite connectors.SqliteConnector,
) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
	}))

	RecordingRoutes(cfg, engine, logger, machine, capture, store, queue)
	HealthCheckRoutes(cfg, engine, logger, sqlite)
	return engine
}
