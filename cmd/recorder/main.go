// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rapidaai/recorder/config"
	internal_capture "github.com/rapidaai/recorder/internal/capture"
	internal_session "github.com/rapidaai/recorder/internal/session"
	internal_task "github.com/rapidaai/recorder/internal/task"
	internal_uploader "github.com/rapidaai/recorder/internal/uploader"
	storage_client "github.com/rapidaai/recorder/pkg/clients/storage"
	transcription_client "github.com/rapidaai/recorder/pkg/clients/transcription"
	"github.com/rapidaai/recorder/pkg/commons"
	"github.com/rapidaai/recorder/pkg/connectors"
	routers "github.com/rapidaai/recorder/router"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("unable to initialize config: %v", err)
	}
	cfg, err := config.NewAppConfig(vConfig)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := commons.NewApplicationLogger(
		commons.Name(cfg.Name),
		commons.Path(cfg.LogPath),
		commons.Level(cfg.LogLevel),
	)
	if err != nil {
		log.Fatalf("unable to create logger: %v", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.RecordingDir, 0o755); err != nil {
		logger.Fatalf("unable to create recording directory %s: %v", cfg.RecordingDir, err)
	}

	sqlite, err := connectors.NewSqliteConnector(cfg.DatabasePath, logger,
		&internal_session.Recording{},
		&internal_session.FailedOperation{},
		&internal_uploader.UploadTask{},
	)
	if err != nil {
		logger.Fatalf("unable to open durable store: %v", err)
	}
	defer sqlite.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := internal_session.NewStore(sqlite, logger)
	engine := internal_capture.NewEngine(logger, cfg.Audio, cfg.MinFreeBytes,
		internal_capture.NewFFmpegStream(logger, cfg.Audio))
	permission := internal_capture.NewDevicePermission(logger)
	transcriber := transcription_client.NewTranscriptionClient(cfg, logger)
	storage := storage_client.NewStorageClient(cfg, logger)
	orchestrator := internal_task.NewOrchestrator(logger)
	queue := internal_uploader.NewQueue(logger, cfg.Upload, sqlite.DB(ctx), storage, store, orchestrator)
	machine := internal_session.NewStateMachine(logger, cfg, engine, permission, transcriber, store, orchestrator, queue)

	// Pick up work a previous process left behind. Only background jobs are
	// resumed; recording never starts without an explicit request.
	if err := queue.Recover(ctx); err != nil {
		logger.Errorf("upload queue recovery failed: %v", err)
	}
	if err := machine.Recover(ctx); err != nil {
		logger.Errorf("session recovery failed: %v", err)
	}
	queue.Start(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: routers.New(cfg, logger, machine, engine, store, queue, sqlite),
	}
	go func() {
		logger.Infof("%s %s listening on %s", cfg.Name, cfg.Version, server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
	if machine.State() == internal_session.StateRecording {
		if _, err := machine.Stop(shutdownCtx); err != nil {
			logger.Errorf("unable to stop active recording: %v", err)
		}
	}
	// Transcriptions are cancellable; in-flight upload commits finish or
	// stay pending on disk for the next boot.
	if err := orchestrator.CancelAll(shutdownCtx); err != nil {
		logger.Errorf("task teardown: %v", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("upload queue teardown: %v", err)
	}
	logger.Info("shutdown complete")
}
