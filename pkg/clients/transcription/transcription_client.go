// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package transcription_client

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/recorder/config"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
)

// transcriptionClient posts a finished recording to the configured engine
// and returns its plain-text result. The engine is opaque: no model choice,
// no streaming, no partial results.
type transcriptionClient struct {
	cfg    *config.AppConfig
	logger commons.Logger
	http   *resty.Client
}

func NewTranscriptionClient(cfg *config.AppConfig, logger commons.Logger) internal_type.Transcriber {
	http := resty.New().
		SetBaseURL(cfg.Transcribe.EngineURL).
		SetTimeout(cfg.Transcribe.Timeout)
	return &transcriptionClient{
		cfg:    cfg,
		logger: logger,
		http:   http,
	}
}

func (t *transcriptionClient) Transcribe(ctx context.Context, filePath string) (string, error) {
	resp, err := t.http.R().
		SetContext(ctx).
		SetFile("audio", filePath).
		Post("/v1/transcriptions")
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("transcription engine returned %s", resp.Status())
	}
	t.logger.Debugf("transcription completed for %s (%d bytes)", filePath, len(resp.Body()))
	return string(resp.Body()), nil
}
