// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package storage_client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/recorder/config"
	internal_type "github.com/rapidaai/recorder/internal/type"
	"github.com/rapidaai/recorder/pkg/commons"
)

// storageClient pushes finished recordings to the remote store. It speaks a
// single multipart call; credentials and refresh live entirely behind the
// configured auth token.
type storageClient struct {
	cfg    *config.AppConfig
	logger commons.Logger
	http   *resty.Client
}

type uploadResponse struct {
	RemoteID string `json:"remoteId"`
}

func NewStorageClient(cfg *config.AppConfig, logger commons.Logger) internal_type.CloudStorage {
	http := resty.New().
		SetBaseURL(cfg.Upload.RemoteURL).
		SetTimeout(cfg.Upload.Timeout)
	if cfg.Upload.AuthToken != "" {
		http.SetAuthToken(cfg.Upload.AuthToken)
	}
	return &storageClient{
		cfg:    cfg,
		logger: logger,
		http:   http,
	}
}

func (s *storageClient) Upload(ctx context.Context, filePath string, metadata map[string]string) (string, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetFile("recording", filePath).
		SetFormData(metadata).
		Post("/v1/objects")
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("remote store returned %s", resp.Status())
	}

	var out uploadResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("unable to decode upload response: %w", err)
	}
	if out.RemoteID == "" {
		return "", fmt.Errorf("remote store returned no object id")
	}
	s.logger.Debugf("uploaded %s as remote object %s", filePath, out.RemoteID)
	return out.RemoteID, nil
}
