// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_type

import (
	"context"

	internal_audio "github.com/rapidaai/recorder/internal/audio"
)

// Permission asks for microphone access. Single-shot and idempotent; denial
// is terminal for the attempted session and is never auto-retried.
type Permission interface {
	RequestMicrophonePermission(ctx context.Context) (bool, error)
}

// InputStream is a live microphone source. The capture engine drives the
// full lifecycle: Open -> Start -> Read per tick -> Stop -> Close.
type InputStream interface {
	// Open prepares the underlying device. An unavailable input device
	// surfaces here, before any recording state is created.
	Open(ctx context.Context) error
	// Start begins delivery. Read blocks until a buffer is available.
	Start() error
	// Read returns the next captured buffer on the normalized [-1,1] scale.
	Read() (internal_audio.Buffer, error)
	Stop() error
	Close() error
}

// Transcriber turns a finished recording into plain text. Treated as an
// opaque, potentially slow, best-effort capability.
type Transcriber interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// CloudStorage pushes a finished recording to the remote store and returns
// its remote identifier. Authentication is entirely the collaborator's
// responsibility.
type CloudStorage interface {
	Upload(ctx context.Context, filePath string, metadata map[string]string) (string, error)
}
