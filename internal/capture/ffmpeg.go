// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rapidaai/recorder/config"
	internal_audio "github.com/rapidaai/recorder/internal/audio"
	"github.com/rapidaai/recorder/pkg/commons"
)

// ffmpegStream captures the default microphone through an ffmpeg child
// process emitting raw little-endian int16 PCM on stdout. Read pulls one
// tick's worth of frames and converts them to the normalized float scale.
type ffmpegStream struct {
	logger commons.Logger
	cfg    config.AudioConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser

	frameBytes int
}

func NewFFmpegStream(logger commons.Logger, cfg config.AudioConfig) *ffmpegStream {
	samplesPerTick := int(float64(cfg.SampleRate) * cfg.TickInterval.Seconds())
	return &ffmpegStream{
		logger:     logger,
		cfg:        cfg,
		frameBytes: samplesPerTick * int(cfg.Channels) * AudioBytesPerSample,
	}
}

func (s *ffmpegStream) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found on PATH: %w", err)
	}

	// The child's lifetime belongs to the stream, not to the opening call's
	// context: the request that starts a recording returns long before the
	// recording ends. Stop kills the process explicitly.
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "pulse",
		"-i", "default",
		"-ac", strconv.Itoa(int(s.cfg.Channels)),
		"-ar", strconv.FormatUint(uint64(s.cfg.SampleRate), 10),
		"-f", "s16le",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("unable to open ffmpeg stdout: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdout = stdout
	s.mu.Unlock()
	return nil
}

func (s *ffmpegStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return fmt.Errorf("stream not opened")
	}
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("unable to start ffmpeg capture: %w", err)
	}
	return nil
}

// Read blocks until a full tick of PCM has arrived and returns it as a
// normalized buffer. The driver paces delivery at the capture rate.
func (s *ffmpegStream) Read() (internal_audio.Buffer, error) {
	s.mu.Lock()
	stdout := s.stdout
	s.mu.Unlock()
	if stdout == nil {
		return internal_audio.Buffer{}, fmt.Errorf("stream not opened")
	}

	raw := make([]byte, s.frameBytes)
	if _, err := io.ReadFull(stdout, raw); err != nil {
		return internal_audio.Buffer{}, err
	}

	samples := make([]float64, len(raw)/AudioBytesPerSample)
	for i := range samples {
		v := int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		samples[i] = float64(v) / 32768.0
	}
	return internal_audio.Buffer{Samples: samples, SampleRate: s.cfg.SampleRate}, nil
}

func (s *ffmpegStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	// Killing the process unblocks any Read on stdout.
	if err := s.cmd.Process.Kill(); err != nil {
		return err
	}
	s.cmd.Wait()
	return nil
}

func (s *ffmpegStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdout != nil {
		s.stdout.Close()
		s.stdout = nil
	}
	s.cmd = nil
	return nil
}

// devicePermission grants microphone access when a capture binary and input
// device are reachable. Single-shot and idempotent; it never prompts twice.
type devicePermission struct {
	logger commons.Logger
}

func NewDevicePermission(logger commons.Logger) *devicePermission {
	return &devicePermission{logger: logger}
}

func (p *devicePermission) RequestMicrophonePermission(ctx context.Context) (bool, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		p.logger.Warnf("microphone permission denied: ffmpeg not available: %v", err)
		return false, nil
	}
	return true, nil
}
