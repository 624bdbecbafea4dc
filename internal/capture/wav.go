// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	AudioBytesPerSample = 2  // LINEAR16 → 2 bytes per sample
	AudioBitsPerSample  = 16 // LINEAR16 → 16 bits per sample
	AudioPCMFormat      = 1  // WAV PCM format tag

	wavHeaderSize = 44
)

// wavSink streams LINEAR16 PCM into a WAV file. The header is written with
// zeroed chunk sizes up front and patched on Close, so a crash mid-recording
// still leaves a recognizable (if unpatched) file for recovery.
type wavSink struct {
	file       *os.File
	sampleRate uint32
	channels   uint16
	dataBytes  uint32
}

func newWAVSink(path string, sampleRate uint32, channels uint16) (*wavSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create recording file %s: %w", path, err)
	}
	s := &wavSink{file: f, sampleRate: sampleRate, channels: channels}
	if err := s.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	// writeHeader uses WriteAt; position the append cursor past the header.
	if _, err := f.Seek(wavHeaderSize, io.SeekStart); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("unable to seek past wav header: %w", err)
	}
	return s, nil
}

func (s *wavSink) writeHeader() error {
	buf := make([]byte, 0, wavHeaderSize)
	bps := s.sampleRate * uint32(s.channels) * AudioBytesPerSample

	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, 36+s.dataBytes)
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, AudioPCMFormat)
	buf = binary.LittleEndian.AppendUint16(buf, s.channels)
	buf = binary.LittleEndian.AppendUint32(buf, s.sampleRate)
	buf = binary.LittleEndian.AppendUint32(buf, bps)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(s.channels)*AudioBytesPerSample)
	buf = binary.LittleEndian.AppendUint16(buf, AudioBitsPerSample)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, s.dataBytes)

	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("unable to write wav header: %w", err)
	}
	return nil
}

// WriteSamples appends normalized [-1,1] samples as little-endian int16 PCM.
func (s *wavSink) WriteSamples(samples []float64) error {
	if len(samples) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(samples)*AudioBytesPerSample)
	for _, sample := range samples {
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(math.Round(sample*math.MaxInt16))))
	}
	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("unable to append pcm data: %w", err)
	}
	s.dataBytes += uint32(len(buf))
	return nil
}

// Close patches the RIFF and data chunk sizes and closes the file.
func (s *wavSink) Close() error {
	if err := s.writeHeader(); err != nil {
		s.file.Close()
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("unable to sync recording file: %w", err)
	}
	return s.file.Close()
}
