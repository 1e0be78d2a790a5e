package orchestration

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/koscakluka/ema-voice/core/speechtotext"
)

// speechToText wraps the configured recognizer, tracking whether a
// recognition is running and routing optional capabilities.
type speechToText struct {
	client SpeechRecognizer

	running atomic.Bool
}

func (s *speechToText) set(client SpeechRecognizer) {
	if s != nil {
		s.client = client
	}
}

func (s *speechToText) isConfigured() bool {
	return s != nil && s.client != nil
}

func (s *speechToText) IsRunning() bool {
	return s != nil && s.running.Load()
}

func (s *speechToText) Start(ctx context.Context, opts ...speechtotext.RecognitionOption) error {
	if !s.isConfigured() {
		return ErrMissingRecognizer
	}

	if err := s.client.Start(ctx, opts...); err != nil {
		return fmt.Errorf("failed to start recognition: %w", err)
	}
	s.running.Store(true)
	return nil
}

// Stop stops a running recognition. It does nothing when none is running.
func (s *speechToText) Stop() error {
	if !s.isConfigured() || !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if err := s.client.Stop(); err != nil {
		return fmt.Errorf("failed to stop recognition: %w", err)
	}
	return nil
}

// markEnded records that the recognizer ended on its own.
func (s *speechToText) markEnded() {
	if s != nil {
		s.running.Store(false)
	}
}

// SendAudio forwards a captured frame to recognizers that take audio from
// the orchestrator. Frames captured outside a recognition are dropped.
func (s *speechToText) SendAudio(audio []byte) error {
	if !s.IsRunning() {
		return nil
	}

	if c, ok := s.client.(interface{ SendAudio([]byte) error }); ok {
		return c.SendAudio(audio)
	}
	return nil
}

// Finalize asks recognizers that support it to end the utterance now.
func (s *speechToText) Finalize() error {
	if !s.IsRunning() {
		return nil
	}

	switch c := s.client.(type) {
	case interface{ Finalize() error }:
		return c.Finalize()
	case interface{ Finalize() }:
		c.Finalize()
	}
	return nil
}

func (s *speechToText) Close(ctx context.Context) error {
	if !s.isConfigured() {
		return nil
	}

	switch c := s.client.(type) {
	case interface{ Close(context.Context) error }:
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("failed to close speech recognizer: %w", err)
		}
	case interface{ Close() error }:
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close speech recognizer: %w", err)
		}
	case interface{ Close() }:
		c.Close()
	}

	return nil
}
