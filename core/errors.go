package orchestration

import (
	"errors"
	"fmt"

	"github.com/koscakluka/ema-voice/core/speechtotext"
)

var (
	ErrSessionActive   = errors.New("voice session already active")
	ErrSessionInactive = errors.New("voice session not active")
	ErrPlaybackStopped = errors.New("playback stopped")

	ErrMissingRecognizer     = errors.New("no speech recognizer configured")
	ErrMissingDialogueClient = errors.New("no dialogue client configured")
)

// ResourceError reports that the microphone or audio graph could not be
// acquired. It is the only error that prevents a session from starting.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("failed to acquire %s: %v", e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

type RecognitionError struct {
	Kind speechtotext.ErrorKind
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err == nil {
		return "speech recognition failed: " + e.Kind.String()
	}
	return fmt.Sprintf("speech recognition failed (%s): %v", e.Kind, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

type DialogueError struct {
	Err error
}

func (e *DialogueError) Error() string {
	return fmt.Sprintf("dialogue request failed: %v", e.Err)
}

func (e *DialogueError) Unwrap() error { return e.Err }

type PlaybackError struct {
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback failed: %v", e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }
