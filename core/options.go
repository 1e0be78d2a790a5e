package orchestration

import (
	"context"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/speechtotext"
)

const (
	defaultRestartDelay    = time.Second
	defaultSilenceWindow   = 1500 * time.Millisecond
	defaultSpeechThreshold = 0.1
	defaultLevelDivisor    = 0.2
	defaultStopTimeout     = 5 * time.Second
	defaultSaveTimeout     = 5 * time.Second
)

// Config holds the turn-taking constants of a session.
type Config struct {
	// RestartDelay is the debounce before listening is re-entered after a
	// turn completes or fails.
	RestartDelay time.Duration
	// SilenceWindow is how long the level has to stay below SpeechThreshold,
	// after speech was heard, before the recognizer is asked to finalise.
	SilenceWindow time.Duration
	// SpeechThreshold is the normalized level that counts as speech.
	SpeechThreshold float64
	// LevelDivisor maps frame RMS (as a fraction of full scale) onto [0,1].
	LevelDivisor float64
	// ListenOnStart starts listening as soon as the session becomes active.
	ListenOnStart bool
	// StopTimeout bounds how long Stop waits for cleanup to finish.
	StopTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		RestartDelay:    defaultRestartDelay,
		SilenceWindow:   defaultSilenceWindow,
		SpeechThreshold: defaultSpeechThreshold,
		LevelDivisor:    defaultLevelDivisor,
		ListenOnStart:   true,
		StopTimeout:     defaultStopTimeout,
	}
}

type OrchestratorOption func(*Orchestrator)

// SpeechRecognizer runs one recognition session per Start call. A session ends
// with exactly one end callback, either naturally or after Stop.
type SpeechRecognizer interface {
	Start(ctx context.Context, opts ...speechtotext.RecognitionOption) error
	Stop() error
}

func WithRecognizer(recognizer SpeechRecognizer) OrchestratorOption {
	return func(o *Orchestrator) { o.recognizer.set(recognizer) }
}

// DialogueClient sends a transcript with the turn history and returns the
// normalized tutor reply.
type DialogueClient interface {
	Send(ctx context.Context, transcript string, history []conversations.Turn) (conversations.Reply, error)
}

func WithDialogueClient(client DialogueClient) OrchestratorOption {
	return func(o *Orchestrator) { o.dialogue = client }
}

type CaptureDevice interface {
	EncodingInfo() audio.EncodingInfo
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
}

func WithCaptureDevice(device CaptureDevice) OrchestratorOption {
	return func(o *Orchestrator) { o.capture = device }
}

type AudioOutputV0 interface {
	audioOutputBase
	AwaitMark() error
}

func WithAudioOutputV0(client AudioOutputV0) OrchestratorOption {
	return func(o *Orchestrator) { o.output.Set(client) }
}

type AudioOutputV1 interface {
	audioOutputBase
	Mark(string, func(string)) error
}

func WithAudioOutputV1(client AudioOutputV1) OrchestratorOption {
	return func(o *Orchestrator) { o.output.Set(client) }
}

// SessionStore receives the summary of every stopped session that recorded at
// least one turn.
type SessionStore interface {
	SaveSession(ctx context.Context, summary conversations.SessionSummary) error
}

type SessionStoreFunc func(ctx context.Context, summary conversations.SessionSummary) error

func (f SessionStoreFunc) SaveSession(ctx context.Context, summary conversations.SessionSummary) error {
	return f(ctx, summary)
}

func WithSessionStore(store SessionStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = store }
}

func WithConfig(config Config) OrchestratorOption {
	return func(o *Orchestrator) {
		defaults := defaultConfig()
		if config.RestartDelay <= 0 {
			config.RestartDelay = defaults.RestartDelay
		}
		if config.SilenceWindow <= 0 {
			config.SilenceWindow = defaults.SilenceWindow
		}
		if config.SpeechThreshold <= 0 {
			config.SpeechThreshold = defaults.SpeechThreshold
		}
		if config.LevelDivisor <= 0 {
			config.LevelDivisor = defaults.LevelDivisor
		}
		if config.StopTimeout <= 0 {
			config.StopTimeout = defaults.StopTimeout
		}
		o.config = config
	}
}

func WithRestartDelay(delay time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if delay > 0 {
			o.config.RestartDelay = delay
		}
	}
}

func WithSilenceWindow(window time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if window > 0 {
			o.config.SilenceWindow = window
		}
	}
}

func WithListenOnStart(listen bool) OrchestratorOption {
	return func(o *Orchestrator) { o.config.ListenOnStart = listen }
}

type SessionOptions struct {
	onPhaseChanged      func(phase Phase)
	onAudioLevel        func(level float64)
	onError             func(err error)
	onTurn              func(turn conversations.Turn)
	onInterimTranscript func(transcript string)
	onSessionEnded      func(summary conversations.SessionSummary)
}

type SessionOption func(*SessionOptions)

func WithPhaseChangedCallback(callback func(phase Phase)) SessionOption {
	return func(o *SessionOptions) {
		o.onPhaseChanged = callback
	}
}

// WithAudioLevelCallback registers a callback for the normalized microphone
// level. It fires at the capture device's frame rate and should not block.
func WithAudioLevelCallback(callback func(level float64)) SessionOption {
	return func(o *SessionOptions) {
		o.onAudioLevel = callback
	}
}

// WithErrorCallback registers the user-visible error surface. Silent
// recognizer outcomes (no speech, aborted) and playback failures never reach
// it.
func WithErrorCallback(callback func(err error)) SessionOption {
	return func(o *SessionOptions) {
		o.onError = callback
	}
}

func WithTurnCallback(callback func(turn conversations.Turn)) SessionOption {
	return func(o *SessionOptions) {
		o.onTurn = callback
	}
}

func WithInterimTranscriptCallback(callback func(transcript string)) SessionOption {
	return func(o *SessionOptions) {
		o.onInterimTranscript = callback
	}
}

// WithSessionEndedCallback registers a callback for the summary of a stopped
// session. It fires even when the session recorded no turns.
func WithSessionEndedCallback(callback func(summary conversations.SessionSummary)) SessionOption {
	return func(o *SessionOptions) {
		o.onSessionEnded = callback
	}
}

type audioOutputBase interface {
	EncodingInfo() audio.EncodingInfo
	SendAudio(audio []byte) error
	ClearBuffer()
}
