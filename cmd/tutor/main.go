// Command tutor runs a spoken tutoring conversation in the terminal.
//
// Configuration comes from the environment or a .env file:
//
//	TUTOR_DIALOGUE_BACKEND  - http (tutor service) or groq
//	TUTOR_DIALOGUE_URL      - dialogue backend endpoint
//	GROQ_API_KEY            - required for the groq dialogue backend
//	TUTOR_API_KEY           - bearer token for the dialogue backend
//	DEEPGRAM_API_KEY        - required for recognition and synthesis
//	TUTOR_CAPTURE_BACKEND   - miniaudio or portaudio
//	TUTOR_PLAYBACK_BACKEND  - miniaudio or oto
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/koscakluka/ema-voice/cmd/tutor/config"
	orchestration "github.com/koscakluka/ema-voice/core"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/audio/miniaudio"
	"github.com/koscakluka/ema-voice/core/audio/portaudio"
	"github.com/koscakluka/ema-voice/core/audio/speaker"
	"github.com/koscakluka/ema-voice/core/dialogue"
	"github.com/koscakluka/ema-voice/core/dialogue/groq"
	stt "github.com/koscakluka/ema-voice/core/speechtotext/deepgram"
	tts "github.com/koscakluka/ema-voice/core/texttospeech/deepgram"
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-voice/cmd/tutor")

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orchestrator, cleanup, err := buildOrchestrator(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	m := newModel(ctx, orchestrator, cfg.ExportDir)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		log.Fatalf("tutor exited: %v", err)
	}
}

func buildOrchestrator(cfg *config.Config) (*orchestration.Orchestrator, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := []orchestration.OrchestratorOption{
		orchestration.WithConfig(orchestration.Config{
			RestartDelay:    cfg.RestartDelay,
			SilenceWindow:   cfg.SilenceWindow,
			SpeechThreshold: cfg.SpeechThreshold,
			LevelDivisor:    cfg.LevelDivisor,
			ListenOnStart:   cfg.ListenOnStart,
		}),
	}

	var mini *miniaudio.Client
	if cfg.CaptureBackend == config.CaptureMiniaudio || cfg.PlaybackBackend == config.PlaybackMiniaudio {
		client, err := miniaudio.NewClient()
		if err != nil {
			return nil, nil, err
		}
		mini = client
	}

	switch cfg.CaptureBackend {
	case config.CapturePortaudio:
		client, err := portaudio.NewClient(cfg.BufferFrames)
		if err != nil {
			if mini != nil {
				mini.Close()
			}
			return nil, nil, err
		}
		opts = append(opts, orchestration.WithCaptureDevice(client))
		if mini != nil {
			closers = append(closers, mini.Close)
		}
	default:
		// The orchestrator closes its capture device.
		opts = append(opts, orchestration.WithCaptureDevice(mini))
	}

	switch cfg.PlaybackBackend {
	case config.PlaybackOto:
		out, err := speaker.NewSpeaker(audio.DefaultSampleRate)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := out.Close(); err != nil {
				logger.Warn("failed to close speaker", "error", err)
			}
		})
		opts = append(opts, orchestration.WithAudioOutputV0(out))
	default:
		opts = append(opts, orchestration.WithAudioOutputV1(mini))
	}

	opts = append(opts, orchestration.WithRecognizer(stt.NewRecognizer(
		stt.WithAPIKey(cfg.DeepgramAPIKey),
		stt.WithModel(cfg.RecognitionModel),
		stt.WithLanguage(cfg.RecognitionLanguage),
		stt.WithNoSpeechTimeout(cfg.NoSpeechTimeout),
	)))

	var synthesizer dialogue.Synthesizer
	if cfg.SynthesizeReplies {
		client, err := tts.NewSpeechClient(tts.Voice(cfg.Voice), tts.WithAPIKey(cfg.DeepgramAPIKey))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		synthesizer = client
	}

	switch cfg.DialogueBackend {
	case config.DialogueGroq:
		groqOpts := []groq.ClientOption{groq.WithAPIKey(cfg.GroqAPIKey), groq.WithModel(cfg.GroqModel)}
		if synthesizer != nil {
			groqOpts = append(groqOpts, groq.WithSpeechSynthesizer(synthesizer))
		}
		opts = append(opts, orchestration.WithDialogueClient(groq.NewClient(groqOpts...)))
	default:
		dialogueOpts := []dialogue.ClientOption{dialogue.WithAPIKey(cfg.DialogueAPIKey)}
		if synthesizer != nil {
			dialogueOpts = append(dialogueOpts, dialogue.WithSpeechSynthesizer(synthesizer))
		}
		opts = append(opts, orchestration.WithDialogueClient(dialogue.NewClient(cfg.DialogueURL, dialogueOpts...)))
	}

	store, err := newFileSessionStore(cfg.SessionDir)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if previous, err := store.List(); err == nil && len(previous) > 0 {
		logger.Info("found stored sessions", "count", len(previous), "latest", previous[0].Title)
	}
	opts = append(opts, orchestration.WithSessionStore(store))

	orchestrator := orchestration.NewOrchestrator(opts...)
	return orchestrator, func() {
		orchestrator.Close()
		cleanup()
	}, nil
}
