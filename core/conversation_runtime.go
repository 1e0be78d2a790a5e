package orchestration

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type sessionEvent struct {
	name     string
	apply    func(s *session)
	queuedAt time.Time
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID  string
	Active     bool
	Phase      Phase
	AudioLevel float64
	Turns      []conversations.Turn
}

// session is the single owner of a voice conversation. Every state change
// happens in handlers run by the actor goroutine; other goroutines only post
// events into its mailbox.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	config    Config
	callbacks SessionOptions

	recognizer *speechToText
	dialogue   DialogueClient
	store      SessionStore
	monitor    *AudioLevelMonitor
	playback   *PlaybackController
	scheduler  *RestartScheduler
	recorder   *TranscriptRecorder

	mailbox  *mailbox[sessionEvent]
	notifier *notifier
	done     chan struct{}

	// Actor-owned state.
	active         bool
	phase          Phase
	audioLevel     float64
	recognitionGen uint64
	dialogueSeq    uint64
	dialogueBusy   bool
	playbackHandle *PlaybackHandle

	final Snapshot
}

func (s *session) post(name string, apply func(s *session)) bool {
	return s.mailbox.post(sessionEvent{name: name, apply: apply, queuedAt: time.Now()})
}

func (s *session) run() {
	defer close(s.done)

	for range s.mailbox.notify {
		for _, event := range s.mailbox.drain() {
			if !s.active && s.phase == PhaseInactive && event.name != "snapshot" {
				continue
			}
			// A cancelled session only waits for its stop event; failures
			// caused by the cancellation are not surfaced.
			if s.ctx.Err() != nil && event.name != "stop" && event.name != "snapshot" {
				continue
			}
			event.apply(s)
		}

		if s.mailbox.isClosed() {
			for _, event := range s.mailbox.drain() {
				if event.name == "snapshot" {
					event.apply(s)
				}
			}
			return
		}
	}
}

func (s *session) setPhase(phase Phase) {
	if s.phase == phase {
		return
	}

	logger.Debug("phase changed", "session", s.id, "from", s.phase.String(), "to", phase.String())
	s.span.AddEvent("phase changed", trace.WithAttributes(attribute.String("phase", phase.String())))
	s.phase = phase
	if callback := s.callbacks.onPhaseChanged; callback != nil {
		s.notifier.notify(func() { callback(phase) })
	}
}

func (s *session) surface(err error) {
	if callback := s.callbacks.onError; callback != nil {
		s.notifier.notify(func() { callback(err) })
	}
}

func (s *session) appendTurn(turn conversations.Turn) conversations.Turn {
	recorded := s.recorder.Append(turn)
	if callback := s.callbacks.onTurn; callback != nil {
		s.notifier.notify(func() { callback(copyTurn(recorded)) })
	}
	return recorded
}

// scheduleRestart moves the session to Idle and arms the debounced return to
// Listening.
func (s *session) scheduleRestart() {
	s.setPhase(PhaseIdle)
	s.scheduler.Schedule(func(generation uint64) {
		s.post("restart due", func(s *session) { s.restartDue(generation) })
	})
}

func (s *session) restartDue(generation uint64) {
	if !s.scheduler.Consume(generation) {
		return
	}
	s.startListening()
}

// startListening is a no-op unless the session is Idle with nothing running.
func (s *session) startListening() {
	if !s.active || s.phase != PhaseIdle {
		return
	}
	if s.recognizer.IsRunning() || s.dialogueBusy || s.playbackHandle != nil {
		return
	}
	s.scheduler.Cancel()

	s.recognitionGen++
	generation := s.recognitionGen
	err := s.recognizer.Start(s.ctx,
		speechtotext.WithInterimCallback(func(transcript string) {
			s.post("interim transcript", func(s *session) { s.interimTranscript(generation, transcript) })
		}),
		speechtotext.WithFinalCallback(func(transcript string) {
			s.post("final transcript", func(s *session) { s.finalTranscript(generation, transcript) })
		}),
		speechtotext.WithErrorCallback(func(kind speechtotext.ErrorKind, err error) {
			s.post("recognition failed", func(s *session) { s.recognitionFailed(generation, kind, err) })
		}),
		speechtotext.WithEndCallback(func() {
			s.post("recognition ended", func(s *session) { s.recognitionEnded(generation) })
		}),
		speechtotext.WithEncodingInfo(s.monitor.encodingInfo()),
	)
	if err != nil {
		if s.ctx.Err() != nil {
			logger.Debug("recognition start aborted by stop", "session", s.id, "error", err)
			return
		}
		kind := speechtotext.ErrorNetwork
		var recognizerErr *speechtotext.Error
		if errors.As(err, &recognizerErr) {
			kind = recognizerErr.Kind
		}
		s.reportRecognitionError(kind, err)
		if errors.Is(err, ErrMissingRecognizer) {
			return
		}
		s.scheduleRestart()
		return
	}

	s.monitor.Arm()
	s.setPhase(PhaseListening)
}

func (s *session) interimTranscript(generation uint64, transcript string) {
	if generation != s.recognitionGen || s.phase != PhaseListening {
		return
	}
	if callback := s.callbacks.onInterimTranscript; callback != nil {
		s.notifier.notify(func() { callback(transcript) })
	}
}

func (s *session) finalTranscript(generation uint64, transcript string) {
	if generation != s.recognitionGen || s.phase != PhaseListening {
		return
	}

	s.stopRecognizer()

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		s.scheduleRestart()
		return
	}

	history := s.recorder.Turns()
	s.appendTurn(conversations.Turn{Role: conversations.RoleUser, Text: transcript})
	s.setPhase(PhaseProcessing)

	s.dialogueSeq++
	s.dialogueBusy = true
	seq := s.dialogueSeq
	ctx := s.ctx
	dialogue := s.dialogue
	go func() {
		ctx, span := tracer.Start(ctx, "dialogue request")
		defer span.End()
		span.SetAttributes(attribute.Int("history_turns", len(history)))

		reply, err := dialogue.Send(ctx, transcript, history)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.post("dialogue completed", func(s *session) { s.dialogueCompleted(seq, reply, err) })
	}()
}

func (s *session) recognitionFailed(generation uint64, kind speechtotext.ErrorKind, err error) {
	if generation != s.recognitionGen || !s.recognizer.IsRunning() {
		return
	}

	s.reportRecognitionError(kind, err)
	s.stopRecognizer()
	s.scheduleRestart()
}

func (s *session) reportRecognitionError(kind speechtotext.ErrorKind, err error) {
	if kind.IsSilent() {
		logger.Debug("recognition ended without speech", "session", s.id, "kind", kind.String())
		return
	}

	recognitionErr := &RecognitionError{Kind: kind, Err: err}
	logger.Warn("recognition failed", "session", s.id, "kind", kind.String(), "error", err)
	s.span.RecordError(recognitionErr)
	s.surface(recognitionErr)
}

// recognitionEnded handles the recognizer ending on its own while listening.
// Ends caused by the orchestrator stopping it are stale by then.
func (s *session) recognitionEnded(generation uint64) {
	if generation != s.recognitionGen || !s.recognizer.IsRunning() {
		return
	}

	s.recognizer.markEnded()
	s.monitor.Disarm()
	if s.phase == PhaseListening {
		s.scheduleRestart()
	}
}

func (s *session) silenceDetected() {
	if s.phase != PhaseListening {
		return
	}

	logger.Debug("silence detected, finalizing recognition", "session", s.id)
	if err := s.recognizer.Finalize(); err != nil {
		logger.Warn("failed to finalize recognition", "session", s.id, "error", err)
	}
}

func (s *session) stopRecognizer() {
	s.monitor.Disarm()
	if err := s.recognizer.Stop(); err != nil {
		logger.Warn("failed to stop recognizer", "session", s.id, "error", err)
	}
}

func (s *session) dialogueCompleted(seq uint64, reply conversations.Reply, err error) {
	if seq != s.dialogueSeq || !s.dialogueBusy {
		return
	}
	s.dialogueBusy = false
	if s.phase != PhaseProcessing {
		return
	}

	if err != nil {
		dialogueErr := &DialogueError{Err: err}
		logger.Warn("dialogue request failed", "session", s.id, "error", err)
		s.span.RecordError(dialogueErr)
		s.surface(dialogueErr)
		s.scheduleRestart()
		return
	}

	turn := conversations.Turn{Role: conversations.RoleAssistant, Text: reply.Text, Links: reply.Links}
	if !reply.HasAudio() || !s.playback.Available() {
		s.appendTurn(turn)
		s.scheduleRestart()
		return
	}

	handle, err := s.playback.Play(s.ctx, reply.Audio, func(handle PlaybackHandle, err error) {
		s.post("playback finished", func(s *session) { s.playbackFinished(handle, err) })
	})
	if err != nil {
		logger.Error("failed to start playback", "session", s.id, "error", err)
		s.appendTurn(turn)
		s.scheduleRestart()
		return
	}

	turn.AudioRef = handle.ID
	s.appendTurn(turn)
	s.playbackHandle = &handle
	s.setPhase(PhaseSpeaking)
}

func (s *session) playbackFinished(handle PlaybackHandle, err error) {
	if s.playbackHandle == nil || *s.playbackHandle != handle {
		return
	}
	s.playbackHandle = nil

	if err != nil && !errors.Is(err, ErrPlaybackStopped) {
		logger.Error("playback failed", "session", s.id, "handle", handle.ID, "error", err)
		s.span.RecordError(err)
	}
	s.scheduleRestart()
}

func (s *session) updateLevel(level float64) {
	s.audioLevel = level
	if callback := s.callbacks.onAudioLevel; callback != nil {
		s.notifier.notify(func() { callback(level) })
	}
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		SessionID:  s.id,
		Active:     s.active,
		Phase:      s.phase,
		AudioLevel: s.audioLevel,
		Turns:      s.recorder.Turns(),
	}
}

// shutdown releases every resource the session holds and moves it to
// Inactive. It runs once, on the actor.
func (s *session) shutdown() {
	if !s.active {
		return
	}
	s.active = false

	s.scheduler.Cancel()
	s.stopRecognizer()
	if s.playbackHandle != nil {
		s.playback.Stop(*s.playbackHandle)
		s.playbackHandle = nil
	}
	if err := s.monitor.Release(); err != nil {
		logger.Warn("failed to release microphone", "session", s.id, "error", err)
		s.span.RecordError(err)
	}
	s.cancel()
	s.dialogueBusy = false
	s.audioLevel = 0
	s.setPhase(PhaseInactive)

	summary := s.recorder.ToSessionSummary(s.id)
	if len(summary.Turns) > 0 && s.store != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), defaultSaveTimeout)
		if err := s.store.SaveSession(ctx, summary); err != nil {
			logger.Error("failed to save session", "session", s.id, "error", err)
			s.span.RecordError(err)
		}
		cancel()
	}
	if callback := s.callbacks.onSessionEnded; callback != nil {
		s.notifier.notify(func() { callback(summary) })
	}

	s.span.SetAttributes(attribute.Int("turns", len(summary.Turns)))
	s.span.End()

	s.final = s.snapshot()
	s.mailbox.close()
	s.notifier.close()
}

func newSessionID() string { return uuid.NewString() }
