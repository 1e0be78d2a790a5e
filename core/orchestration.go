package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Orchestrator conducts spoken, turn-based conversations. It runs at most one
// session at a time; a stopped session can be followed by a new Start.
type Orchestrator struct {
	config     Config
	recognizer speechToText
	dialogue   DialogueClient
	capture    CaptureDevice
	output     audioOutput
	store      SessionStore
	now        func() time.Time

	mu        sync.Mutex
	current   *session
	closeOnce sync.Once
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		config: defaultConfig(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Start opens a new session: it acquires the microphone and, unless disabled
// by configuration, starts listening right away.
//
// ctx bounds the session. Cancelling it stops the session as Stop would.
// Acquisition failures are returned as *ResourceError and leave the
// orchestrator inactive.
func (o *Orchestrator) Start(ctx context.Context, opts ...SessionOption) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil && !o.current.isDone() {
		return ErrSessionActive
	}
	if !o.recognizer.isConfigured() {
		return ErrMissingRecognizer
	}
	if o.dialogue == nil {
		return ErrMissingDialogueClient
	}

	options := SessionOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	id := newSessionID()
	sessionCtx, cancel := context.WithCancel(ctx)
	sessionCtx, span := tracer.Start(sessionCtx, "voice session")
	span.SetAttributes(attribute.String("session", id))

	s := &session{
		id:         id,
		ctx:        sessionCtx,
		cancel:     cancel,
		span:       span,
		config:     o.config,
		callbacks:  options,
		recognizer: &o.recognizer,
		dialogue:   o.dialogue,
		store:      o.store,
		monitor:    newAudioLevelMonitor(o.capture, o.config, o.now),
		playback:   newPlaybackController(&o.output),
		scheduler:  NewRestartScheduler(o.config.RestartDelay),
		recorder:   newTranscriptRecorder(o.now),
		mailbox:    newMailbox[sessionEvent](),
		notifier:   newNotifier(),
		done:       make(chan struct{}),
		active:     true,
		phase:      PhaseInactive,
	}

	err := s.monitor.Acquire(sessionCtx,
		func(level float64) {
			s.post("audio level", func(s *session) { s.updateLevel(level) })
		},
		func() {
			s.post("silence detected", func(s *session) { s.silenceDetected() })
		},
		func(frame []byte) {
			if err := s.recognizer.SendAudio(frame); err != nil {
				logger.Debug("failed to forward audio to recognizer", "session", id, "error", err)
			}
		},
	)
	if err != nil {
		recordedErr := fmt.Errorf("failed to start voice session: %w", err)
		span.RecordError(recordedErr)
		span.SetStatus(codes.Error, recordedErr.Error())
		span.End()
		cancel()
		s.notifier.close()
		return err
	}

	logger.Info("voice session started", "session", id)
	o.current = s
	go s.run()
	s.post("start", func(s *session) {
		s.setPhase(PhaseIdle)
		if s.config.ListenOnStart {
			s.startListening()
		}
	})

	go func() {
		select {
		case <-ctx.Done():
			o.stopSession(s)
		case <-s.done:
		}
	}()

	return nil
}

// StartListening asks the active session to listen for the next utterance.
// It is ignored while the session is already listening, processing or
// speaking.
func (o *Orchestrator) StartListening() error {
	s := o.activeSession()
	if s == nil {
		return ErrSessionInactive
	}

	s.post("start listening", func(s *session) { s.startListening() })
	return nil
}

// Stop ends the active session and releases its resources before returning.
// It is safe to call from any state and any number of times.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()

	if s == nil {
		return
	}
	o.stopSession(s)
}

func (o *Orchestrator) stopSession(s *session) {
	s.scheduler.Cancel()
	// Cancelling first aborts a recognizer Start or dialogue request that
	// would otherwise keep the actor from reaching the stop event.
	s.cancel()
	s.post("stop", func(s *session) { s.shutdown() })

	select {
	case <-s.done:
	case <-time.After(s.config.StopTimeout):
		logger.Warn("timed out waiting for voice session cleanup", "session", s.id)
	}
}

// Close stops the active session and closes the configured recognizer and
// capture device.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.Stop()

		if err := o.recognizer.Close(context.Background()); err != nil {
			logger.Warn("failed to close recognizer", "error", err)
		}

		switch c := o.capture.(type) {
		case interface{ Close() error }:
			if err := c.Close(); err != nil {
				logger.Warn("failed to close capture device", "error", err)
			}
		case interface{ Close() }:
			c.Close()
		}
	})
}

// Snapshot returns the state of the current session, or of the last one once
// it has stopped.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()

	if s == nil {
		return Snapshot{Phase: PhaseInactive}
	}

	reply := make(chan Snapshot, 1)
	if s.post("snapshot", func(s *session) { reply <- s.snapshot() }) {
		select {
		case snapshot := <-reply:
			return snapshot
		case <-s.done:
			select {
			case snapshot := <-reply:
				return snapshot
			default:
			}
		}
	}

	<-s.done
	return s.final
}

func (o *Orchestrator) Phase() Phase { return o.Snapshot().Phase }

// Export renders the transcript of the current or last session.
func (o *Orchestrator) Export() string {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()

	if s == nil {
		return ""
	}
	return s.recorder.Export()
}

func (o *Orchestrator) activeSession() *session {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current == nil || o.current.isDone() {
		return nil
	}
	return o.current
}

func (s *session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return s.mailbox.isClosed()
	}
}
