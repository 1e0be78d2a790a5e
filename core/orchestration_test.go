package orchestration

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/speechtotext"
)

var testSpeech = []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00}

func TestStartRequiresRecognizerAndDialogue(t *testing.T) {
	o := NewOrchestrator(WithDialogueClient(&testDialogue{}))
	if err := o.Start(context.Background()); !errors.Is(err, ErrMissingRecognizer) {
		t.Fatalf("expected missing recognizer error, got %v", err)
	}

	o = NewOrchestrator(WithRecognizer(&testRecognizer{}))
	if err := o.Start(context.Background()); !errors.Is(err, ErrMissingDialogueClient) {
		t.Fatalf("expected missing dialogue error, got %v", err)
	}
}

func TestStartFailsWithResourceErrorWhenMicrophoneIsUnavailable(t *testing.T) {
	rig := newTestRig()
	rig.capture.startErr = errors.New("permission denied")

	err := rig.o.Start(context.Background())
	var resourceErr *ResourceError
	if !errors.As(err, &resourceErr) {
		t.Fatalf("expected resource error, got %v", err)
	}
	if got := rig.o.Phase(); got != PhaseInactive {
		t.Fatalf("expected orchestrator to stay inactive, got %s", got)
	}
	if got := rig.recognizer.starts.Load(); got != 0 {
		t.Fatalf("expected recognizer not to start, got %d starts", got)
	}

	rig.capture.startErr = nil
	rig.start(t)
	rig.waitForListening(t, 1)
}

func TestStartTwiceReportsActiveSession(t *testing.T) {
	rig := newTestRig()
	rig.start(t)

	if err := rig.o.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected active session error, got %v", err)
	}
}

func TestStartListeningWithoutSession(t *testing.T) {
	o := NewOrchestrator()
	if err := o.StartListening(); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected inactive session error, got %v", err)
	}
}

func TestListenOnStartDisabledWaitsForStartListening(t *testing.T) {
	rig := newTestRig(WithListenOnStart(false))
	rig.start(t)

	rig.waitForPhase(t, PhaseIdle)
	time.Sleep(2 * testRestartDelay)
	if got := rig.recognizer.starts.Load(); got != 0 {
		t.Fatalf("expected no recognition before StartListening, got %d", got)
	}

	if err := rig.o.StartListening(); err != nil {
		t.Fatalf("expected StartListening to succeed, got %v", err)
	}
	rig.waitForListening(t, 1)

	if err := rig.o.StartListening(); err != nil {
		t.Fatalf("expected repeated StartListening to succeed, got %v", err)
	}
	time.Sleep(2 * testRestartDelay)
	if got := rig.recognizer.starts.Load(); got != 1 {
		t.Fatalf("expected StartListening while listening to be a no-op, got %d starts", got)
	}
}

func TestSpokenQuestionIsAnsweredAndPlayed(t *testing.T) {
	rig := newTestRig()
	rig.dialogue.replies = []conversations.Reply{{
		Text:  "Sidechain compression lets one signal duck another.",
		Audio: testSpeech,
		Links: []string{"https://open.spotify.com/track/1"},
	}}
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.emitFinal("tell me about sidechain compression")
	waitFor(t, "playback to start", func() bool { return rig.output.sends.Load() == 1 })
	rig.waitForPhase(t, PhaseSpeaking)

	snapshot := rig.o.Snapshot()
	if len(snapshot.Turns) != 2 {
		t.Fatalf("expected user and assistant turns, got %d", len(snapshot.Turns))
	}
	user, assistant := snapshot.Turns[0], snapshot.Turns[1]
	if user.Role != conversations.RoleUser || user.Text != "tell me about sidechain compression" {
		t.Fatalf("unexpected user turn %+v", user)
	}
	if assistant.Role != conversations.RoleAssistant || assistant.AudioRef == "" {
		t.Fatalf("expected assistant turn with an audio ref, got %+v", assistant)
	}
	if !slices.Equal(assistant.Links, []string{"https://open.spotify.com/track/1"}) {
		t.Fatalf("expected links to be recorded, got %v", assistant.Links)
	}
	if got := rig.recognizer.isRunning(); got {
		t.Fatalf("expected recognizer to be stopped while speaking")
	}

	want := []Phase{PhaseIdle, PhaseListening, PhaseProcessing, PhaseSpeaking}
	waitFor(t, "phase callbacks", func() bool { return len(rig.events.phaseLog()) == len(want) })
	if got := rig.events.phaseLog(); !slices.Equal(got, want) {
		t.Fatalf("expected phases %v, got %v", want, got)
	}

	rig.output.finishPlayback()
	rig.waitForListening(t, 2)
}

func TestStopWhileSpeakingReleasesEverything(t *testing.T) {
	rig := newTestRig()
	rig.dialogue.replies = []conversations.Reply{{Text: "reply", Audio: testSpeech}}
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.emitFinal("question")
	rig.waitForPhase(t, PhaseSpeaking)
	phasesBeforeStop := len(rig.events.phaseLog())

	rig.o.Stop()

	if got := rig.output.clears.Load(); got != 1 {
		t.Fatalf("expected playback to be cleared once, got %d", got)
	}
	if got := rig.capture.stops.Load(); got != 1 {
		t.Fatalf("expected microphone to be released once, got %d", got)
	}
	if got := rig.o.Phase(); got != PhaseInactive {
		t.Fatalf("expected inactive after stop, got %s", got)
	}

	rig.output.finishPlayback()
	time.Sleep(3 * testRestartDelay)

	phases := rig.events.phaseLog()
	if len(phases) != phasesBeforeStop+1 || phases[len(phases)-1] != PhaseInactive {
		t.Fatalf("expected only the inactive transition after stop, got %v", phases)
	}
	if got := rig.recognizer.starts.Load(); got != 1 {
		t.Fatalf("expected no new recognition after stop, got %d starts", got)
	}
}

func TestDialogueErrorRecordsOnlyUserTurn(t *testing.T) {
	rig := newTestRig()
	rig.dialogue.errs = []error{errors.New("backend returned 500")}
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.emitFinal("what is a compressor")
	rig.waitForListening(t, 2)

	snapshot := rig.o.Snapshot()
	if len(snapshot.Turns) != 1 || snapshot.Turns[0].Role != conversations.RoleUser {
		t.Fatalf("expected a single user turn, got %+v", snapshot.Turns)
	}

	errs := rig.events.errorLog()
	if len(errs) != 1 {
		t.Fatalf("expected one surfaced error, got %v", errs)
	}
	var dialogueErr *DialogueError
	if !errors.As(errs[0], &dialogueErr) {
		t.Fatalf("expected dialogue error, got %v", errs[0])
	}
}

func TestEmptyFinalTranscriptRestartsListening(t *testing.T) {
	rig := newTestRig()
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.emitFinal("   ")
	rig.waitForListening(t, 2)

	if got := rig.dialogue.calls.Load(); got != 0 {
		t.Fatalf("expected no dialogue call, got %d", got)
	}
	if got := len(rig.o.Snapshot().Turns); got != 0 {
		t.Fatalf("expected no turns, got %d", got)
	}
}

func TestReplyWithoutAudioRecordsTextTurn(t *testing.T) {
	rig := newTestRig()
	rig.dialogue.replies = []conversations.Reply{{Text: "text only"}}
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.emitFinal("question")
	rig.waitForListening(t, 2)

	snapshot := rig.o.Snapshot()
	if len(snapshot.Turns) != 2 || snapshot.Turns[1].Text != "text only" || snapshot.Turns[1].AudioRef != "" {
		t.Fatalf("expected text-only assistant turn, got %+v", snapshot.Turns)
	}
	if got := rig.output.sends.Load(); got != 0 {
		t.Fatalf("expected no playback, got %d sends", got)
	}
}

func TestNoSpeechIsAbsorbedSilently(t *testing.T) {
	rig := newTestRig()
	rig.start(t)
	rig.waitForListening(t, 1)

	started := time.Now()
	rig.recognizer.emitError(speechtotext.ErrorNoSpeech)
	rig.recognizer.end()
	rig.waitForListening(t, 2)

	if elapsed := time.Since(started); elapsed > testRestartDelay+time.Second {
		t.Fatalf("expected listening to resume within the debounce window, took %s", elapsed)
	}
	if errs := rig.events.errorLog(); len(errs) != 0 {
		t.Fatalf("expected no surfaced errors, got %v", errs)
	}
	if got := len(rig.o.Snapshot().Turns); got != 0 {
		t.Fatalf("expected no turns, got %d", got)
	}
}

func TestRecognitionErrorIsSurfacedAndListeningResumes(t *testing.T) {
	rig := newTestRig()
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.emitError(speechtotext.ErrorNetwork)
	rig.waitForListening(t, 2)

	errs := rig.events.errorLog()
	if len(errs) != 1 {
		t.Fatalf("expected one surfaced error, got %v", errs)
	}
	var recognitionErr *RecognitionError
	if !errors.As(errs[0], &recognitionErr) || recognitionErr.Kind != speechtotext.ErrorNetwork {
		t.Fatalf("expected network recognition error, got %v", errs[0])
	}
}

func TestRecognizerEndingOnItsOwnRestartsListening(t *testing.T) {
	rig := newTestRig()
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.end()
	rig.waitForListening(t, 2)
}

func TestStopIsIdempotent(t *testing.T) {
	rig := newTestRig()
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.o.Stop()
	rig.o.Stop()

	if got := rig.capture.stops.Load(); got != 1 {
		t.Fatalf("expected one microphone release, got %d", got)
	}
	if got := rig.recognizer.stops.Load(); got != 1 {
		t.Fatalf("expected one recognizer stop, got %d", got)
	}
	if got := rig.o.Phase(); got != PhaseInactive {
		t.Fatalf("expected inactive, got %s", got)
	}
	phases := rig.events.phaseLog()
	inactive := 0
	for _, phase := range phases {
		if phase == PhaseInactive {
			inactive++
		}
	}
	if inactive != 1 {
		t.Fatalf("expected a single inactive transition, got %v", phases)
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	rig := newTestRig(WithRestartDelay(100 * time.Millisecond))
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.emitFinal("")
	rig.waitForPhase(t, PhaseIdle)
	rig.o.Stop()

	time.Sleep(250 * time.Millisecond)
	if got := rig.recognizer.starts.Load(); got != 1 {
		t.Fatalf("expected pending restart to be cancelled, got %d starts", got)
	}
	for _, phase := range rig.events.phaseLog()[2:] {
		if phase == PhaseListening {
			t.Fatalf("expected listening never to be re-entered, got %v", rig.events.phaseLog())
		}
	}
}

func TestStopDuringProcessingDiscardsLateReply(t *testing.T) {
	rig := newTestRig()
	rig.dialogue.gate = make(chan struct{})
	rig.dialogue.replies = []conversations.Reply{{Text: "late", Audio: testSpeech}}
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.emitFinal("question")
	rig.waitForPhase(t, PhaseProcessing)
	rig.o.Stop()
	close(rig.dialogue.gate)

	time.Sleep(3 * testRestartDelay)
	snapshot := rig.o.Snapshot()
	if len(snapshot.Turns) != 1 {
		t.Fatalf("expected late reply to be discarded, got %+v", snapshot.Turns)
	}
	if got := rig.output.sends.Load(); got != 0 {
		t.Fatalf("expected no playback after stop, got %d", got)
	}
}

func TestTurnsAlternateAcrossCycles(t *testing.T) {
	rig := newTestRig()
	rig.dialogue.replies = []conversations.Reply{{Text: "answer", Audio: testSpeech}}
	rig.start(t)

	for cycle := 0; cycle < 3; cycle++ {
		rig.waitForListening(t, int32(cycle+1))
		rig.recognizer.emitFinal("question")
		rig.waitForPhase(t, PhaseSpeaking)
		rig.output.finishPlayback()
	}
	rig.waitForListening(t, 4)

	turns := rig.o.Snapshot().Turns
	if len(turns) != 6 {
		t.Fatalf("expected six turns, got %d", len(turns))
	}
	for i, turn := range turns {
		want := conversations.RoleUser
		if i%2 == 1 {
			want = conversations.RoleAssistant
		}
		if turn.Role != want {
			t.Fatalf("expected turn %d to be %s, got %s", i, want, turn.Role)
		}
		if i > 0 && turn.CreatedAt.Before(turns[i-1].CreatedAt) {
			t.Fatalf("expected non-decreasing timestamps at turn %d", i)
		}
	}

	if got := len(rig.dialogue.histories[2]); got != 4 {
		t.Fatalf("expected third request to carry four history turns, got %d", got)
	}
}

func TestAtMostOneActivityAtATime(t *testing.T) {
	rig := newTestRig()
	rig.dialogue.replies = []conversations.Reply{{Text: "a", Audio: testSpeech}, {Text: "b"}}
	rig.dialogue.errs = []error{nil, nil, errors.New("boom")}
	rig.start(t)

	rig.waitForListening(t, 1)
	rig.recognizer.emitFinal("first")
	rig.waitForPhase(t, PhaseSpeaking)
	rig.output.finishPlayback()

	rig.waitForListening(t, 2)
	rig.recognizer.emitFinal("second")

	rig.waitForListening(t, 3)
	rig.recognizer.emitFinal("third")

	rig.waitForListening(t, 4)
	rig.recognizer.emitError(speechtotext.ErrorNoSpeech)
	rig.recognizer.end()

	rig.waitForListening(t, 5)
	rig.o.Stop()

	if got := rig.busy.max.Load(); got != 1 {
		t.Fatalf("expected at most one concurrent activity, got %d", got)
	}
}

func TestStopPersistsSessionSummary(t *testing.T) {
	rig := newTestRig()
	rig.dialogue.replies = []conversations.Reply{{Text: "answer"}}
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.recognizer.emitFinal("tell me about sidechain compression")
	rig.waitForListening(t, 2)
	rig.o.Stop()

	select {
	case summary := <-rig.saved:
		if summary.Title != "tell me about sidechain compression" {
			t.Fatalf("unexpected title %q", summary.Title)
		}
		if len(summary.Turns) != 2 {
			t.Fatalf("expected two turns in summary, got %d", len(summary.Turns))
		}
	case <-time.After(time.Second):
		t.Fatalf("expected session summary to be saved")
	}

	if export := rig.o.Export(); export == "" {
		t.Fatalf("expected transcript export after stop")
	}
}

func TestStopWithoutTurnsSavesNothing(t *testing.T) {
	rig := newTestRig()
	rig.start(t)
	rig.waitForListening(t, 1)
	rig.o.Stop()

	select {
	case summary := <-rig.saved:
		t.Fatalf("expected no summary, got %+v", summary)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancellingStartContextStopsSession(t *testing.T) {
	rig := newTestRig()
	ctx, cancel := context.WithCancel(context.Background())
	if err := rig.o.Start(ctx); err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	rig.waitForListening(t, 1)

	cancel()
	waitFor(t, "microphone release", func() bool { return rig.capture.stops.Load() == 1 })
	rig.waitForPhase(t, PhaseInactive)
}

func TestCapturedAudioFeedsLevelsAndRecognizer(t *testing.T) {
	rig := newTestRig()
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.capture.push(loudFrame(160))
	waitFor(t, "audio forwarded", func() bool { return rig.recognizer.frames.Load() == 1 })
	waitFor(t, "level reported", func() bool { return rig.o.Snapshot().AudioLevel > 0 })
}

func TestInterimTranscriptIsForwarded(t *testing.T) {
	rig := newTestRig()
	interims := make(chan string, 1)
	if err := rig.o.Start(context.Background(), WithInterimTranscriptCallback(func(transcript string) {
		interims <- transcript
	})); err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	t.Cleanup(rig.o.Stop)
	rig.waitForListening(t, 1)

	rig.recognizer.emitInterim("tell me")
	select {
	case got := <-interims:
		if got != "tell me" {
			t.Fatalf("unexpected interim %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected interim transcript callback")
	}
}

func TestStopAbortsRecognizerStartThatNeverCompletes(t *testing.T) {
	rig := newTestRig()
	rig.recognizer.blockStart = true
	rig.start(t)
	waitFor(t, "recognizer start attempt", func() bool { return rig.recognizer.attempts.Load() == 1 })

	began := time.Now()
	rig.o.Stop()
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("expected stop to abort the pending start, took %s", elapsed)
	}

	if got := rig.capture.stops.Load(); got != 1 {
		t.Fatalf("expected microphone to be released before stop returned, got %d stops", got)
	}
	if got := rig.o.Phase(); got != PhaseInactive {
		t.Fatalf("expected inactive after stop, got %s", got)
	}
	if errs := rig.events.errorLog(); len(errs) != 0 {
		t.Fatalf("expected the aborted start not to be surfaced, got %v", errs)
	}
}

func TestRecognizerStartFailureIsSurfacedAndRetried(t *testing.T) {
	rig := newTestRig()
	rig.recognizer.failStarts(&speechtotext.Error{Kind: speechtotext.ErrorPermissionDenied, Err: errors.New("api key rejected")})
	rig.start(t)

	waitFor(t, "start to be retried", func() bool { return rig.recognizer.attempts.Load() >= 2 })
	if got := rig.recognizer.starts.Load(); got != 0 {
		t.Fatalf("expected no recognition to run, got %d", got)
	}

	waitFor(t, "start failure to be surfaced", func() bool { return len(rig.events.errorLog()) > 0 })
	errs := rig.events.errorLog()
	var recognitionErr *RecognitionError
	if !errors.As(errs[0], &recognitionErr) || recognitionErr.Kind != speechtotext.ErrorPermissionDenied {
		t.Fatalf("expected permission-denied recognition error, got %v", errs[0])
	}
	if slices.Contains(rig.events.phaseLog(), PhaseListening) {
		t.Fatalf("expected listening not to be entered, got %v", rig.events.phaseLog())
	}

	rig.recognizer.failStarts(nil)
	rig.waitForListening(t, 1)
}

func TestSilenceAfterSpeechAsksRecognizerToFinalize(t *testing.T) {
	rig := newTestRig(WithSilenceWindow(60 * time.Millisecond))
	rig.start(t)
	rig.waitForListening(t, 1)

	rig.capture.push(quietFrame(160))
	time.Sleep(100 * time.Millisecond)
	rig.capture.push(quietFrame(160))
	waitFor(t, "frames forwarded", func() bool { return rig.recognizer.frames.Load() == 2 })
	if got := rig.recognizer.finalizes.Load(); got != 0 {
		t.Fatalf("expected no finalize before any speech, got %d", got)
	}

	rig.capture.push(loudFrame(160))
	waitFor(t, "finalize after silence", func() bool {
		rig.capture.push(quietFrame(160))
		time.Sleep(10 * time.Millisecond)
		return rig.recognizer.finalizes.Load() == 1
	})

	for i := 0; i < 5; i++ {
		rig.capture.push(quietFrame(160))
	}
	time.Sleep(20 * time.Millisecond)
	if got := rig.recognizer.finalizes.Load(); got != 1 {
		t.Fatalf("expected a single finalize per silence, got %d", got)
	}
	if got := rig.o.Phase(); got != PhaseListening {
		t.Fatalf("expected finalize to be advisory only, got phase %s", got)
	}
}

func TestPlaybackFailureResumesListeningWithoutSurfacing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*testOutput)
	}{
		{name: "send fails", setup: func(o *testOutput) { o.sendErr = errors.New("device not started") }},
		{name: "mark fails", setup: func(o *testOutput) { o.markErr = errors.New("device lost") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig()
			tt.setup(rig.output)
			rig.dialogue.replies = []conversations.Reply{{Text: "reply", Audio: testSpeech}}
			rig.start(t)
			rig.waitForListening(t, 1)

			rig.recognizer.emitFinal("question")
			rig.waitForListening(t, 2)

			if errs := rig.events.errorLog(); len(errs) != 0 {
				t.Fatalf("expected playback failure not to be surfaced, got %v", errs)
			}
			turns := rig.o.Snapshot().Turns
			if len(turns) != 2 || turns[1].Role != conversations.RoleAssistant || turns[1].Text != "reply" {
				t.Fatalf("expected the assistant turn to be recorded, got %+v", turns)
			}
		})
	}
}
