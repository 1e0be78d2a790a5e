package orchestration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/speechtotext"
)

const testRestartDelay = 30 * time.Millisecond

// busyTracker counts how many of recognizer, dialogue request and playback are
// running at once.
type busyTracker struct {
	current atomic.Int32
	max     atomic.Int32
}

func (b *busyTracker) enter() {
	if b == nil {
		return
	}
	n := b.current.Add(1)
	for {
		m := b.max.Load()
		if n <= m || b.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (b *busyTracker) leave() {
	if b != nil {
		b.current.Add(-1)
	}
}

type testRecognizer struct {
	busy *busyTracker

	// blockStart makes Start hang until its context is cancelled, like a
	// dial that never completes.
	blockStart bool

	mu       sync.Mutex
	options  speechtotext.RecognitionOptions
	running  bool
	startErr error

	attempts  atomic.Int32
	starts    atomic.Int32
	stops     atomic.Int32
	finalizes atomic.Int32
	frames    atomic.Int32
}

func (r *testRecognizer) Start(ctx context.Context, opts ...speechtotext.RecognitionOption) error {
	r.attempts.Add(1)
	if r.blockStart {
		<-ctx.Done()
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	if r.running {
		return errors.New("recognizer started twice")
	}
	r.options = speechtotext.NewRecognitionOptions(opts...)
	r.running = true
	r.starts.Add(1)
	r.busy.enter()
	return nil
}

func (r *testRecognizer) Stop() error {
	r.stops.Add(1)
	r.end()
	return nil
}

func (r *testRecognizer) SendAudio([]byte) error {
	r.frames.Add(1)
	return nil
}

func (r *testRecognizer) Finalize() error {
	r.finalizes.Add(1)
	return nil
}

func (r *testRecognizer) failStarts(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *testRecognizer) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *testRecognizer) current() speechtotext.RecognitionOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.options
}

func (r *testRecognizer) emitInterim(transcript string) { r.current().InterimCallback(transcript) }
func (r *testRecognizer) emitFinal(transcript string)   { r.current().FinalCallback(transcript) }
func (r *testRecognizer) emitError(kind speechtotext.ErrorKind) {
	r.current().ErrorCallback(kind, errors.New(kind.String()))
}

// end finishes the running recognition and reports it, as a recognizer does
// after Stop or on its own.
func (r *testRecognizer) end() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	onEnd := r.options.EndCallback
	r.mu.Unlock()

	r.busy.leave()
	onEnd()
}

type testDialogue struct {
	busy *busyTracker

	mu      sync.Mutex
	replies []conversations.Reply
	errs    []error
	gate    chan struct{}

	calls     atomic.Int32
	histories [][]conversations.Turn
}

func (d *testDialogue) Send(ctx context.Context, _ string, history []conversations.Turn) (conversations.Reply, error) {
	d.busy.enter()
	defer d.busy.leave()

	call := int(d.calls.Add(1)) - 1
	d.mu.Lock()
	d.histories = append(d.histories, history)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if call < len(d.errs) && d.errs[call] != nil {
		return conversations.Reply{}, d.errs[call]
	}
	if len(d.replies) == 0 {
		return conversations.Reply{Text: "ok"}, nil
	}
	return d.replies[min(call, len(d.replies)-1)], nil
}

type testCapture struct {
	startErr error

	mu      sync.Mutex
	onAudio func([]byte)

	starts atomic.Int32
	stops  atomic.Int32
}

func (c *testCapture) EncodingInfo() audio.EncodingInfo { return audio.GetDefaultEncodingInfo() }

func (c *testCapture) StartCapture(_ context.Context, onAudio func([]byte)) error {
	c.starts.Add(1)
	if c.startErr != nil {
		return c.startErr
	}
	c.mu.Lock()
	c.onAudio = onAudio
	c.mu.Unlock()
	return nil
}

func (c *testCapture) StopCapture() error {
	c.stops.Add(1)
	return nil
}

func (c *testCapture) push(frame []byte) {
	c.mu.Lock()
	onAudio := c.onAudio
	c.mu.Unlock()
	if onAudio != nil {
		onAudio(frame)
	}
}

type testOutput struct {
	busy *busyTracker

	sendErr error
	markErr error

	mu    sync.Mutex
	marks []func(string)
	ids   []string

	sends  atomic.Int32
	clears atomic.Int32
}

func (o *testOutput) EncodingInfo() audio.EncodingInfo { return audio.GetDefaultEncodingInfo() }

func (o *testOutput) SendAudio([]byte) error {
	o.sends.Add(1)
	if o.sendErr != nil {
		return o.sendErr
	}
	o.busy.enter()
	return nil
}

func (o *testOutput) ClearBuffer() {
	o.clears.Add(1)
	o.mu.Lock()
	pending := len(o.marks)
	o.marks = nil
	o.ids = nil
	o.mu.Unlock()
	for i := 0; i < pending; i++ {
		o.busy.leave()
	}
}

func (o *testOutput) Mark(mark string, callback func(string)) error {
	if o.markErr != nil {
		o.busy.leave()
		return o.markErr
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.marks = append(o.marks, callback)
	o.ids = append(o.ids, mark)
	return nil
}

// finishPlayback reports every queued mark as played.
func (o *testOutput) finishPlayback() {
	o.mu.Lock()
	marks, ids := o.marks, o.ids
	o.marks, o.ids = nil, nil
	o.mu.Unlock()

	for i, mark := range marks {
		o.busy.leave()
		mark(ids[i])
	}
}

// sessionRecorder collects everything a session reports through callbacks.
type sessionRecorder struct {
	mu     sync.Mutex
	phases []Phase
	errs   []error
	turns  []conversations.Turn
	levels []float64
	ended  []conversations.SessionSummary
}

func (r *sessionRecorder) options() []SessionOption {
	return []SessionOption{
		WithPhaseChangedCallback(func(phase Phase) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.phases = append(r.phases, phase)
		}),
		WithErrorCallback(func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		}),
		WithTurnCallback(func(turn conversations.Turn) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.turns = append(r.turns, turn)
		}),
		WithAudioLevelCallback(func(level float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.levels = append(r.levels, level)
		}),
		WithSessionEndedCallback(func(summary conversations.SessionSummary) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ended = append(r.ended, summary)
		}),
	}
}

func (r *sessionRecorder) phaseLog() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func (r *sessionRecorder) errorLog() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type testRig struct {
	busy       *busyTracker
	recognizer *testRecognizer
	dialogue   *testDialogue
	capture    *testCapture
	output     *testOutput
	saved      chan conversations.SessionSummary
	events     *sessionRecorder
	o          *Orchestrator
}

func newTestRig(opts ...OrchestratorOption) *testRig {
	busy := &busyTracker{}
	rig := &testRig{
		busy:       busy,
		recognizer: &testRecognizer{busy: busy},
		dialogue:   &testDialogue{busy: busy},
		capture:    &testCapture{},
		output:     &testOutput{busy: busy},
		saved:      make(chan conversations.SessionSummary, 4),
		events:     &sessionRecorder{},
	}

	base := []OrchestratorOption{
		WithRecognizer(rig.recognizer),
		WithDialogueClient(rig.dialogue),
		WithCaptureDevice(rig.capture),
		WithAudioOutputV1(rig.output),
		WithRestartDelay(testRestartDelay),
		WithSessionStore(SessionStoreFunc(func(_ context.Context, summary conversations.SessionSummary) error {
			rig.saved <- summary
			return nil
		})),
	}
	rig.o = NewOrchestrator(append(base, opts...)...)
	return rig
}

func (r *testRig) start(t *testing.T) {
	t.Helper()
	if err := r.o.Start(context.Background(), r.events.options()...); err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	t.Cleanup(r.o.Stop)
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func (r *testRig) waitForPhase(t *testing.T, phase Phase) {
	t.Helper()
	waitFor(t, "phase "+phase.String(), func() bool { return r.o.Phase() == phase })
}

func (r *testRig) waitForListening(t *testing.T, starts int32) {
	t.Helper()
	waitFor(t, "recognizer start", func() bool {
		return r.recognizer.starts.Load() == starts && r.o.Phase() == PhaseListening
	})
}
