package orchestration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
)

func loudFrame(samples int) []byte {
	frame := make([]int16, samples)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = 16000
		} else {
			frame[i] = -16000
		}
	}
	return audio.Linear16Bytes(frame)
}

func quietFrame(samples int) []byte {
	return make([]byte, samples*2)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(device CaptureDevice) (*AudioLevelMonitor, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newAudioLevelMonitor(device, defaultConfig(), clock.Now), clock
}

func TestMonitorAcquireFailureIsResourceError(t *testing.T) {
	monitor, _ := newTestMonitor(&testCapture{startErr: errors.New("device busy")})

	err := monitor.Acquire(context.Background(), nil, nil, nil)
	var resourceErr *ResourceError
	if !errors.As(err, &resourceErr) {
		t.Fatalf("expected resource error, got %v", err)
	}
}

func TestMonitorReportsNormalizedLevels(t *testing.T) {
	capture := &testCapture{}
	monitor, _ := newTestMonitor(capture)

	var mu sync.Mutex
	var levels []float64
	if err := monitor.Acquire(context.Background(), func(level float64) {
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, level)
	}, nil, nil); err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}

	capture.push(quietFrame(160))
	capture.push(loudFrame(160))

	mu.Lock()
	defer mu.Unlock()
	if len(levels) != 2 {
		t.Fatalf("expected two levels, got %d", len(levels))
	}
	if levels[0] != 0 {
		t.Fatalf("expected silence to be level 0, got %f", levels[0])
	}
	if levels[1] != 1 {
		t.Fatalf("expected loud frame to clamp at 1, got %f", levels[1])
	}
}

func TestMonitorReportsSilenceOnlyAfterSpeechWhileArmed(t *testing.T) {
	capture := &testCapture{}
	monitor, clock := newTestMonitor(capture)

	var silences atomic.Int32
	if err := monitor.Acquire(context.Background(), nil, func() { silences.Add(1) }, nil); err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}

	monitor.Arm()
	clock.Advance(2 * defaultSilenceWindow)
	capture.push(quietFrame(160))
	if got := silences.Load(); got != 0 {
		t.Fatalf("expected no silence before any speech, got %d", got)
	}

	capture.push(loudFrame(160))
	clock.Advance(defaultSilenceWindow / 2)
	capture.push(quietFrame(160))
	if got := silences.Load(); got != 0 {
		t.Fatalf("expected no silence inside the window, got %d", got)
	}

	clock.Advance(defaultSilenceWindow)
	capture.push(quietFrame(160))
	capture.push(quietFrame(160))
	if got := silences.Load(); got != 1 {
		t.Fatalf("expected exactly one silence report, got %d", got)
	}

	monitor.Disarm()
	capture.push(loudFrame(160))
	clock.Advance(2 * defaultSilenceWindow)
	capture.push(quietFrame(160))
	if got := silences.Load(); got != 1 {
		t.Fatalf("expected disarmed monitor to stay quiet, got %d", got)
	}
}

func TestMonitorReleaseStopsCaptureOnce(t *testing.T) {
	capture := &testCapture{}
	monitor, _ := newTestMonitor(capture)

	var forwarded atomic.Int32
	if err := monitor.Acquire(context.Background(), nil, nil, func([]byte) { forwarded.Add(1) }); err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	capture.push(quietFrame(10))

	if err := monitor.Release(); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	if err := monitor.Release(); err != nil {
		t.Fatalf("expected second release to succeed, got %v", err)
	}
	capture.push(quietFrame(10))

	if got := capture.stops.Load(); got != 1 {
		t.Fatalf("expected one capture stop, got %d", got)
	}
	if got := forwarded.Load(); got != 1 {
		t.Fatalf("expected frames after release to be dropped, got %d forwarded", got)
	}
}

func TestMonitorWithoutDeviceIsNoop(t *testing.T) {
	monitor, _ := newTestMonitor(nil)

	if err := monitor.Acquire(context.Background(), nil, nil, nil); err != nil {
		t.Fatalf("expected acquire without device to succeed, got %v", err)
	}
	if err := monitor.Release(); err != nil {
		t.Fatalf("expected release without device to succeed, got %v", err)
	}
	if got, want := monitor.encodingInfo(), audio.GetDefaultEncodingInfo(); got != want {
		t.Fatalf("expected default encoding %+v, got %+v", want, got)
	}
}
