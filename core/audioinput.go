package orchestration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
)

// AudioLevelMonitor owns the microphone for the lifetime of a session. Every
// captured frame is reduced to a normalized level, fed to the silence detector
// and forwarded to the recognizer.
type AudioLevelMonitor struct {
	device CaptureDevice

	threshold     float64
	divisor       float64
	silenceWindow time.Duration
	now           func() time.Time

	onLevel   func(level float64)
	onSilence func()
	forward   func(frame []byte)

	acquired atomic.Bool
	released atomic.Bool
	linear16 bool

	mu              sync.Mutex
	armed           bool
	heardSpeech     bool
	lastSpeechHeard time.Time
	silenceReported bool
}

func newAudioLevelMonitor(device CaptureDevice, config Config, now func() time.Time) *AudioLevelMonitor {
	if now == nil {
		now = time.Now
	}

	return &AudioLevelMonitor{
		device:        device,
		threshold:     config.SpeechThreshold,
		divisor:       config.LevelDivisor,
		silenceWindow: config.SilenceWindow,
		now:           now,
		onLevel:       func(float64) {},
		onSilence:     func() {},
		forward:       func([]byte) {},
	}
}

// Acquire starts capturing. Failures are returned as *ResourceError. A monitor
// without a device acquires nothing and never reports levels.
func (m *AudioLevelMonitor) Acquire(ctx context.Context, onLevel func(float64), onSilence func(), forward func([]byte)) error {
	if m == nil {
		return nil
	}
	if !m.acquired.CompareAndSwap(false, true) {
		return nil
	}

	if onLevel != nil {
		m.onLevel = onLevel
	}
	if onSilence != nil {
		m.onSilence = onSilence
	}
	if forward != nil {
		m.forward = forward
	}

	if m.device == nil {
		logger.Warn("no capture device configured, audio levels will not be reported")
		return nil
	}

	encoding := m.device.EncodingInfo()
	m.linear16 = encoding.Format == audio.EncodingLinear16 || encoding.IsZero()
	if !m.linear16 {
		logger.Warn("capture encoding has no level analysis, reporting silence", "encoding", encoding.Format.Name())
	}

	if err := m.device.StartCapture(ctx, m.process); err != nil {
		m.released.Store(true)
		return &ResourceError{Resource: "microphone", Err: err}
	}
	return nil
}

// Release stops the capture stream. Only the first call has an effect.
func (m *AudioLevelMonitor) Release() error {
	if m == nil || !m.acquired.Load() {
		return nil
	}
	if !m.released.CompareAndSwap(false, true) {
		return nil
	}

	m.Disarm()
	if m.device == nil {
		return nil
	}
	if err := m.device.StopCapture(); err != nil {
		return &ResourceError{Resource: "microphone", Err: errors.Join(errors.New("failed to stop capture"), err)}
	}
	return nil
}

// Arm starts silence detection for a new listening phase. Silence is only
// reported after speech has been heard since arming.
func (m *AudioLevelMonitor) Arm() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = true
	m.heardSpeech = false
	m.silenceReported = false
	m.lastSpeechHeard = m.now()
}

func (m *AudioLevelMonitor) Disarm() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
}

func (m *AudioLevelMonitor) process(frame []byte) {
	if m.released.Load() {
		return
	}

	level := 0.0
	if m.linear16 {
		level = m.normalize(audio.RMS(audio.Linear16Samples(frame)))
	}
	m.onLevel(level)

	if m.detectSilence(level) {
		m.onSilence()
	}

	m.forward(frame)
}

func (m *AudioLevelMonitor) normalize(rms float64) float64 {
	if m.divisor <= 0 {
		return 0
	}
	return min(1, max(0, rms/m.divisor))
}

// detectSilence updates the detector with level and reports whether the
// silence window just elapsed. It reports at most once per arming.
func (m *AudioLevelMonitor) detectSilence(level float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if level > m.threshold {
		m.heardSpeech = true
		m.lastSpeechHeard = now
		m.silenceReported = false
		return false
	}

	if !m.armed || !m.heardSpeech || m.silenceReported {
		return false
	}
	if now.Sub(m.lastSpeechHeard) <= m.silenceWindow {
		return false
	}

	m.silenceReported = true
	return true
}

func (m *AudioLevelMonitor) encodingInfo() audio.EncodingInfo {
	if m == nil || m.device == nil {
		return audio.GetDefaultEncodingInfo()
	}
	if encoding := m.device.EncodingInfo(); !encoding.IsZero() {
		return encoding
	}
	return audio.GetDefaultEncodingInfo()
}
