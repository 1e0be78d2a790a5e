package miniaudio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-voice/core/audio"
)

type playbackClient struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig

	// pending is PCM queued for the device, marks are positions in it.
	pending []byte
	marks   []playbackMark
	// latency is how long audio handed to the device takes to be heard.
	latency time.Duration
	// generation invalidates marks waiting out the latency when cleared.
	generation uint64

	mu      sync.Mutex
	audioMu sync.Mutex
}

type playbackMark struct {
	name     string
	position int
	callback func(string)
}

func (c *playbackClient) Init(audioContext *malgo.AllocatedContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sampleRate := uint32(audio.DefaultSampleRate)
	channels := 1
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	c.config = malgo.DefaultDeviceConfig(malgo.Playback)
	c.config.SampleRate = sampleRate
	c.config.Playback.Format = format
	c.config.Playback.Channels = uint32(channels)
	c.config.Alsa.NoMMap = 1
	c.config.PeriodSizeInFrames = sampleRate / 10 // ~100ms of audio
	c.config.Periods = 4
	c.latency = time.Duration(c.config.Periods*c.config.PeriodSizeInFrames) * time.Second / time.Duration(sampleRate)

	c.audioContext = audioContext

	var err error
	if c.device, err = malgo.InitDevice(
		c.audioContext.Context,
		c.config,
		malgo.DeviceCallbacks{Data: c.processAudio(bytesPerFrame)},
	); err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	return nil
}

func (c *playbackClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	return nil
}

func (c *playbackClient) SendAudio(audio []byte) error {
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()

	if device == nil {
		return fmt.Errorf("device not initialized")
	} else if !device.IsStarted() {
		return fmt.Errorf("device not started")
	}

	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.pending = append(c.pending, audio...)
	return nil
}

// ClearBuffer drops queued audio together with any marks that have not been
// heard yet, their callbacks are never invoked.
func (c *playbackClient) ClearBuffer() {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.pending = nil
	c.marks = nil
	c.generation++
}

// Mark registers a callback fired once everything queued so far has been
// played, that is handed to the device and drained through its buffer.
func (c *playbackClient) Mark(mark string, callback func(string)) error {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.marks = append(c.marks, playbackMark{
		name:     mark,
		position: len(c.pending),
		callback: callback,
	})
	return nil
}

func (c *playbackClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		return nil
	}

	c.device.Uninit()
	c.device = nil
	c.ClearBuffer()

	return nil
}

func (c *playbackClient) processAudio(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame
		if need > len(pOutput) {
			need = len(pOutput)
		}

		c.audioMu.Lock()
		n := copy(pOutput[:need], c.pending)
		c.pending = c.pending[n:]
		reached := c.advanceMarks(n)
		generation, latency := c.generation, c.latency
		c.audioMu.Unlock()

		for i := n; i < need; i++ {
			pOutput[i] = 0
		}

		if len(reached) > 0 {
			time.AfterFunc(latency, func() { c.fireMarks(generation, reached) })
		}
	}
}

func (c *playbackClient) fireMarks(generation uint64, marks []playbackMark) {
	c.audioMu.Lock()
	cleared := c.generation != generation
	c.audioMu.Unlock()
	if cleared {
		return
	}

	for _, mark := range marks {
		mark.callback(mark.name)
	}
}

// advanceMarks must be called with audioMu held.
func (c *playbackClient) advanceMarks(consumed int) []playbackMark {
	passed := 0
	for i := range c.marks {
		c.marks[i].position -= consumed
		if c.marks[i].position <= 0 {
			passed++
		}
	}
	if passed == 0 {
		return nil
	}

	reached := c.marks[:passed]
	c.marks = c.marks[passed:]
	return reached
}
