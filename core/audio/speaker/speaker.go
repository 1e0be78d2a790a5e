// Package speaker plays synthesized speech through ebitengine/oto. It is a
// playback-only alternative to the miniaudio client for hosts where malgo
// playback is unavailable.
package speaker

import (
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/koscakluka/ema-voice/core/audio"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-voice/core/audio/speaker"

var logger = otelslog.NewLogger(scopeName)

const bufferDuration = 100 * time.Millisecond

type Speaker struct {
	player   *oto.Player
	stream   *stream
	encoding audio.EncodingInfo
}

// NewSpeaker opens the default output device for mono linear16 audio at
// sampleRate.
func NewSpeaker(sampleRate int) (*Speaker, error) {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize speaker: %w", err)
	}
	<-ready

	s := &Speaker{
		stream:   newStream(),
		encoding: audio.EncodingInfo{SampleRate: sampleRate, Format: audio.EncodingLinear16},
	}
	s.player = otoCtx.NewPlayer(s.stream)
	s.player.Play()
	logger.Info("speaker started", "sample_rate", sampleRate)
	return s, nil
}

func (s *Speaker) EncodingInfo() audio.EncodingInfo { return s.encoding }

func (s *Speaker) SendAudio(audio []byte) error { return s.stream.write(audio) }

// ClearBuffer drops queued audio. Pending AwaitMark calls return ErrCleared.
func (s *Speaker) ClearBuffer() { s.stream.clear() }

// AwaitMark blocks until every chunk sent so far has been handed to the
// device.
func (s *Speaker) AwaitMark() error { return s.stream.awaitDrained() }

func (s *Speaker) Close() error {
	s.stream.close()
	if s.player == nil {
		return nil
	}
	return s.player.Close()
}
