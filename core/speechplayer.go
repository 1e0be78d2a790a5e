package orchestration

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-voice/core/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PlaybackHandle identifies one buffer handed to the PlaybackController.
type PlaybackHandle struct {
	ID string
}

// PlaybackController plays one synthesized-speech buffer at a time. Each
// handle's completion callback fires exactly once, on its own goroutine, with
// nil after natural completion, ErrPlaybackStopped after Stop, or the
// *PlaybackError that ended it.
type PlaybackController struct {
	output *audioOutput

	mu      sync.Mutex
	current *playback
}

type playback struct {
	handle PlaybackHandle
	span   trace.Span
	onDone func(handle PlaybackHandle, err error)
}

func newPlaybackController(output *audioOutput) *PlaybackController {
	if output == nil {
		output = newAudioOutput(nil)
	}
	return &PlaybackController{output: output}
}

// Available reports whether an output client is configured.
func (p *PlaybackController) Available() bool {
	return p != nil && p.output.isConfigured()
}

// Play decodes payload into the output encoding and queues it. A playback that
// is still running is stopped first. Decoding failures are returned directly
// and no handle is created.
func (p *PlaybackController) Play(ctx context.Context, payload []byte, onDone func(handle PlaybackHandle, err error)) (PlaybackHandle, error) {
	if onDone == nil {
		onDone = func(PlaybackHandle, error) {}
	}

	pcm, err := audio.DecodePayload(payload, p.output.EncodingInfo())
	if err != nil {
		return PlaybackHandle{}, &PlaybackError{Err: err}
	}

	p.mu.Lock()
	previous := p.current
	p.mu.Unlock()
	if previous != nil {
		logger.Warn("replacing playback that was still running", "handle", previous.handle.ID)
		p.Stop(previous.handle)
	}

	handle := PlaybackHandle{ID: uuid.NewString()}
	_, span := tracer.Start(ctx, "playback")
	span.SetAttributes(
		attribute.String("handle", handle.ID),
		attribute.Int64("duration_ms", p.output.EncodingInfo().Duration(len(pcm)).Milliseconds()),
	)

	p.mu.Lock()
	p.current = &playback{handle: handle, span: span, onDone: onDone}
	p.mu.Unlock()

	if err := p.output.SendAudio(pcm); err != nil {
		p.finish(handle, &PlaybackError{Err: err})
		return handle, nil
	}

	p.output.Mark(handle.ID, func(_ string, err error) {
		if err != nil {
			err = &PlaybackError{Err: err}
		}
		p.finish(handle, err)
	})

	return handle, nil
}

// Stop ends handle if it is still the active playback. Stopping an already
// finished handle is a no-op.
func (p *PlaybackController) Stop(handle PlaybackHandle) {
	if p == nil {
		return
	}

	p.mu.Lock()
	active := p.current != nil && p.current.handle == handle
	p.mu.Unlock()
	if !active {
		return
	}

	p.output.Clear()
	p.finish(handle, ErrPlaybackStopped)
}

// Active reports whether a playback handle is outstanding.
func (p *PlaybackController) Active() bool {
	if p == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

func (p *PlaybackController) finish(handle PlaybackHandle, err error) {
	p.mu.Lock()
	current := p.current
	if current == nil || current.handle != handle {
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.mu.Unlock()

	if err != nil && !errors.Is(err, ErrPlaybackStopped) {
		current.span.RecordError(err)
		current.span.SetStatus(codes.Error, err.Error())
	}
	current.span.End()

	go current.onDone(handle, err)
}
