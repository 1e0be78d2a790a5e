package orchestration

import (
	"reflect"

	"github.com/koscakluka/ema-voice/core/audio"
)

// audioOutput normalizes blocking-mark (v0) and callback-mark (v1) playback
// clients behind one facade used by the PlaybackController.
type audioOutput struct {
	base audioOutputBase
	v0   AudioOutputV0
	v1   AudioOutputV1
}

func newAudioOutput(client audioOutputBase) *audioOutput {
	audioOutput := audioOutput{}
	audioOutput.Set(client)
	return &audioOutput
}

// Set replaces the configured output client. Nil and typed-nil clients are
// treated as unconfigured.
func (a *audioOutput) Set(client audioOutputBase) {
	if a == nil {
		return
	}

	a.base = nil
	a.v0 = nil
	a.v1 = nil

	if isNilAudioOutputBase(client) {
		return
	}
	a.base = client

	if v1, ok := client.(AudioOutputV1); ok {
		a.v1 = v1
		return
	}

	if v0, ok := client.(AudioOutputV0); ok {
		a.v0 = v0
	}
}

func (a *audioOutput) isConfigured() bool {
	if a == nil {
		return false
	}

	return a.v0 != nil || a.v1 != nil
}

func (a *audioOutput) SendAudio(audio []byte) error {
	if a.v1 != nil {
		return a.v1.SendAudio(audio)
	} else if a.v0 != nil {
		return a.v0.SendAudio(audio)
	}
	return nil
}

// Mark invokes callback once everything sent before it has been played.
//
// v0 clients expose this as a blocking wait, which is bridged to a callback
// on its own goroutine. Without an output the callback fires immediately.
func (a *audioOutput) Mark(mark string, callback func(mark string, err error)) {
	if a.v1 != nil {
		if err := a.v1.Mark(mark, func(mark string) { callback(mark, nil) }); err != nil {
			callback(mark, err)
		}
	} else if a.v0 != nil {
		go func() {
			err := a.v0.AwaitMark()
			callback(mark, err)
		}()
	} else {
		callback(mark, nil)
	}
}

func (a *audioOutput) Clear() {
	if a.v1 != nil {
		a.v1.ClearBuffer()
	} else if a.v0 != nil {
		a.v0.ClearBuffer()
	}
}

// EncodingInfo returns the output encoding, or the project default when no
// output is configured.
func (a *audioOutput) EncodingInfo() audio.EncodingInfo {
	if a.v1 != nil {
		return a.v1.EncodingInfo()
	}
	if a.v0 != nil {
		return a.v0.EncodingInfo()
	}

	return audio.GetDefaultEncodingInfo()
}

func isNilAudioOutputBase(client audioOutputBase) bool {
	if client == nil {
		return true
	}

	v := reflect.ValueOf(client)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
