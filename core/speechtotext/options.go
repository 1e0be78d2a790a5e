package speechtotext

import "github.com/koscakluka/ema-voice/core/audio"

type RecognitionOptions struct {
	InterimCallback func(transcript string)
	FinalCallback   func(transcript string)
	ErrorCallback   func(kind ErrorKind, err error)
	EndCallback     func()

	EncodingInfo audio.EncodingInfo
}

type RecognitionOption func(*RecognitionOptions)

// NewRecognitionOptions applies opts over no-op callbacks and the default
// encoding so recognizers never need to nil-check.
func NewRecognitionOptions(opts ...RecognitionOption) RecognitionOptions {
	options := RecognitionOptions{
		InterimCallback: func(string) {},
		FinalCallback:   func(string) {},
		ErrorCallback:   func(ErrorKind, error) {},
		EndCallback:     func() {},
		EncodingInfo:    audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithInterimCallback(callback func(transcript string)) RecognitionOption {
	return func(o *RecognitionOptions) {
		if callback != nil {
			o.InterimCallback = callback
		}
	}
}

func WithFinalCallback(callback func(transcript string)) RecognitionOption {
	return func(o *RecognitionOptions) {
		if callback != nil {
			o.FinalCallback = callback
		}
	}
}

func WithErrorCallback(callback func(kind ErrorKind, err error)) RecognitionOption {
	return func(o *RecognitionOptions) {
		if callback != nil {
			o.ErrorCallback = callback
		}
	}
}

func WithEndCallback(callback func()) RecognitionOption {
	return func(o *RecognitionOptions) {
		if callback != nil {
			o.EndCallback = callback
		}
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) RecognitionOption {
	return func(o *RecognitionOptions) {
		if !encodingInfo.IsZero() {
			o.EncodingInfo = encodingInfo
		}
	}
}
