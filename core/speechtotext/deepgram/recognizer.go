package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultBaseURL         = "wss://api.deepgram.com/v1/listen"
	defaultModel           = "nova-3"
	defaultLanguage        = "en-US"
	defaultNoSpeechTimeout = 8 * time.Second
)

var ErrAlreadyRunning = errors.New("recognition already running")

// Recognizer runs one Deepgram live transcription session per Start call and
// reports a single final transcript per session.
type Recognizer struct {
	apiKey          string
	baseURL         string
	model           string
	language        string
	noSpeechTimeout time.Duration
	dialer          *websocket.Dialer

	mu      sync.Mutex
	current *recognition
}

type RecognizerOption func(*Recognizer)

func WithAPIKey(apiKey string) RecognizerOption {
	return func(r *Recognizer) { r.apiKey = apiKey }
}

func WithBaseURL(baseURL string) RecognizerOption {
	return func(r *Recognizer) { r.baseURL = baseURL }
}

func WithModel(model string) RecognizerOption {
	return func(r *Recognizer) { r.model = model }
}

func WithLanguage(language string) RecognizerOption {
	return func(r *Recognizer) { r.language = language }
}

// WithNoSpeechTimeout sets how long a session may go without any recognised
// words before it ends with a no-speech error.
func WithNoSpeechTimeout(timeout time.Duration) RecognizerOption {
	return func(r *Recognizer) { r.noSpeechTimeout = timeout }
}

func NewRecognizer(opts ...RecognizerOption) *Recognizer {
	r := &Recognizer{
		baseURL:         defaultBaseURL,
		model:           defaultModel,
		language:        defaultLanguage,
		noSpeechTimeout: defaultNoSpeechTimeout,
		dialer:          websocket.DefaultDialer,
	}
	if apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY"); ok {
		r.apiKey = apiKey
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recognizer) Start(ctx context.Context, opts ...speechtotext.RecognitionOption) error {
	options := speechtotext.NewRecognitionOptions(opts...)

	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "open recognition")
	defer span.End()

	stream, err := streamEncoding(options.EncodingInfo)
	if err != nil {
		return &speechtotext.Error{Kind: speechtotext.ErrorAudioCapture, Err: fmt.Errorf("invalid encoding: %w", err)}
	}
	span.SetAttributes(attribute.String("stt.model", r.model), attribute.Int("stt.sample_rate", stream.sampleRate))

	conn, err := r.connect(ctx, stream)
	if err != nil {
		span.RecordError(err)
		return err
	}

	run := newRecognition(conn, options, r.noSpeechTimeout, r.clear)

	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyRunning
	}
	r.current = run
	r.mu.Unlock()

	run.armNoSpeechTimer()
	go run.readMessages()
	return nil
}

func (r *Recognizer) connect(ctx context.Context, stream connectionOptions) (*websocket.Conn, error) {
	if r.apiKey == "" {
		return nil, &speechtotext.Error{Kind: speechtotext.ErrorPermissionDenied, Err: fmt.Errorf("deepgram api key not found")}
	}

	stream.model = r.model
	stream.language = r.language
	listenURL, err := listenURL(r.baseURL, stream)
	if err != nil {
		return nil, &speechtotext.Error{Kind: speechtotext.ErrorNetwork, Err: err}
	}

	conn, resp, err := r.dialer.DialContext(ctx, listenURL, http.Header{"Authorization": {"Token " + r.apiKey}})
	if err != nil {
		kind := speechtotext.ErrorNetwork
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			kind = speechtotext.ErrorPermissionDenied
		}
		return nil, &speechtotext.Error{Kind: kind, Err: fmt.Errorf("failed to open socket connection to deepgram: %w", err)}
	}

	return conn, nil
}

// Stop ends the running session, if any. It is safe to call repeatedly.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	run := r.current
	r.mu.Unlock()

	if run != nil {
		run.end("", nil)
	}
	return nil
}

func (r *Recognizer) SendAudio(audio []byte) error {
	r.mu.Lock()
	run := r.current
	r.mu.Unlock()

	if run == nil {
		return nil
	}
	return run.sendAudio(audio)
}

// Finalize asks Deepgram to flush what it has heard so far as a final result.
func (r *Recognizer) Finalize() error {
	r.mu.Lock()
	run := r.current
	r.mu.Unlock()

	if run == nil {
		return nil
	}
	return run.finalize()
}

func (r *Recognizer) clear(run *recognition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == run {
		r.current = nil
	}
}
