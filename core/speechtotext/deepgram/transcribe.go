package deepgram

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/speechtotext"
)

type connectionOptions struct {
	sampleRate int
	encoding   string
	model      string
	language   string
}

func listenURL(baseURL string, options connectionOptions) (string, error) {
	listenURL, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram url: %w", err)
	}

	queryParams := listenURL.Query()
	queryParams.Set("encoding", options.encoding)
	queryParams.Set("sample_rate", strconv.Itoa(options.sampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", options.model)
	queryParams.Set("language", options.language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("interim_results", "true")
	queryParams.Set("utterance_end_ms", "1000")
	queryParams.Set("endpointing", "300")
	queryParams.Set("vad_events", "true")

	listenURL.RawQuery = queryParams.Encode()
	return listenURL.String(), nil
}

// recognition is a single listening session. It ends exactly once, either
// with a final transcript, an error, or an explicit stop.
type recognition struct {
	conn   *websocket.Conn
	connMu sync.Mutex

	options         speechtotext.RecognitionOptions
	noSpeechTimeout time.Duration
	onEnded         func(*recognition)

	mu            sync.Mutex
	accumulated   string
	heardWords    bool
	finalizing    bool
	noSpeechTimer *time.Timer

	endOnce sync.Once
	ended   chan struct{}
}

func newRecognition(conn *websocket.Conn, options speechtotext.RecognitionOptions, noSpeechTimeout time.Duration, onEnded func(*recognition)) *recognition {
	if onEnded == nil {
		onEnded = func(*recognition) {}
	}
	return &recognition{
		conn:            conn,
		options:         options,
		noSpeechTimeout: noSpeechTimeout,
		onEnded:         onEnded,
		ended:           make(chan struct{}),
	}
}

func (r *recognition) armNoSpeechTimer() {
	if r.noSpeechTimeout <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.noSpeechTimer = time.AfterFunc(r.noSpeechTimeout, func() {
		r.mu.Lock()
		heard := r.heardWords
		r.mu.Unlock()
		if !heard {
			r.end(speechtotext.ErrorNoSpeech, nil)
		}
	})
}

func (r *recognition) isEnded() bool {
	select {
	case <-r.ended:
		return true
	default:
		return false
	}
}

func (r *recognition) readMessages() {
	for {
		msgType, msg, err := r.conn.ReadMessage()
		if err != nil {
			if r.isEnded() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.end("", nil)
			} else {
				r.end(speechtotext.ErrorNetwork, fmt.Errorf("failed to read deepgram websocket message: %w", err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			r.handleMessage(msg)
		}
	}
}

func (r *recognition) handleMessage(msg []byte) {
	if r.isEnded() {
		return
	}

	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		logger.Warn("failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.Warn("failed to unmarshal deepgram results", "error", err)
			return
		}

		transcript := ""
		if len(msgResp.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
		}

		r.mu.Lock()
		if transcript != "" {
			r.heardWords = true
		}
		if !msgResp.IsFinal {
			interim := strings.TrimSpace(r.accumulated + " " + transcript)
			r.mu.Unlock()
			if transcript != "" {
				r.options.InterimCallback(interim)
			}
			return
		}

		if transcript != "" {
			r.accumulated = strings.TrimSpace(r.accumulated + " " + transcript)
		}
		shouldFinish := (msgResp.SpeechFinal || r.finalizing) && r.accumulated != ""
		r.mu.Unlock()

		if shouldFinish {
			r.finish()
		}

	case api.TypeUtteranceEndResponse:
		r.finish()

	case api.TypeSpeechStartedResponse:
		logger.Debug("deepgram detected speech start")
	}
}

// finish reports the accumulated transcript and ends the session. An
// utterance that produced no words ends as no-speech.
func (r *recognition) finish() {
	r.mu.Lock()
	transcript := r.accumulated
	r.accumulated = ""
	r.mu.Unlock()

	if transcript == "" {
		r.end(speechtotext.ErrorNoSpeech, nil)
		return
	}

	r.endOnce.Do(func() {
		r.options.FinalCallback(transcript)
		r.release("", nil)
	})
}

func (r *recognition) end(kind speechtotext.ErrorKind, err error) {
	r.endOnce.Do(func() { r.release(kind, err) })
}

// release must only run inside endOnce.
func (r *recognition) release(kind speechtotext.ErrorKind, err error) {
	r.mu.Lock()
	if r.noSpeechTimer != nil {
		r.noSpeechTimer.Stop()
	}
	r.mu.Unlock()

	close(r.ended)
	r.closeConnection()
	r.onEnded(r)

	if kind != "" {
		r.options.ErrorCallback(kind, err)
	}
	r.options.EndCallback()
}

func (r *recognition) closeConnection() {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.conn == nil {
		return
	}

	if err := r.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: "CloseStream"}); err != nil {
		logger.Debug("failed to send deepgram close stream message", "error", err)
	}
	_ = r.conn.Close()
	r.conn = nil
}

func (r *recognition) sendAudio(audio []byte) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.conn == nil {
		return nil
	}
	if err := r.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

func (r *recognition) finalize() error {
	r.mu.Lock()
	r.finalizing = true
	r.mu.Unlock()

	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.conn == nil {
		return nil
	}
	if err := r.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: "Finalize"}); err != nil {
		return fmt.Errorf("failed to send finalize to deepgram: %w", err)
	}
	return nil
}
