// Package dialogue talks to the tutor backend: it sends a transcript with the
// turn history and normalizes whatever comes back into a conversations.Reply.
package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/koscakluka/ema-voice/core/conversations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout = 60 * time.Second
	maxReplyBytes  = 32 << 20
)

// Synthesizer voices reply text for backends that answer without audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Client struct {
	url           string
	apiKey        string
	httpClient    *http.Client
	synthesizer   Synthesizer
	maxReplyBytes int64
}

type ClientOption func(*Client)

// WithAPIKey sends apiKey as a bearer token. It defaults to the
// TUTOR_API_KEY environment variable.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) { c.apiKey = apiKey }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithSpeechSynthesizer voices replies that arrive without audio. Synthesis
// failures leave the reply text-only.
func WithSpeechSynthesizer(synthesizer Synthesizer) ClientOption {
	return func(c *Client) { c.synthesizer = synthesizer }
}

func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:           url,
		maxReplyBytes: maxReplyBytes,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, request *http.Request) string {
					return "dialogue " + request.Method
				}),
			),
		},
	}
	if apiKey, ok := os.LookupEnv("TUTOR_API_KEY"); ok {
		c.apiKey = apiKey
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	Prompt              string           `json:"prompt"`
	ConversationHistory []historyMessage `json:"conversationHistory"`
}

// Send asks the tutor to answer transcript. Non-2xx answers are returned as
// *Error; a 2xx answer always yields a Reply, falling back to FallbackText
// when the payload carries no text.
func (c *Client) Send(ctx context.Context, transcript string, history []conversations.Turn) (conversations.Reply, error) {
	ctx, span := tracer.Start(ctx, "send dialogue")
	defer span.End()
	span.SetAttributes(attribute.Int("request.history_turns", len(history)))

	reqBody := requestBody{Prompt: transcript, ConversationHistory: make([]historyMessage, 0, len(history))}
	for _, turn := range history {
		reqBody.ConversationHistory = append(reqBody.ConversationHistory, historyMessage{
			Role:    string(turn.Role),
			Content: turn.Text,
		})
	}

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return conversations.Reply{}, recordError(span, fmt.Errorf("error marshalling JSON: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return conversations.Reply{}, recordError(span, fmt.Errorf("error creating HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return conversations.Reply{}, recordError(span, fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	respBodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.maxReplyBytes+1))
	if err != nil {
		return conversations.Reply{}, recordError(span, fmt.Errorf("error reading response body: %w", err))
	}
	if int64(len(respBodyBytes)) > c.maxReplyBytes {
		return conversations.Reply{}, recordError(span, fmt.Errorf("%w: over %d bytes", ErrReplyTooLarge, c.maxReplyBytes))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return conversations.Reply{}, recordError(span, &Error{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBodyBytes),
		})
	}

	reply := normalizeReply(respBodyBytes)
	if !reply.HasAudio() && c.synthesizer != nil {
		audio, err := c.synthesizer.Synthesize(ctx, reply.Text)
		if err != nil {
			logger.Warn("failed to synthesize reply", "error", err)
			span.RecordError(err)
		} else {
			reply.Audio = audio
		}
	}

	span.SetAttributes(
		attribute.Int("response.audio_bytes", len(reply.Audio)),
		attribute.Int("response.links", len(reply.Links)),
	)
	return reply, nil
}

func recordError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
