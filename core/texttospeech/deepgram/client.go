// Package deepgram voices text through the Deepgram speak REST API.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultBaseURL = "https://api.deepgram.com/v1/speak"

type SpeechClient struct {
	apiKey     string
	baseURL    string
	voice      Voice
	httpClient *http.Client
}

type SpeechClientOption func(*SpeechClient)

func WithAPIKey(apiKey string) SpeechClientOption {
	return func(c *SpeechClient) { c.apiKey = apiKey }
}

func WithBaseURL(baseURL string) SpeechClientOption {
	return func(c *SpeechClient) { c.baseURL = baseURL }
}

func WithHTTPClient(client *http.Client) SpeechClientOption {
	return func(c *SpeechClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewSpeechClient returns a client speaking with voice. An empty voice picks
// the default one.
func NewSpeechClient(voice Voice, opts ...SpeechClientOption) (*SpeechClient, error) {
	client := &SpeechClient{
		baseURL:    defaultBaseURL,
		voice:      defaultVoice,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY"); ok {
		client.apiKey = apiKey
	}

	if voice != "" {
		if err := client.SetVoice(voice); err != nil {
			return nil, err
		}
	}

	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

func (c *SpeechClient) SetVoice(voice Voice) error {
	if !slices.Contains(GetAvailableVoices(), voice) {
		return fmt.Errorf("invalid voice %q", voice)
	}
	c.voice = voice
	return nil
}

type speakRequest struct {
	Text string `json:"text"`
}

// Synthesize returns text spoken as MP3.
func (c *SpeechClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()
	span.SetAttributes(attribute.String("request.voice", string(c.voice)), attribute.Int("request.characters", len(text)))

	fail := func(err error) ([]byte, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if c.apiKey == "" {
		return fail(fmt.Errorf("deepgram api key not found"))
	}
	if strings.TrimSpace(text) == "" {
		return fail(fmt.Errorf("nothing to synthesize"))
	}

	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return fail(fmt.Errorf("invalid speak url: %w", err))
	}
	query := endpoint.Query()
	query.Set("model", string(c.voice))
	query.Set("encoding", "mp3")
	endpoint.RawQuery = query.Encode()

	requestBodyBytes, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return fail(fmt.Errorf("error marshalling JSON: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return fail(fmt.Errorf("error creating HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("error reading response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("non-OK HTTP status: %s: %s", resp.Status, speakErrorMessage(body)))
	}

	return body, nil
}

func speakErrorMessage(body []byte) string {
	var payload struct {
		ErrMsg string `json:"err_msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.ErrMsg != "" {
		return payload.ErrMsg
	}
	return strings.TrimSpace(string(body))
}
