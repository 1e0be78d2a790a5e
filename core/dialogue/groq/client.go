// Package groq answers the learner with a chat model on Groq instead of a
// dedicated tutor backend. Replies are requested as structured JSON so that
// supplementary links survive alongside the spoken text.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/dialogue"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultURL     = "https://api.groq.com/openai/v1/chat/completions"
	defaultModel   = "openai/gpt-oss-20b"
	defaultTimeout = 60 * time.Second

	DefaultInstructions = "You are a friendly spoken tutor. Answer in one to three short " +
		"sentences that sound natural when read aloud. Put any URLs you want " +
		"to share in links, never in text."
)

// tutorReply is the shape the model is asked to answer with.
type tutorReply struct {
	Text  string   `json:"text" jsonschema:"description=What the tutor says out loud"`
	Links []string `json:"links" jsonschema:"description=Supplementary URLs for the learner"`
}

type Client struct {
	url          string
	apiKey       string
	model        string
	instructions string
	httpClient   *http.Client
	synthesizer  dialogue.Synthesizer
}

type ClientOption func(*Client)

// WithAPIKey overrides the GROQ_API_KEY environment variable.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) { c.apiKey = apiKey }
}

func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithURL(url string) ClientOption {
	return func(c *Client) { c.url = url }
}

func WithInstructions(instructions string) ClientOption {
	return func(c *Client) { c.instructions = instructions }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithSpeechSynthesizer(synthesizer dialogue.Synthesizer) ClientOption {
	return func(c *Client) { c.synthesizer = synthesizer }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		url:          defaultURL,
		model:        defaultModel,
		instructions: DefaultInstructions,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if apiKey, ok := os.LookupEnv("GROQ_API_KEY"); ok {
		c.apiKey = apiKey
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type requestBody struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string             `json:"name"`
	Schema *jsonschema.Schema `json:"schema"`
	Strict bool               `json:"strict"`
}

type responseBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func replySchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	return reflector.ReflectFromType(reflect.TypeOf(tutorReply{}))
}

// Send asks the model to answer transcript given the conversation so far.
// Non-2xx answers are returned as *dialogue.Error.
func (c *Client) Send(ctx context.Context, transcript string, history []conversations.Turn) (conversations.Reply, error) {
	ctx, span := tracer.Start(ctx, "prompt tutor model")
	defer span.End()

	reqBody := requestBody{
		Model:    c.model,
		Messages: toMessages(c.instructions, history, transcript),
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   "tutor_reply",
				Schema: replySchema(),
				Strict: true,
			},
		},
	}
	span.SetAttributes(
		attribute.String("request.model", c.model),
		attribute.Int("request.messages", len(reqBody.Messages)),
	)

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return conversations.Reply{}, recordError(span, fmt.Errorf("error marshalling JSON: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return conversations.Reply{}, recordError(span, fmt.Errorf("error creating HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return conversations.Reply{}, recordError(span, fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return conversations.Reply{}, recordError(span, fmt.Errorf("error reading response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		var body errorBody
		_ = json.Unmarshal(respBodyBytes, &body)
		return conversations.Reply{}, recordError(span, &dialogue.Error{
			StatusCode: resp.StatusCode,
			Message:    body.Error.Message,
		})
	}

	var body responseBody
	if err := json.Unmarshal(respBodyBytes, &body); err != nil {
		return conversations.Reply{}, recordError(span, fmt.Errorf("error unmarshalling response body: %w", err))
	}
	if len(body.Choices) == 0 {
		return conversations.Reply{Text: dialogue.FallbackText}, nil
	}

	reply := parseReply(body.Choices[0].Message.Content)
	if c.synthesizer != nil {
		audio, err := c.synthesizer.Synthesize(ctx, reply.Text)
		if err != nil {
			logger.Warn("failed to synthesize reply", "error", err)
			span.RecordError(err)
		} else {
			reply.Audio = audio
		}
	}
	return reply, nil
}

// parseReply reads the structured answer. Models sometimes wrap it in a code
// fence or ignore the schema entirely; plain text is used as the reply then.
func parseReply(content string) conversations.Reply {
	content = strings.TrimSpace(content)
	if split := strings.Split(content, "```"); len(split) > 2 {
		content = strings.TrimPrefix(strings.TrimSpace(split[1]), "json")
	}

	var parsed tutorReply
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		if content == "" {
			return conversations.Reply{Text: dialogue.FallbackText}
		}
		return conversations.Reply{Text: content}
	}

	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		text = dialogue.FallbackText
	}

	var links []string
	for _, link := range parsed.Links {
		if link = strings.TrimSpace(link); link != "" {
			links = append(links, link)
		}
	}
	return conversations.Reply{Text: text, Links: links}
}

func recordError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
