package dialogue

import (
	"encoding/base64"
	"encoding/json"
	"slices"
	"strings"

	"github.com/koscakluka/ema-voice/core/conversations"
)

// FallbackText is the reply text used when the backend answers with a payload
// no text can be extracted from.
const FallbackText = "Sorry, I didn't catch a response from the tutor. Could you ask that again?"

var (
	textKeys  = []string{"content", "text", "reply", "message", "response", "answer"}
	audioKeys = []string{"audio", "audioContent", "audio_base64", "audioBase64"}
	linkKeys  = []string{"spotifyUrls", "links", "urls"}
)

const maxTextDepth = 3

// normalizeReply turns whatever shape the backend answered with into a Reply.
// It never fails: missing text becomes FallbackText, undecodable audio is
// dropped.
func normalizeReply(body []byte) conversations.Reply {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Warn("dialogue reply is not a JSON object", "error", err)
		return conversations.Reply{Text: FallbackText}
	}

	reply := conversations.Reply{
		Text:  extractText(payload, 0),
		Audio: extractAudio(payload),
		Links: extractLinks(payload),
	}
	if reply.Text == "" {
		reply.Text = FallbackText
	}
	return reply
}

func extractText(payload map[string]json.RawMessage, depth int) string {
	for _, key := range textKeys {
		raw, ok := payload[key]
		if !ok {
			continue
		}

		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if text = strings.TrimSpace(text); text != "" {
				return text
			}
			continue
		}

		if depth >= maxTextDepth {
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err == nil {
			if text := extractText(nested, depth+1); text != "" {
				return text
			}
		}
	}
	return ""
}

func extractAudio(payload map[string]json.RawMessage) []byte {
	for _, key := range audioKeys {
		raw, ok := payload[key]
		if !ok {
			continue
		}

		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil || encoded == "" {
			continue
		}

		audio, err := decodeBase64(encoded)
		if err != nil {
			logger.Warn("dropping undecodable reply audio", "key", key, "error", err)
			continue
		}
		return audio
	}
	return nil
}

func decodeBase64(encoded string) ([]byte, error) {
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	encoded = strings.TrimSpace(encoded)

	if audio, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return audio, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
}

func extractLinks(payload map[string]json.RawMessage) []string {
	var links []string
	for _, key := range linkKeys {
		raw, ok := payload[key]
		if !ok {
			continue
		}

		var urls []string
		if err := json.Unmarshal(raw, &urls); err == nil {
			links = appendLinks(links, urls...)
			continue
		}

		var objects []struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &objects); err == nil {
			for _, object := range objects {
				links = appendLinks(links, object.URL)
			}
		}
	}
	return links
}

func appendLinks(links []string, urls ...string) []string {
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" || slices.Contains(links, url) {
			continue
		}
		links = append(links, url)
	}
	return links
}

// errorMessage extracts {message} (or {error}) from a non-2xx body.
func errorMessage(body []byte) string {
	var payload struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	if payload.Message != "" {
		return payload.Message
	}

	var message string
	if err := json.Unmarshal(payload.Error, &message); err == nil {
		return message
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload.Error, &nested); err == nil {
		return nested.Message
	}
	return ""
}
