// Package conversations holds the records a voice conversation produces: turns,
// dialogue replies and the summary handed to persistence when a session ends.
package conversations

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in the conversation. Turns are immutable once recorded.
type Turn struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
	// AudioRef identifies the playback that voiced an assistant turn, empty
	// when the turn was never played.
	AudioRef string `json:"audioRef,omitempty"`
	// Links are supplementary references (e.g. catalogue URLs) that came with
	// an assistant reply.
	Links     []string  `json:"links,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TranscriptLine renders the turn as `[HH:MM:SS] ROLE: text`.
func (t Turn) TranscriptLine() string {
	return "[" + t.CreatedAt.Format("15:04:05") + "] " + strings.ToUpper(string(t.Role)) + ": " + t.Text
}

// Reply is the canonical shape of a dialogue backend answer.
type Reply struct {
	Text  string
	Audio []byte
	Links []string
}

func (r Reply) HasAudio() bool { return len(r.Audio) > 0 }
