package conversations

import "time"

const (
	defaultSummaryTitle = "Voice conversation"
	maxTitleRunes       = 50
)

// SessionSummary is the completed-conversation record emitted when a session
// with at least one turn stops.
type SessionSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Turns       []Turn    `json:"turns"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Title derives a summary title from the first user turn.
func Title(turns []Turn) string {
	for _, turn := range turns {
		if turn.Role != RoleUser || turn.Text == "" {
			continue
		}

		runes := []rune(turn.Text)
		if len(runes) <= maxTitleRunes {
			return turn.Text
		}
		return string(runes[:maxTitleRunes]) + "..."
	}
	return defaultSummaryTitle
}
