package orchestration

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-voice/core/conversations"
)

// TranscriptRecorder is the append-only turn log of a session.
type TranscriptRecorder struct {
	mu    sync.RWMutex
	turns []conversations.Turn
	now   func() time.Time
}

func NewTranscriptRecorder() *TranscriptRecorder {
	return newTranscriptRecorder(time.Now)
}

func newTranscriptRecorder(now func() time.Time) *TranscriptRecorder {
	if now == nil {
		now = time.Now
	}
	return &TranscriptRecorder{now: now}
}

// Append records turn and returns the stored copy. A missing ID is generated
// and CreatedAt is stamped so that timestamps never go backwards.
func (r *TranscriptRecorder) Append(turn conversations.Turn) conversations.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.CreatedAt = r.now()
	if n := len(r.turns); n > 0 && turn.CreatedAt.Before(r.turns[n-1].CreatedAt) {
		turn.CreatedAt = r.turns[n-1].CreatedAt
	}
	turn.Links = append([]string(nil), turn.Links...)

	r.turns = append(r.turns, turn)
	return copyTurn(turn)
}

func (r *TranscriptRecorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.turns)
}

// Turns returns a deep copy of the log.
func (r *TranscriptRecorder) Turns() []conversations.Turn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	turns := []conversations.Turn{}
	if err := copier.CopyWithOption(&turns, r.turns, copier.Option{DeepCopy: true}); err != nil {
		logger.Error("failed to copy transcript", "error", err)
		turns = make([]conversations.Turn, 0, len(r.turns))
		for _, turn := range r.turns {
			turns = append(turns, copyTurn(turn))
		}
	}
	return turns
}

// Export renders the log as one `[HH:MM:SS] ROLE: text` line per turn.
func (r *TranscriptRecorder) Export() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, turn := range r.turns {
		b.WriteString(turn.TranscriptLine())
		b.WriteByte('\n')
	}
	return b.String()
}

func (r *TranscriptRecorder) ToSessionSummary(id string) conversations.SessionSummary {
	turns := r.Turns()

	lastUpdated := r.now()
	if n := len(turns); n > 0 {
		lastUpdated = turns[n-1].CreatedAt
	}

	return conversations.SessionSummary{
		ID:          id,
		Title:       conversations.Title(turns),
		Turns:       turns,
		LastUpdated: lastUpdated,
	}
}

func copyTurn(turn conversations.Turn) conversations.Turn {
	turn.Links = append([]string(nil), turn.Links...)
	return turn
}
