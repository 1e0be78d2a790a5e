package dialogue

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrReplyTooLarge is returned for replies that exceed the size the client
// is willing to buffer.
var ErrReplyTooLarge = errors.New("dialogue reply too large")

// Error is a non-2xx answer from the dialogue backend.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dialogue backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("dialogue backend returned %d: %s", e.StatusCode, e.Message)
}
