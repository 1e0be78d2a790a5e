package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/koscakluka/ema-voice/core/conversations"
)

// fileSessionStore keeps one JSON document per finished session.
type fileSessionStore struct {
	dir string
}

func newFileSessionStore(dir string) (*fileSessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &fileSessionStore{dir: dir}, nil
}

func (s *fileSessionStore) SaveSession(ctx context.Context, summary conversations.SessionSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", summary.ID, err)
	}

	path := s.path(summary.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session %s: %w", summary.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to store session %s: %w", summary.ID, err)
	}
	return nil
}

// List returns the stored sessions, most recently updated first.
func (s *fileSessionStore) List() ([]conversations.SessionSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var summaries []conversations.SessionSummary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read session %s: %w", entry.Name(), err)
		}
		var summary conversations.SessionSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			logger.Warn("skipping unreadable session file", "file", entry.Name(), "error", err)
			continue
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastUpdated.After(summaries[j].LastUpdated)
	})
	return summaries, nil
}

func (s *fileSessionStore) path(id string) string {
	return filepath.Join(s.dir, filepath.Base(id)+".json")
}

// exportTranscript writes a plain-text transcript into dir and returns the
// file path.
func exportTranscript(dir, transcript string, now time.Time) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("nothing to export")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	path := filepath.Join(dir, "tutor-transcript-"+now.Format("20060102-150405")+".txt")
	if err := os.WriteFile(path, []byte(transcript), 0o644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}
	return path, nil
}
