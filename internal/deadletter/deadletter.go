package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Record is a persisted snapshot of an unrecoverable failure's inputs and
// outputs, written for offline diagnosis and manual replay.
type Record struct {
	ID              string                 `json:"id"`
	RunID           string                 `json:"run_id,omitempty"`
	Stage           string                 `json:"stage"`
	Error           string                 `json:"error"`
	Attempts        int                    `json:"attempts,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	LastModelOutput string                 `json:"last_model_output,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Writer persists dead-letter records under a failure directory.
type Writer struct {
	dir string
}

// NewWriter creates a dead-letter writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Save writes the record as pretty-printed JSON and returns its path.
func (w *Writer) Save(rec Record) (string, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create failure dir: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	name := fmt.Sprintf("failure_%s_%s_%s.json",
		sanitize(rec.RunID), sanitize(rec.Stage),
		rec.CreatedAt.Format("20060102T150405Z"))
	path := filepath.Join(w.dir, name)

	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return "", fmt.Errorf("failed to write dead letter: %w", err)
	}
	return path, nil
}

func sanitize(s string) string {
	if s == "" {
		return "none"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
