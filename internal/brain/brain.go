// Package brain persists the newsletter's published-story memory as a
// human-editable markdown file. Writers take an exclusive file lock and
// replace the file atomically so a crashed process never leaves a torn file.
package brain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/newsletter-agent/internal/models"
)

const header = "# Published Newsletter Stories\n\n"

// Store reads and appends published-story entries in the brain file.
type Store struct {
	path string
}

// NewStore creates a store for the brain file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the brain file location.
func (s *Store) Path() string {
	return s.path
}

// Ensure creates the brain file with its header if it does not exist yet.
func (s *Store) Ensure() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create brain dir: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return atomicWrite(s.path, header)
}

// AppendPublished appends one dated section with the issue's stories,
// holding the exclusive lock for the whole read-modify-write.
func (s *Store) AppendPublished(issueDate string, stories []models.PublishedStory) error {
	if len(stories) == 0 {
		return nil
	}
	if err := s.Ensure(); err != nil {
		return err
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock brain file: %w", err)
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read brain file: %w", err)
	}
	current := string(raw)
	if strings.TrimSpace(current) == "" {
		current = header
	}

	var block strings.Builder
	block.WriteString("## " + issueDate + "\n")
	for _, story := range stories {
		block.WriteString("- " + story.Title + " | " + story.URL + "\n")
	}
	block.WriteString("\n")

	updated := current
	if !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += block.String()

	return atomicWrite(s.path, updated)
}

// ReadPublished parses every entry in the brain file. A missing file reads
// as empty history.
func (s *Store) ReadPublished() ([]models.PublishedStory, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read brain file: %w", err)
	}

	var entries []models.PublishedStory
	currentDate := ""
	for _, rawLine := range strings.Split(string(raw), "\n") {
		line := strings.TrimSpace(rawLine)
		if strings.HasPrefix(line, "## ") {
			currentDate = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			continue
		}
		if !strings.HasPrefix(line, "- ") || currentDate == "" {
			continue
		}
		payload := strings.TrimPrefix(line, "- ")
		title, url, found := strings.Cut(payload, " | ")
		if !found {
			continue
		}
		entries = append(entries, models.PublishedStory{
			IssueDate: currentDate,
			Title:     strings.TrimSpace(title),
			URL:       strings.TrimSpace(url),
		})
	}
	return entries, nil
}

func atomicWrite(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".brain-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace brain file: %w", err)
	}
	return nil
}
