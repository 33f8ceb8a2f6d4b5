package brain

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// BackupDatabase refreshes a sibling .bak copy of the run ledger database.
// Returns the backup path, or "" when the database does not exist yet.
func BackupDatabase(dbPath string) (string, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return "", nil
	}
	backupPath := dbPath + ".bak"
	if err := copyFile(dbPath, backupPath); err != nil {
		return "", fmt.Errorf("failed to back up database: %w", err)
	}
	return backupPath, nil
}

// SnapshotBrain copies the brain file into an archive directory next to it,
// named by issue date. Returns the snapshot path, or "" when there is no
// brain file yet.
func (s *Store) SnapshotBrain(issueDate string) (string, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return "", nil
	}
	if issueDate == "" {
		issueDate = time.Now().UTC().Format("2006-01-02")
	}

	archiveDir := filepath.Join(filepath.Dir(s.path), "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}
	snapshotPath := filepath.Join(archiveDir, "published_stories_"+issueDate+".md")
	if err := copyFile(s.path, snapshotPath); err != nil {
		return "", fmt.Errorf("failed to snapshot brain file: %w", err)
	}
	return snapshotPath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
