// Package contacts parses and bulk-imports subscriber emails into the
// broadcast audience.
package contacts

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/newsletter-agent/internal/sender"
	"github.com/newsletter-agent/pkg/logger"
)

var (
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	splitRe = regexp.MustCompile(`[,;\s]+`)
)

// ImportResult is the outcome of a bulk import.
type ImportResult struct {
	Imported     int
	Duplicates   int
	Failures     int
	FailedEmails []string
}

// Importer validates subscriber emails and registers them one by one,
// capturing per-contact failures instead of aborting the batch.
type Importer struct {
	creator sender.ContactCreator
	log     *logger.Logger
}

// NewImporter creates a contact importer.
func NewImporter(creator sender.ContactCreator, log *logger.Logger) *Importer {
	return &Importer{creator: creator, log: log.WithComponent("contacts")}
}

// ParseInline extracts emails from free text separated by commas,
// semicolons, or whitespace. Returns valid emails and rejected tokens.
func ParseInline(text string) (valid, invalid []string) {
	for _, token := range splitRe.Split(strings.TrimSpace(text), -1) {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		cleaned := strings.Trim(token, "<>")
		if emailRe.MatchString(cleaned) {
			valid = append(valid, cleaned)
		} else {
			invalid = append(invalid, token)
		}
	}
	return valid, invalid
}

// ParseCSV extracts emails from CSV content with an "email" column,
// matched case-insensitively. Returns valid emails and rejected values.
func ParseCSV(r io.Reader) (valid, invalid []string, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	emailCol := -1
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), "email") {
			emailCol = i
			break
		}
	}
	if emailCol == -1 {
		return nil, nil, fmt.Errorf("CSV must contain an 'email' column, found: %v", header)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read CSV row: %w", err)
		}
		if emailCol >= len(record) {
			continue
		}
		email := strings.ToLower(strings.TrimSpace(record[emailCol]))
		if email == "" {
			continue
		}
		if emailRe.MatchString(email) {
			valid = append(valid, email)
		} else {
			invalid = append(invalid, email)
		}
	}
	return valid, invalid, nil
}

// Import registers each email, classifying already-exists responses as
// duplicates and collecting the rest of the failures.
func (i *Importer) Import(ctx context.Context, emails []string) *ImportResult {
	result := &ImportResult{}
	for _, email := range emails {
		err := i.creator.CreateContact(ctx, email)
		if err == nil {
			result.Imported++
			continue
		}
		errText := strings.ToLower(err.Error())
		if strings.Contains(errText, "already") && strings.Contains(errText, "exist") {
			result.Duplicates++
			continue
		}
		result.Failures++
		result.FailedEmails = append(result.FailedEmails, email)
		i.log.Warn().Str("email", email).Err(err).Msg("Failed to import contact")
	}
	return result
}
