package contacts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsletter-agent/pkg/logger"
)

type fakeCreator struct {
	errs  map[string]error
	calls []string
}

func (f *fakeCreator) CreateContact(_ context.Context, email string) error {
	f.calls = append(f.calls, email)
	return f.errs[email]
}

func TestParseInline(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantValid   []string
		wantInvalid []string
	}{
		{
			name:      "comma separated",
			input:     "a@example.com, b@example.com",
			wantValid: []string{"a@example.com", "b@example.com"},
		},
		{
			name:      "mixed separators and case",
			input:     "A@Example.com; b@example.com\nc@example.com",
			wantValid: []string{"a@example.com", "b@example.com", "c@example.com"},
		},
		{
			name:      "angle brackets stripped",
			input:     "<a@example.com>",
			wantValid: []string{"a@example.com"},
		},
		{
			name:        "invalid tokens reported",
			input:       "a@example.com not-an-email b@",
			wantValid:   []string{"a@example.com"},
			wantInvalid: []string{"not-an-email", "b@"},
		},
		{
			name:  "empty input",
			input: "   ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, invalid := ParseInline(tt.input)
			assert.Equal(t, tt.wantValid, valid)
			assert.Equal(t, tt.wantInvalid, invalid)
		})
	}
}

func TestParseCSV(t *testing.T) {
	csv := "name,Email,company\nAda,a@example.com,Acme\nBob,B@Example.com,\nEve,not-an-email,Evil\nNoEmailRow\n,,\n"
	valid, invalid, err := ParseCSV(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, valid)
	assert.Equal(t, []string{"not-an-email"}, invalid)
}

func TestParseCSVMissingEmailColumn(t *testing.T) {
	_, _, err := ParseCSV(strings.NewReader("name,phone\nAda,555\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestImportClassifiesOutcomes(t *testing.T) {
	creator := &fakeCreator{errs: map[string]error{
		"dup@example.com":  errors.New("contact already exists in audience"),
		"fail@example.com": errors.New("rate limit exceeded"),
	}}
	log := logger.New(logger.Config{Level: "error"})

	result := NewImporter(creator, log).Import(context.Background(),
		[]string{"a@example.com", "dup@example.com", "fail@example.com", "b@example.com"})

	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 1, result.Failures)
	assert.Equal(t, []string{"fail@example.com"}, result.FailedEmails)
	// Per-contact failures never abort the batch.
	assert.Len(t, creator.calls, 4)
}
