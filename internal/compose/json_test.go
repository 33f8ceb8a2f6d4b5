package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantKey string
		wantVal string
		wantErr bool
	}{
		{
			name:    "direct object",
			raw:     `{"subject_line": "Hello"}`,
			wantKey: "subject_line",
			wantVal: "Hello",
		},
		{
			name:    "json code fence",
			raw:     "Here you go:\n```json\n{\"subject_line\": \"Fenced\"}\n```\nDone.",
			wantKey: "subject_line",
			wantVal: "Fenced",
		},
		{
			name:    "bare code fence",
			raw:     "```\n{\"subject_line\": \"Bare\"}\n```",
			wantKey: "subject_line",
			wantVal: "Bare",
		},
		{
			name:    "embedded in prose",
			raw:     `Sure! The plan is {"subject_line": "Scanned"} as requested.`,
			wantKey: "subject_line",
			wantVal: "Scanned",
		},
		{
			name:    "braces inside string literals",
			raw:     `Result: {"subject_line": "curly {notation} inside"}`,
			wantKey: "subject_line",
			wantVal: "curly {notation} inside",
		},
		{
			name:    "no json at all",
			raw:     "I could not produce a plan this time.",
			wantErr: true,
		},
		{
			name:    "empty response",
			raw:     "   ",
			wantErr: true,
		},
		{
			name:    "unbalanced braces",
			raw:     `{"subject_line": "broken`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := ExtractJSONObject(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVal, payload[tt.wantKey])
		})
	}
}

func TestExtractJSONObjectSkipsInvalidBalancedBlock(t *testing.T) {
	raw := `{not: valid} but later {"ok": "yes"}`
	payload, err := ExtractJSONObject(raw)
	require.NoError(t, err)
	assert.Equal(t, "yes", payload["ok"])
}
