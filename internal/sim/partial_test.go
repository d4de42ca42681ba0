package sim

import (
	"encoding/json"
	"testing"
)

func TestCompletePartialJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "already complete",
			input: `{"summary":["good"]}`,
			want:  `{"summary":["good"]}`,
		},
		{
			name:  "unclosed object",
			input: `{"overallScore": 12`,
			want:  `{"overallScore": 12}`,
		},
		{
			name:  "unclosed string value",
			input: `{"title": "Communica`,
			want:  `{"title": "Communica"}`,
		},
		{
			name:  "unclosed nested array",
			input: `{"sections": [{"title": "Intro", "tasks": [`,
			want:  `{"sections": [{"title": "Intro", "tasks": []}]}`,
		},
		{
			name:  "trailing comma dropped",
			input: `{"summary": ["a",`,
			want:  `{"summary": ["a"]}`,
		},
		{
			name:  "dangling colon gets null",
			input: `{"overallScore":`,
			want:  `{"overallScore":null}`,
		},
		{
			name:  "cut inside key",
			input: `{"overallScore": 12, "totalPossi`,
			want:  `{"overallScore": 12, "totalPossi":null}`,
		},
		{
			name:  "dangling escape dropped",
			input: `{"summary": ["said \"hi\`,
			want:  `{"summary": ["said \"hi"]}`,
		},
		{
			name:  "array prefix",
			input: `[1, 2,`,
			want:  `[1, 2]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CompletePartialJSON(tt.input)
			if !ok {
				t.Fatalf("CompletePartialJSON(%q) not ok", tt.input)
			}
			if !json.Valid(got) {
				t.Fatalf("result %q is not valid JSON", got)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompletePartialJSONRejectsNonJSON(t *testing.T) {
	for _, input := range []string{"", "   ", "plain text", `"just a string"`} {
		if _, ok := CompletePartialJSON(input); ok {
			t.Errorf("CompletePartialJSON(%q) ok, want rejection", input)
		}
	}
}

func TestCompletePartialJSONGrowingPrefix(t *testing.T) {
	final := `{"sections":[{"title":"Taking the history","tasks":[{"title":"Asks onset","score":2}]}],"overallScore":2}`

	// Every prefix that starts like a document must repair to valid JSON.
	for i := 1; i <= len(final); i++ {
		got, ok := CompletePartialJSON(final[:i])
		if !ok {
			t.Fatalf("prefix of length %d not repairable: %q", i, final[:i])
		}
		if !json.Valid(got) {
			t.Fatalf("prefix of length %d repaired to invalid JSON: %q", i, got)
		}
	}
}
