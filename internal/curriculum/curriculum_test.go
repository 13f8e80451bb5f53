package curriculum

import (
	"testing"

	"github.com/skkmth-sudo/ai-tanken/internal/nickname"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"week1", "week1", true},
		{"Week1", "week1", true},
		{" week3 ", "week3", true},
		{"WEEK10", "week10", true},
		{"week0", "", false},
		{"week11", "", false},
		{"week", "", false},
		{"", "", false},
		{"1", "", false},
	}

	for _, tt := range tests {
		got, ok := Normalize(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestGetFallsBackToDefault(t *testing.T) {
	t.Parallel()

	w := Get("weekXYZ")
	if w.ID != DefaultWeekID {
		t.Errorf("Expected fallback to %q, got %q", DefaultWeekID, w.ID)
	}
}

func TestAllWeeksConfigured(t *testing.T) {
	t.Parallel()

	ids := IDs()
	if len(ids) != 10 {
		t.Fatalf("Expected 10 weeks, got %d", len(ids))
	}
	for _, id := range ids {
		w := Get(id)
		if w.Title == "" || w.OpeningMessage == "" || w.SystemPrompt == "" {
			t.Errorf("Week %q is missing configuration", id)
		}
	}
}

func TestWeek1OpeningAsksForNickname(t *testing.T) {
	t.Parallel()

	// The first week's opening is the trigger for nickname inference on
	// the child's next turn.
	w := Get("week1")
	if !nickname.IsPrompt(w.OpeningMessage) {
		t.Errorf("Expected the week1 opening to be a nickname prompt: %q", w.OpeningMessage)
	}
}
