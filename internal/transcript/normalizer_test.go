package transcript_test

import (
	"strings"
	"testing"

	"github.com/vittlelabs/vittle/internal/transcript"
)

func TestNormalize_Substitutions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"I had to eggs", "I had two eggs"},
		{"won cup of rice", "one cup of rice"},
		{"tree cups of milk", "three cups of milk"},
		{"ate ounces of chicken", "eight ounces of chicken"},
		{"one table spoon of butter", "one tablespoon of butter"},
		{"a tea spoon of sugar", "a teaspoon of sugar"},
		{"an eight fluid ounce glass", "an eight fl oz glass"},
		{"two pounds of beef", "two lbs of beef"},
		{"greek yogurt with honey", "Greek yogurt with honey"},
	}
	for _, tc := range tests {
		if got := transcript.Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_CaseInsensitive(t *testing.T) {
	t.Parallel()

	if got, want := transcript.Normalize("To Eggs and toast"), "two eggs and toast"; got != want {
		t.Errorf("Normalize: got %q, want %q", got, want)
	}
	if got, want := transcript.Normalize("WON CUP oatmeal"), "one cup oatmeal"; got != want {
		t.Errorf("Normalize: got %q, want %q", got, want)
	}
}

func TestNormalize_Composes(t *testing.T) {
	t.Parallel()

	in := "won cup of greek yogurt and to eggs"
	want := "one cup of Greek yogurt and two eggs"
	if got := transcript.Normalize(in); got != want {
		t.Errorf("Normalize(%q): got %q, want %q", in, got, want)
	}
}

func TestNormalize_WordBoundaries(t *testing.T) {
	t.Parallel()

	// Triggers must not fire inside longer words.
	tests := []string{
		"protein compounds",
		"tomato salad",
		"potato wedges",
	}
	for _, in := range tests {
		if got := transcript.Normalize(in); got != in {
			t.Errorf("Normalize(%q): got %q, want unchanged", in, got)
		}
	}
}

func TestNormalize_TrimsWhitespace(t *testing.T) {
	t.Parallel()

	if got := transcript.Normalize("  \n\t  "); got != "" {
		t.Errorf("Normalize(whitespace): got %q, want empty", got)
	}
	if got, want := transcript.Normalize("\n  two eggs\t"), "two eggs"; got != want {
		t.Errorf("Normalize: got %q, want %q", got, want)
	}
	if got := transcript.Normalize(""); got != "" {
		t.Errorf("Normalize(empty): got %q, want empty", got)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"to eggs with tree cups of coffee and a table spoon of sugar",
		"won cup greek yogurt, ate ounces granola, two pounds chicken",
		"a fluid ounce of olive oil and a tea spoon of salt",
		"already clean: two eggs, one cup, Greek yogurt, fl oz, lbs",
	}
	for _, in := range inputs {
		once := transcript.Normalize(in)
		twice := transcript.Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestNormalize_CorrectedPhraseAppears(t *testing.T) {
	t.Parallel()

	pairs := []struct {
		trigger, corrected string
	}{
		{"to eggs", "two eggs"},
		{"won cup", "one cup"},
		{"tree cups", "three cups"},
		{"ate ounces", "eight ounces"},
		{"table spoon", "tablespoon"},
		{"tea spoon", "teaspoon"},
		{"fluid ounce", "fl oz"},
		{"pounds", "lbs"},
		{"greek", "Greek"},
	}
	for _, p := range pairs {
		got := transcript.Normalize("some " + p.trigger + " here")
		if !strings.Contains(got, p.corrected) {
			t.Errorf("Normalize(%q): got %q, want to contain %q", p.trigger, got, p.corrected)
		}
	}
}
