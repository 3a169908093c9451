package transcript_test

import (
	"testing"

	"github.com/vittlelabs/vittle/internal/transcript"
	"github.com/vittlelabs/vittle/internal/transcript/phonetic"
	"github.com/vittlelabs/vittle/pkg/types"
)

// stubMatcher replaces a single fixed word, recording every window it is
// asked to check.
type stubMatcher struct {
	from    string
	to      string
	windows []string
}

func (s *stubMatcher) Match(word string, lexicon []string) (string, float64, bool) {
	s.windows = append(s.windows, word)
	if word == s.from {
		return s.to, 0.9, true
	}
	return word, 0, false
}

func TestPipeline_TableOnly(t *testing.T) {
	t.Parallel()

	p := transcript.NewPipeline()
	got := p.Correct(types.Transcript{Text: "won cup of greek yogurt"})

	if got.Corrected != "one cup of Greek yogurt" {
		t.Errorf("Correct: got %q, want %q", got.Corrected, "one cup of Greek yogurt")
	}
	if len(got.Corrections) != 2 {
		t.Fatalf("Correct: got %d corrections, want 2", len(got.Corrections))
	}
	for _, c := range got.Corrections {
		if c.Method != "table" {
			t.Errorf("Correct: method=%q, want %q", c.Method, "table")
		}
		if c.Confidence != 1.0 {
			t.Errorf("Correct: confidence=%v, want 1.0", c.Confidence)
		}
	}
}

func TestPipeline_NoCorrectionsNeeded(t *testing.T) {
	t.Parallel()

	p := transcript.NewPipeline()
	got := p.Correct(types.Transcript{Text: "  two eggs and toast  "})

	if got.Corrected != "two eggs and toast" {
		t.Errorf("Correct: got %q, want trimmed original", got.Corrected)
	}
	if got.Corrections == nil {
		t.Error("Correct: corrections slice is nil, want empty non-nil")
	}
	if len(got.Corrections) != 0 {
		t.Errorf("Correct: got %d corrections, want 0", len(got.Corrections))
	}
}

func TestPipeline_PhoneticStage(t *testing.T) {
	t.Parallel()

	m := &stubMatcher{from: "grannola", to: "granola"}
	p := transcript.NewPipeline(
		transcript.WithPhoneticMatcher(m),
		transcript.WithLexicon([]string{"granola"}),
	)

	got := p.Correct(types.Transcript{Text: "a bowl of grannola"})
	if got.Corrected != "a bowl of granola" {
		t.Errorf("Correct: got %q, want %q", got.Corrected, "a bowl of granola")
	}
	if len(got.Corrections) != 1 {
		t.Fatalf("Correct: got %d corrections, want 1", len(got.Corrections))
	}
	c := got.Corrections[0]
	if c.Method != "phonetic" || c.Original != "grannola" || c.Corrected != "granola" {
		t.Errorf("Correct: correction=%+v, want phonetic grannola->granola", c)
	}
}

func TestPipeline_StagesCompose(t *testing.T) {
	t.Parallel()

	// The table runs first ("greek" -> "Greek"), then the phonetic stage
	// sees the already-corrected text.
	real := phonetic.New()
	p := transcript.NewPipeline(
		transcript.WithPhoneticMatcher(real),
		transcript.WithLexicon([]string{"Greek yogurt"}),
	)

	got := p.Correct(types.Transcript{Text: "greek yogert with honey"})
	if got.Corrected != "Greek yogurt with honey" {
		t.Errorf("Correct: got %q, want %q", got.Corrected, "Greek yogurt with honey")
	}

	methods := make(map[string]bool)
	for _, c := range got.Corrections {
		methods[c.Method] = true
	}
	if !methods["table"] {
		t.Error("Correct: no table correction recorded")
	}
	if !methods["phonetic"] {
		t.Error("Correct: no phonetic correction recorded")
	}
}

func TestPipeline_PhoneticSkippedWithoutLexicon(t *testing.T) {
	t.Parallel()

	m := &stubMatcher{from: "grannola", to: "granola"}
	p := transcript.NewPipeline(transcript.WithPhoneticMatcher(m))

	got := p.Correct(types.Transcript{Text: "grannola"})
	if got.Corrected != "grannola" {
		t.Errorf("Correct: got %q, want unchanged without lexicon", got.Corrected)
	}
	if len(m.windows) != 0 {
		t.Errorf("Correct: matcher invoked %d times, want 0", len(m.windows))
	}
}

func TestPipeline_EmptyTranscript(t *testing.T) {
	t.Parallel()

	m := &stubMatcher{}
	p := transcript.NewPipeline(
		transcript.WithPhoneticMatcher(m),
		transcript.WithLexicon([]string{"granola"}),
	)

	got := p.Correct(types.Transcript{Text: "   "})
	if got.Corrected != "" {
		t.Errorf("Correct(whitespace): got %q, want empty", got.Corrected)
	}
	if len(m.windows) != 0 {
		t.Errorf("Correct(whitespace): matcher invoked %d times, want 0", len(m.windows))
	}
}

func TestPipeline_PreservesOriginal(t *testing.T) {
	t.Parallel()

	in := types.Transcript{Text: "won cup oats", Confidence: 0.8, IsFinal: true}
	got := transcript.NewPipeline().Correct(in)

	if got.Original.Text != "won cup oats" {
		t.Errorf("Correct: original text mutated to %q", got.Original.Text)
	}
	if got.Original.Confidence != 0.8 || !got.Original.IsFinal {
		t.Error("Correct: original transcript metadata not preserved")
	}
}
