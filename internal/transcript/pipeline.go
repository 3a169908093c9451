// Package transcript cleans raw speech-to-text output before it reaches the
// food parser.
//
// Dictation of meal descriptions produces a predictable class of errors:
// quantity words misheard as homophones ("to eggs", "won cup"), units split
// into two words ("table spoon"), and food vocabulary mangled beyond what a
// language model reliably recovers ("keen wah" for "quinoa"). The package
// applies two stages in a fixed order:
//
//  1. [Normalize]: a fixed table of case-insensitive phrase substitutions
//     for quantity words and units. Always runs. Pure and idempotent.
//
//  2. [PhoneticMatcher]: optional alignment of misheard words against a
//     configured food lexicon using pronunciation similarity. Skipped when
//     no lexicon is configured.
//
// Each [Correction] records which stage produced the substitution and its
// confidence, so callers can audit or display the changes.
//
// Implementations of both interfaces must be safe for concurrent use.
package transcript

import "github.com/vittlelabs/vittle/pkg/types"

// Correction captures a single substitution made by the pipeline.
type Correction struct {
	// Original is the phrase as produced by the STT provider.
	Original string

	// Corrected is the replacement selected by the pipeline.
	Corrected string

	// Confidence is the pipeline's confidence in this substitution (0.0–1.0).
	// Table substitutions are always 1.0; phonetic matches carry their
	// similarity score.
	Confidence float64

	// Method describes which stage produced this substitution.
	// Well-known values:
	//   "table"    — fixed substitution table.
	//   "phonetic" — produced by a [PhoneticMatcher].
	Method string
}

// CorrectedTranscript is the output of a [Pipeline.Correct] call.
// It pairs the original [types.Transcript] with the fully corrected text and
// an itemised record of every substitution that was applied.
type CorrectedTranscript struct {
	// Original is the raw [types.Transcript] as received from the STT provider.
	Original types.Transcript

	// Corrected is the corrected transcript text with all substitutions
	// applied, trimmed of surrounding whitespace. Suitable for the parser.
	Corrected string

	// Corrections is the ordered list of substitutions applied to produce
	// Corrected. An empty (non-nil) slice means no corrections were needed.
	Corrections []Correction
}

// Pipeline applies staged corrections to a raw [types.Transcript].
//
// Implementations must be safe for concurrent use.
type Pipeline interface {
	// Correct processes transcript and returns a [CorrectedTranscript]
	// containing the corrected text and an itemised record of every
	// substitution made.
	//
	// Returns a non-nil *CorrectedTranscript. When no corrections are
	// needed, Corrected equals the trimmed transcript text and Corrections
	// is an empty (non-nil) slice.
	Correct(transcript types.Transcript) *CorrectedTranscript
}

// PhoneticMatcher resolves a word or short phrase to a known lexicon term
// based on pronunciation similarity. It is the second stage of the
// correction pipeline and must be fast enough for per-utterance use with no
// network calls.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match attempts to find the term from lexicon that is most phonetically
	// similar to word.
	//
	// Return values:
	//   corrected  — the best-matching term from lexicon.
	//   confidence — similarity score in [0.0, 1.0] where 1.0 is a perfect match.
	//   matched    — true when a sufficiently similar term was found.
	//
	// When matched is false, corrected must equal word unchanged and
	// confidence must be 0. Implementations define their own similarity
	// threshold for deciding when a match is "sufficient".
	Match(word string, lexicon []string) (corrected string, confidence float64, matched bool)
}
