package transcript

import (
	"strings"

	"github.com/vittlelabs/vittle/pkg/types"
)

// PipelineOption is a functional option for configuring a [CorrectionPipeline].
type PipelineOption func(*CorrectionPipeline)

// WithPhoneticMatcher attaches a [PhoneticMatcher] as the lexicon correction
// stage. When nil (the default), the phonetic stage is skipped entirely.
func WithPhoneticMatcher(m PhoneticMatcher) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.phonetic = m
	}
}

// WithLexicon sets the food vocabulary the phonetic stage corrects against.
// Terms may be multi-word ("Greek yogurt", "cottage cheese"). An empty
// lexicon disables the phonetic stage even when a matcher is attached.
func WithLexicon(terms []string) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.lexicon = terms
	}
}

// CorrectionPipeline is the staged transcript correction implementation of
// [Pipeline]. The fixed substitution table always runs first; the phonetic
// lexicon stage runs only when both a matcher and a lexicon are configured.
//
// CorrectionPipeline is safe for concurrent use.
type CorrectionPipeline struct {
	phonetic PhoneticMatcher
	lexicon  []string
}

var _ Pipeline = (*CorrectionPipeline)(nil)

// NewPipeline constructs a [CorrectionPipeline] with the supplied options.
// With no options the pipeline applies only the substitution table.
func NewPipeline(opts ...PipelineOption) *CorrectionPipeline {
	p := &CorrectionPipeline{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Correct applies the configured stages to transcript and returns a
// [CorrectedTranscript].
//
// Pipeline flow:
//  1. The transcript text is trimmed and run through the substitution table.
//  2. When a [PhoneticMatcher] and lexicon are configured, the text is
//     tokenised and n-gram windows (up to the longest lexicon term's word
//     count) are tested against the lexicon, longest window first, so
//     multi-word terms take precedence over partial single-word matches.
//  3. Table and phonetic corrections are merged into the final result in
//     application order.
func (p *CorrectionPipeline) Correct(t types.Transcript) *CorrectedTranscript {
	result := &CorrectedTranscript{
		Original:    t,
		Corrections: []Correction{},
	}

	workingText, tableCorrections := applyTable(t.Text)
	result.Corrections = append(result.Corrections, tableCorrections...)

	if p.phonetic != nil && len(p.lexicon) > 0 && workingText != "" {
		correctedText, phoneticCorrections := p.applyPhonetic(workingText)
		workingText = correctedText
		result.Corrections = append(result.Corrections, phoneticCorrections...)
	}

	result.Corrected = workingText
	return result
}

// applyPhonetic runs the lexicon matching stage over the corrected text.
// It returns the corrected text and the list of corrections applied.
//
// At each token position, n-gram windows are tried from the widest down to a
// single token; the first (longest) match is accepted and the cursor
// advances past the consumed tokens.
func (p *CorrectionPipeline) applyPhonetic(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	maxTermWords := maxWordCount(p.lexicon)

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := maxTermWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := p.phonetic.Match(window, p.lexicon)
			if !ok {
				continue
			}

			output = append(output, strings.Fields(term)...)
			if window != term {
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  term,
					Confidence: conf,
					Method:     "phonetic",
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any lexicon term. Returns 1 when terms is empty.
func maxWordCount(terms []string) int {
	max := 1
	for _, t := range terms {
		if n := len(strings.Fields(t)); n > max {
			max = n
		}
	}
	return max
}
