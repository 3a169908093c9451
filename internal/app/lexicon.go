package app

import (
	"sync/atomic"

	"github.com/vittlelabs/vittle/internal/transcript"
	"github.com/vittlelabs/vittle/internal/transcript/phonetic"
	"github.com/vittlelabs/vittle/pkg/types"
)

// hotLexicon derives both lexicon consumers, the correction pipeline and
// the STT keyword hints, from one atomically swapped state. A config reload
// replaces the state; running sessions pick the new vocabulary up on their
// next utterance, new capture sessions on their next stream.
type hotLexicon struct {
	state atomic.Pointer[lexiconState]
}

type lexiconState struct {
	pipeline *transcript.CorrectionPipeline
	keywords []types.KeywordBoost
}

var _ transcript.Pipeline = (*hotLexicon)(nil)

func newHotLexicon(terms []string) *hotLexicon {
	h := &hotLexicon{}
	h.swap(terms)
	return h
}

// Correct implements [transcript.Pipeline].
func (h *hotLexicon) Correct(t types.Transcript) *transcript.CorrectedTranscript {
	return h.state.Load().pipeline.Correct(t)
}

// Keywords returns the current STT keyword hints. The returned slice is
// never mutated after a swap; callers may hold it across the swap.
func (h *hotLexicon) Keywords() []types.KeywordBoost {
	return h.state.Load().keywords
}

func (h *hotLexicon) swap(terms []string) {
	h.state.Store(&lexiconState{
		pipeline: transcript.NewPipeline(
			transcript.WithPhoneticMatcher(phonetic.New()),
			transcript.WithLexicon(terms),
		),
		keywords: keywordBoosts(terms),
	})
}

// keywordBoosts converts lexicon terms into STT keyword hints with a
// neutral boost.
func keywordBoosts(terms []string) []types.KeywordBoost {
	if len(terms) == 0 {
		return nil
	}
	boosts := make([]types.KeywordBoost, len(terms))
	for i, term := range terms {
		boosts[i] = types.KeywordBoost{Keyword: term, Boost: 1.0}
	}
	return boosts
}
