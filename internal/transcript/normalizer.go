package transcript

import (
	"regexp"
	"sort"
	"strings"
)

// substitution pairs a compiled trigger pattern with its replacement text.
type substitution struct {
	trigger string
	pattern *regexp.Regexp
	replace string
}

// substitutions is the fixed correction table for dictated meal descriptions.
// Triggers match case-insensitively on word boundaries and are ordered
// longest trigger first, so a multi-word phrase always wins over any shorter
// phrase that could match inside the same span.
var substitutions = buildSubstitutions(map[string]string{
	"to eggs":     "two eggs",
	"won cup":     "one cup",
	"tree cups":   "three cups",
	"ate ounces":  "eight ounces",
	"table spoon": "tablespoon",
	"tea spoon":   "teaspoon",
	"fluid ounce": "fl oz",
	"pounds":      "lbs",
	"greek":       "Greek",
})

func buildSubstitutions(table map[string]string) []substitution {
	subs := make([]substitution, 0, len(table))
	for trigger, replace := range table {
		subs = append(subs, substitution{
			trigger: trigger,
			pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(trigger) + `\b`),
			replace: replace,
		})
	}
	sort.Slice(subs, func(i, j int) bool {
		if len(subs[i].trigger) != len(subs[j].trigger) {
			return len(subs[i].trigger) > len(subs[j].trigger)
		}
		return subs[i].trigger < subs[j].trigger
	})
	return subs
}

// Normalize cleans a raw transcript for downstream parsing. It trims
// surrounding whitespace (a whitespace-only input becomes the empty string)
// and applies the fixed substitution table. Normalize is pure and
// idempotent: applying it twice yields the same result as applying it once.
func Normalize(raw string) string {
	text, _ := applyTable(raw)
	return text
}

// applyTable trims text and applies every table substitution, recording each
// replaced span as a [Correction] with method "table".
func applyTable(raw string) (string, []Correction) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", nil
	}

	var corrections []Correction
	for _, sub := range substitutions {
		matches := sub.pattern.FindAllString(text, -1)
		if matches == nil {
			continue
		}
		replaced := sub.pattern.ReplaceAllLiteralString(text, sub.replace)
		if replaced == text {
			continue
		}
		text = replaced
		for _, m := range matches {
			if m == sub.replace {
				continue
			}
			corrections = append(corrections, Correction{
				Original:   m,
				Corrected:  sub.replace,
				Confidence: 1.0,
				Method:     "table",
			})
		}
	}
	return text, corrections
}
