package nutrition

// Plausibility bounds for a single logged item. Values at or beyond a bound
// indicate the AI hallucinated or misplaced a decimal point; such items are
// dropped rather than clamped so the user never sees fabricated numbers.
const (
	// MaxCalories is the exclusive upper bound for a single item's calories.
	// The lower bound is exclusive too: a zero-calorie "food" is noise.
	MaxCalories = 5000

	// MaxProteinGrams is the exclusive upper bound for protein grams.
	MaxProteinGrams = 300

	// MaxCarbGrams is the exclusive upper bound for carbohydrate grams.
	MaxCarbGrams = 1000

	// MaxFatGrams is the exclusive upper bound for fat grams.
	MaxFatGrams = 500
)

// Valid reports whether a single item's nutrition values fall within
// plausibility bounds: calories in (0, 5000), protein in [0, 300), carbs in
// [0, 1000), fat in [0, 500).
func Valid(item ParsedFoodItem) bool {
	if item.Calories <= 0 || item.Calories >= MaxCalories {
		return false
	}
	if item.ProteinGrams < 0 || item.ProteinGrams >= MaxProteinGrams {
		return false
	}
	if item.CarbGrams < 0 || item.CarbGrams >= MaxCarbGrams {
		return false
	}
	if item.FatGrams < 0 || item.FatGrams >= MaxFatGrams {
		return false
	}
	return true
}

// Validate filters items down to those passing plausibility bounds. Items
// failing any bound are dropped entirely, never clamped; passing items are
// returned unchanged. A nil or empty result means the caller has no usable
// data and must take the fallback path rather than report an empty success.
func Validate(items []ParsedFoodItem) []ParsedFoodItem {
	if len(items) == 0 {
		return nil
	}
	kept := make([]ParsedFoodItem, 0, len(items))
	for _, item := range items {
		if Valid(item) {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
