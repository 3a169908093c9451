package nutrition

import "strings"

// FallbackConfidence marks an item synthesized from a calorie estimate table
// rather than parsed by a model. Downstream consumers use it to render the
// item as an estimate the user should review.
const FallbackConfidence = 0.3

// fallbackCalories maps a meal type to a rough calorie estimate for a single
// unidentified item logged during that meal.
var fallbackCalories = map[MealType]float64{
	MealBreakfast:   250,
	MealLunch:       400,
	MealDinner:      500,
	MealSnack:       150,
	MealPreWorkout:  200,
	MealPostWorkout: 300,
}

// Macro split applied to the calorie estimate, using 4 kcal/g for protein and
// carbohydrates and 9 kcal/g for fat.
const (
	fallbackProteinShare = 0.15
	fallbackCarbShare    = 0.50
	fallbackFatShare     = 0.35

	kcalPerGramProtein = 4
	kcalPerGramCarb    = 4
	kcalPerGramFat     = 9
)

// Synthesize builds a single placeholder item from the user's original words
// when parsing or validation produced nothing usable. The item's name is the
// first word of the input longer than two characters, or "Unknown Food" when
// no such word exists; its nutrition is a fixed estimate for the meal type.
// Synthesize never fails, so callers always have something to log.
func Synthesize(originalText string, meal MealType) ParsedFoodItem {
	calories, ok := fallbackCalories[meal]
	if !ok {
		calories = fallbackCalories[MealSnack]
	}
	return ParsedFoodItem{
		Name:         fallbackName(originalText),
		Quantity:     1,
		Unit:         "serving",
		Calories:     int(calories),
		ProteinGrams: calories * fallbackProteinShare / kcalPerGramProtein,
		CarbGrams:    calories * fallbackCarbShare / kcalPerGramCarb,
		FatGrams:     calories * fallbackFatShare / kcalPerGramFat,
		Confidence:   FallbackConfidence,
	}
}

// fallbackName picks the first word longer than two characters so throwaway
// lead-ins like "a", "an" or "my" never become the item name.
func fallbackName(text string) string {
	for _, word := range strings.Fields(text) {
		if len(word) > 2 {
			return word
		}
	}
	return "Unknown Food"
}
