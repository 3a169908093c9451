// Package nutrition defines the structured food data model of the logging
// pipeline: parsed food items, meal types, plausibility validation, and
// fallback synthesis for failed or empty extractions.
//
// Items are transient. They are created per parse, search, or selection
// event, held in an orchestrator's pending list, and handed to the
// persistence collaborator on confirm or dropped on discard.
package nutrition

import "strings"

// ParsedFoodItem is a single recognized food with estimated nutrition.
//
// Confidence reflects provenance: 1.0 for user-selected catalog items
// (DatabaseID set), the AI-reported value (typically 0.5–0.98) for parsed
// items, and exactly FallbackConfidence for synthesized placeholders.
type ParsedFoodItem struct {
	// Name is the food's display name.
	Name string `json:"name"`

	// Brand is the product brand, empty when not applicable.
	Brand string `json:"brand,omitempty"`

	// Quantity is the amount in Unit terms. Always > 0.
	Quantity float64 `json:"quantity"`

	// Unit describes the quantity (e.g., "cup", "oz", "serving").
	Unit string `json:"unit"`

	// Calories is the estimated energy content in kcal.
	Calories int `json:"calories"`

	// Macronutrients in grams.
	ProteinGrams float64 `json:"protein_g"`
	CarbGrams    float64 `json:"carbs_g"`
	FatGrams     float64 `json:"fat_g"`

	// Optional micronutrient detail; nil when the source did not report it.
	FiberGrams       *float64 `json:"fiber_g,omitempty"`
	SugarGrams       *float64 `json:"sugar_g,omitempty"`
	SodiumMilligrams *float64 `json:"sodium_mg,omitempty"`

	// DatabaseID references a catalog record when the item came from a food
	// database search or selection. Empty for AI-only guesses.
	DatabaseID string `json:"database_id,omitempty"`

	// Confidence is in [0, 1]; see the type comment for provenance semantics.
	Confidence float64 `json:"confidence"`
}

// MealType is the meal context a logging session runs under. It drives
// fallback default-calorie selection and is passed to the AI parser so it can
// bias portion estimates (e.g., favor larger portions for dinner).
type MealType string

const (
	MealBreakfast   MealType = "breakfast"
	MealLunch       MealType = "lunch"
	MealDinner      MealType = "dinner"
	MealSnack       MealType = "snack"
	MealPreWorkout  MealType = "pre_workout"
	MealPostWorkout MealType = "post_workout"
)

// AllMealTypes lists every recognised meal type in canonical order.
func AllMealTypes() []MealType {
	return []MealType{
		MealBreakfast, MealLunch, MealDinner,
		MealSnack, MealPreWorkout, MealPostWorkout,
	}
}

// IsValid reports whether m is a recognised meal type.
func (m MealType) IsValid() bool {
	switch m {
	case MealBreakfast, MealLunch, MealDinner, MealSnack, MealPreWorkout, MealPostWorkout:
		return true
	}
	return false
}

// ParseMealType normalises a user- or client-supplied meal type string into a
// MealType. It accepts canonical snake_case values as well as the camelCase
// spellings mobile clients send ("preWorkout", "postWorkout"). Returns
// (zero, false) for unrecognised input.
func ParseMealType(s string) (MealType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "breakfast":
		return MealBreakfast, true
	case "lunch":
		return MealLunch, true
	case "dinner":
		return MealDinner, true
	case "snack":
		return MealSnack, true
	case "pre_workout", "preworkout", "pre-workout":
		return MealPreWorkout, true
	case "post_workout", "postworkout", "post-workout":
		return MealPostWorkout, true
	}
	return "", false
}
