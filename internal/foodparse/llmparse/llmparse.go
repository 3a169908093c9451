// Package llmparse implements foodparse.Parser on top of a single LLM
// backend.
//
// The model is instructed to answer with nothing but a JSON array of food
// items. Models routinely wrap the payload in prose or markdown fences
// anyway, so the response is scanned for the outermost array before
// decoding.
package llmparse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/nutrition"
	"github.com/vittlelabs/vittle/pkg/provider/llm"
	"github.com/vittlelabs/vittle/pkg/types"
)

const (
	// defaultTemperature keeps extraction near-deterministic so the same
	// description maps to stable estimates.
	defaultTemperature = 0.1

	// defaultMaxTokens is generous for a meal of a dozen items.
	defaultMaxTokens = 1024
)

const systemPrompt = `You are a nutrition parsing assistant. When given a meal description, extract every distinct food item and estimate its nutrition.

RESPOND ONLY WITH JSON: a single array in this exact format:
[
  {
    "name": "Greek yogurt",
    "brand": "Fage",
    "quantity": 1,
    "unit": "cup",
    "calories": 220,
    "protein_g": 20,
    "carbs_g": 9,
    "fat_g": 11,
    "fiber_g": 0,
    "sugar_g": 9,
    "sodium_mg": 85,
    "confidence": 0.9
  }
]

Rules:
- One object per distinct food item.
- "brand", "fiber_g", "sugar_g" and "sodium_mg" are optional; omit them when unknown.
- "confidence" is a number between 0 and 1: higher for specific foods with known nutrition (e.g. "4 eggs"), lower for vague descriptions (e.g. "some snacks").
- Scale every estimate to the stated quantity and unit.
- If the description contains nothing edible, respond with [].

Be practical and realistic. ONLY output the JSON array, no other text.`

// Option configures a Parser.
type Option func(*Parser)

// WithTemperature overrides the sampling temperature sent to the model.
func WithTemperature(t float64) Option {
	return func(p *Parser) { p.temperature = t }
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(n int) Option {
	return func(p *Parser) { p.maxTokens = n }
}

// Parser extracts food items from meal descriptions using one llm.Provider.
type Parser struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

// Compile-time interface assertion.
var _ foodparse.Parser = (*Parser)(nil)

// New creates a Parser backed by the given LLM provider.
func New(provider llm.Provider, opts ...Option) *Parser {
	p := &Parser{
		provider:    provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse implements foodparse.Parser.
func (p *Parser) Parse(ctx context.Context, text string, meal nutrition.MealType, user foodparse.UserRef) ([]nutrition.ParsedFoodItem, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: userMessage(text, meal)},
		},
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("llmparse: completion: %w", err)
	}

	payload, err := extractJSONArray(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("llmparse: %w", err)
	}
	var wire []foodItemJSON
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, fmt.Errorf("llmparse: decode items: %w", err)
	}

	items := make([]nutrition.ParsedFoodItem, 0, len(wire))
	for _, w := range wire {
		items = append(items, w.item())
	}

	slog.Debug("parsed meal description",
		"user", user.ID,
		"meal", meal,
		"items", len(items),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return items, nil
}

// userMessage assembles the user-role prompt: a meal-type context line that
// biases portion estimates, followed by the description itself.
func userMessage(text string, meal nutrition.MealType) string {
	hint := mealHint(meal)
	if hint == "" {
		return "Parse this food: " + text
	}
	return fmt.Sprintf("Meal type: %s (%s).\nParse this food: %s", meal, hint, text)
}

// mealHint returns the portion-bias phrase for a meal type, or "" for an
// unrecognised one.
func mealHint(meal nutrition.MealType) string {
	switch meal {
	case nutrition.MealBreakfast:
		return "typical breakfast portions"
	case nutrition.MealLunch:
		return "typical lunch portions"
	case nutrition.MealDinner:
		return "dinner portions tend to run larger"
	case nutrition.MealSnack:
		return "snack portions tend to run small"
	case nutrition.MealPreWorkout:
		return "light pre-workout portions"
	case nutrition.MealPostWorkout:
		return "protein-forward recovery portions"
	}
	return ""
}

// foodItemJSON is the wire shape the model is asked to produce.
type foodItemJSON struct {
	Name       string   `json:"name"`
	Brand      string   `json:"brand"`
	Quantity   float64  `json:"quantity"`
	Unit       string   `json:"unit"`
	Calories   float64  `json:"calories"`
	ProteinG   float64  `json:"protein_g"`
	CarbsG     float64  `json:"carbs_g"`
	FatG       float64  `json:"fat_g"`
	FiberG     *float64 `json:"fiber_g"`
	SugarG     *float64 `json:"sugar_g"`
	SodiumMg   *float64 `json:"sodium_mg"`
	Confidence float64  `json:"confidence"`
}

// item maps the wire shape into the domain type: confidence is clamped into
// [0, 1] and non-positive quantities are normalised to 1.
func (w foodItemJSON) item() nutrition.ParsedFoodItem {
	quantity := w.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	return nutrition.ParsedFoodItem{
		Name:             strings.TrimSpace(w.Name),
		Brand:            strings.TrimSpace(w.Brand),
		Quantity:         quantity,
		Unit:             w.Unit,
		Calories:         int(math.Round(w.Calories)),
		ProteinGrams:     w.ProteinG,
		CarbGrams:        w.CarbsG,
		FatGrams:         w.FatG,
		FiberGrams:       w.FiberG,
		SugarGrams:       w.SugarG,
		SodiumMilligrams: w.SodiumMg,
		Confidence:       min(1, max(0, w.Confidence)),
	}
}

// extractJSONArray returns the outermost JSON array in s, located by
// depth-counted bracket matching. Brackets inside JSON strings are ignored.
func extractJSONArray(s string) (string, error) {
	start := strings.IndexByte(s, '[')
	if start == -1 {
		return "", errors.New("no JSON array in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errors.New("unterminated JSON array in response")
}
