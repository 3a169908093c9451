// Package foodparse turns cleaned meal descriptions into structured,
// nutrition-annotated food items.
//
// The package defines the Parser contract and the failure taxonomy shared by
// its implementations: llmparse (a single LLM backend) and Cascade (ordered
// failover across several backends, each behind its own circuit breaker).
package foodparse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vittlelabs/vittle/internal/nutrition"
)

var (
	// ErrNoFoodDetected means the description was understood but contained
	// nothing to log (e.g., "I drank water"). It is a valid outcome, not a
	// technical failure, and callers should present it as a validation
	// message rather than an error.
	ErrNoFoodDetected = errors.New("no food detected")

	// ErrAnalysisTimeout means the parse deadline elapsed before any backend
	// produced a result. In-flight work is cancelled via context.
	ErrAnalysisTimeout = errors.New("food analysis timed out")

	// ErrParserUnavailable means no parse backend is configured at all.
	ErrParserUnavailable = errors.New("no parse backend configured")
)

// ProviderError wraps a failure from one named parse backend. The Cascade
// joins one ProviderError per failed backend into its final error, so callers
// can recover individual failures with errors.As.
type ProviderError struct {
	// Provider is the configured backend name (e.g., "openai").
	Provider string

	// Err is the underlying failure.
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// UserRef identifies the user a parse runs on behalf of. The parser forwards
// it to collaborators and logs; it never influences the extraction itself.
type UserRef struct {
	// ID is an opaque user identifier.
	ID string
}

// Parser extracts food items from a natural-language meal description.
type Parser interface {
	// Parse analyses text in the context of the given meal type and returns
	// the recognised food items.
	//
	// Empty (or whitespace-only) text short-circuits: no collaborator call
	// is made and Parse returns zero items with a nil error. A successful
	// analysis that finds no food yields ErrNoFoodDetected.
	Parse(ctx context.Context, text string, meal nutrition.MealType, user UserRef) ([]nutrition.ParsedFoodItem, error)
}

// Unavailable is the Parser for deployments with no LLM backend configured.
// Every non-empty parse fails with [ErrParserUnavailable]; entry points that
// synthesize estimates on hard failures keep producing items, the rest
// surface the error.
type Unavailable struct{}

var _ Parser = Unavailable{}

// Parse implements Parser.
func (Unavailable) Parse(_ context.Context, text string, _ nutrition.MealType, _ UserRef) ([]nutrition.ParsedFoodItem, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return nil, ErrParserUnavailable
}
