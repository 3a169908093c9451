// Package mock provides a test double for the foodparse.Parser interface.
//
// Use Parser in unit tests to verify what the orchestrator or cascade sends
// to a parse backend and to feed controlled results without a live model.
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/nutrition"
)

// ParseCall records a single invocation of Parse.
type ParseCall struct {
	// Ctx is the context passed to Parse.
	Ctx context.Context
	// Text is the meal description passed to Parse.
	Text string
	// Meal is the meal type passed to Parse.
	Meal nutrition.MealType
	// User is the user reference passed to Parse.
	User foodparse.UserRef
}

// Parser is a mock implementation of foodparse.Parser.
// Zero values cause Parse to return nil items and a nil error.
type Parser struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ParseItems is returned by Parse.
	ParseItems []nutrition.ParsedFoodItem

	// ParseErr, if non-nil, is returned as the error from Parse.
	ParseErr error

	// ParseDelay makes Parse block for the given duration before returning.
	// If the context is cancelled while waiting, Parse returns ctx.Err()
	// instead. Use this to simulate a slow backend when testing deadlines.
	ParseDelay time.Duration

	// --- Call records (read after test) ---

	// ParseCalls records every invocation of Parse in order.
	ParseCalls []ParseCall
}

// Parse records the call and returns ParseItems, ParseErr after any
// configured delay.
func (p *Parser) Parse(ctx context.Context, text string, meal nutrition.MealType, user foodparse.UserRef) ([]nutrition.ParsedFoodItem, error) {
	p.mu.Lock()
	p.ParseCalls = append(p.ParseCalls, ParseCall{Ctx: ctx, Text: text, Meal: meal, User: user})
	items := p.ParseItems
	err := p.ParseErr
	delay := p.ParseDelay
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return items, err
}

// Calls returns the number of recorded Parse invocations. Thread-safe.
func (p *Parser) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ParseCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ParseCalls = nil
}

// Ensure Parser implements foodparse.Parser at compile time.
var _ foodparse.Parser = (*Parser)(nil)
