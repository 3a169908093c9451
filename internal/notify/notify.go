// Package notify announces confirmed meals to optional external sinks.
//
// Announcements are best-effort: the orchestrator logs a failed notification
// and moves on, so an implementation must never be able to block a meal from
// being persisted.
package notify

import (
	"context"

	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/nutrition"
)

// Notifier announces a meal after it has been confirmed.
type Notifier interface {
	// MealLogged reports that user confirmed items for meal.
	MealLogged(ctx context.Context, user foodparse.UserRef, meal nutrition.MealType, items []nutrition.ParsedFoodItem) error
}

// Nop is a Notifier that discards every announcement. It stands in when no
// notification sink is configured.
type Nop struct{}

var _ Notifier = Nop{}

// MealLogged implements Notifier and does nothing.
func (Nop) MealLogged(context.Context, foodparse.UserRef, nutrition.MealType, []nutrition.ParsedFoodItem) error {
	return nil
}
