package config_test

import (
	"testing"
	"time"

	"github.com/vittlelabs/vittle/internal/config"
	"github.com/vittlelabs/vittle/internal/nutrition"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Lexicon: []string{"quinoa", "kefir"},
		Parse:   config.ParseConfig{Timeout: 10 * time.Second},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.LexiconChanged {
		t.Error("expected LexiconChanged=false for identical configs")
	}
	if d.ParseChanged {
		t.Error("expected ParseChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_LexiconChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Lexicon: []string{"quinoa"}}
	new := &config.Config{Lexicon: []string{"quinoa", "seitan"}}

	d := config.Diff(old, new)
	if !d.LexiconChanged {
		t.Error("expected LexiconChanged=true")
	}
	if len(d.NewLexicon) != 2 || d.NewLexicon[1] != "seitan" {
		t.Errorf("NewLexicon: got %v", d.NewLexicon)
	}
}

func TestDiff_LexiconOrderMatters(t *testing.T) {
	t.Parallel()
	// Lexicon order feeds STT keyword hints verbatim, so a reorder counts
	// as a change.
	old := &config.Config{Lexicon: []string{"quinoa", "seitan"}}
	new := &config.Config{Lexicon: []string{"seitan", "quinoa"}}

	d := config.Diff(old, new)
	if !d.LexiconChanged {
		t.Error("expected LexiconChanged=true for reordered lexicon")
	}
}

func TestDiff_ParseChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Parse: config.ParseConfig{DefaultMeal: nutrition.MealSnack}}
	new := &config.Config{Parse: config.ParseConfig{DefaultMeal: nutrition.MealLunch, StrictValidation: true}}

	d := config.Diff(old, new)
	if !d.ParseChanged {
		t.Error("expected ParseChanged=true")
	}
	if d.NewParse.DefaultMeal != nutrition.MealLunch {
		t.Errorf("NewParse.DefaultMeal: got %q, want lunch", d.NewParse.DefaultMeal)
	}
	if !d.NewParse.StrictValidation {
		t.Error("NewParse.StrictValidation: got false, want true")
	}
}
