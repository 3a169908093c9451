package health

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vittlelabs/vittle/internal/capture"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/foodparse/mock"
	"github.com/vittlelabs/vittle/internal/resilience"
)

func TestCatalogChecker_NilStorePasses(t *testing.T) {
	c := CatalogChecker(nil)
	if c.Name != "catalog" {
		t.Errorf("name = %q, want %q", c.Name, "catalog")
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("nil store should pass, got: %v", err)
	}
}

func TestModelChecker_NilManagerPasses(t *testing.T) {
	c := ModelChecker(nil, "base.en")
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("nil manager should pass, got: %v", err)
	}
}

func TestModelChecker_EmptyModelPasses(t *testing.T) {
	manager := capture.NewModelManager(t.TempDir())
	c := ModelChecker(manager, "")
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("empty model name should pass, got: %v", err)
	}
}

func TestModelChecker_MissingModelFails(t *testing.T) {
	manager := capture.NewModelManager(t.TempDir())
	c := ModelChecker(manager, "base.en")
	err := c.Check(context.Background())
	if err == nil {
		t.Fatal("missing model file should fail")
	}
	if !strings.Contains(err.Error(), "base.en") {
		t.Errorf("error should name the model, got: %v", err)
	}
}

func TestModelChecker_PresentModelPasses(t *testing.T) {
	dir := t.TempDir()
	manager := capture.NewModelManager(dir)
	if err := os.WriteFile(manager.Path("base.en"), []byte("ggml"), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}

	c := ModelChecker(manager, "base.en")
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("present model should pass, got: %v", err)
	}
}

func TestParserChecker_NilFails(t *testing.T) {
	c := ParserChecker(nil)
	if err := c.Check(context.Background()); err == nil {
		t.Error("nil parser should fail")
	}
}

func TestParserChecker_ConfiguredPasses(t *testing.T) {
	c := ParserChecker(&mock.Parser{})
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("configured parser should pass, got: %v", err)
	}
}

func TestBreakerChecker_NilCascadePasses(t *testing.T) {
	c := BreakerChecker(nil)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("nil cascade should pass, got: %v", err)
	}
}

func TestBreakerChecker_ClosedBreakersPass(t *testing.T) {
	cascade := foodparse.NewCascade(&mock.Parser{}, "primary", foodparse.Config{})
	c := BreakerChecker(cascade)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("closed breakers should pass, got: %v", err)
	}
}

func TestBreakerChecker_AllOpenFails(t *testing.T) {
	failing := &mock.Parser{ParseErr: errors.New("backend down")}
	cascade := foodparse.NewCascade(failing, "primary", foodparse.Config{
		Timeout: time.Second,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Minute,
		},
	})

	// One failed parse trips the only breaker in the chain.
	_, err := cascade.Parse(context.Background(), "two eggs", "breakfast", foodparse.UserRef{ID: "u1"})
	if err == nil {
		t.Fatal("expected parse failure to trip the breaker")
	}

	c := BreakerChecker(cascade)
	checkErr := c.Check(context.Background())
	if checkErr == nil {
		t.Fatal("all-open breakers should fail the check")
	}
	if !strings.Contains(checkErr.Error(), "primary") {
		t.Errorf("error should name the tripped backend, got: %v", checkErr)
	}
}
