package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/vittlelabs/vittle/internal/capture"
	"github.com/vittlelabs/vittle/internal/fooddb"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/resilience"
)

// CatalogChecker probes the food catalog database. The catalog is an
// optional capability, so a nil store passes: the server is ready without
// it, just without database search.
func CatalogChecker(store *fooddb.Store) Checker {
	return Checker{
		Name: "catalog",
		Check: func(ctx context.Context) error {
			if store == nil {
				return nil
			}
			return store.Ping(ctx)
		},
	}
}

// ModelChecker reports whether the named transcription model is present on
// disk. Cloud STT runs without a local model, so both a nil manager and an
// empty model name pass.
func ModelChecker(manager *capture.ModelManager, model string) Checker {
	return Checker{
		Name: "model",
		Check: func(_ context.Context) error {
			if manager == nil || model == "" {
				return nil
			}
			if _, err := os.Stat(manager.Path(model)); err != nil {
				return fmt.Errorf("model %q not downloaded: %w", model, err)
			}
			return nil
		},
	}
}

// ParserChecker fails when no parse backend is configured at all. Voice and
// text logging still degrade to synthesized estimates, but readiness should
// show that the AI path is missing.
func ParserChecker(parser foodparse.Parser) Checker {
	return Checker{
		Name: "parser",
		Check: func(_ context.Context) error {
			if parser == nil {
				return errors.New("no parse backend configured")
			}
			return nil
		},
	}
}

// BreakerChecker surfaces open circuit breakers in the parse failover chain.
// The check fails only when every backend's breaker is open, meaning no
// parse attempt can currently reach a provider; a partial outage still
// passes because the chain can route around it.
func BreakerChecker(cascade *foodparse.Cascade) Checker {
	return Checker{
		Name: "parse_backends",
		Check: func(_ context.Context) error {
			if cascade == nil {
				return nil
			}
			states := cascade.BreakerStates()
			if len(states) == 0 {
				return nil
			}
			var open []string
			for name, state := range states {
				if state == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(open) == len(states) {
				sort.Strings(open)
				return fmt.Errorf("all parse backends tripped: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}
