// Package mcpserver exposes the meal-logging pipeline as Model Context
// Protocol tools using the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk), so AI assistants can parse food
// descriptions, log meals, and search the food catalog.
//
// Three tools are served:
//
//   - parse_food_description analyzes text and returns structured items
//     without logging anything.
//   - log_meal parses and persists in one step. A failed parse degrades to
//     a single estimated item rather than an error, so the assistant always
//     has something to present to the user.
//   - search_foods queries the verified food catalog when one is configured.
//
// Typical usage:
//
//	srv := mcpserver.New(parser,
//	    mcpserver.WithWriter(store),
//	    mcpserver.WithCatalog(catalog),
//	)
//
//	// Local assistant processes speak stdio.
//	err := srv.Run(ctx)
//
//	// Remote assistants get the endpoint mounted on the API server.
//	mux.Handle("/mcp", srv.Handler())
package mcpserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vittlelabs/vittle/internal/fooddb"
	"github.com/vittlelabs/vittle/internal/foodlog"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/notify"
	"github.com/vittlelabs/vittle/internal/nutrition"
	"github.com/vittlelabs/vittle/internal/observe"
	"github.com/vittlelabs/vittle/internal/transcript"
)

const (
	serverName    = "vittle"
	serverVersion = "1.0.0"
)

// Option configures a [Server].
type Option func(*Server)

// WithUser sets the user meals are attributed to. Defaults to "assistant".
func WithUser(user foodparse.UserRef) Option {
	return func(s *Server) { s.user = user }
}

// WithPipeline replaces the default transcript correction pipeline.
func WithPipeline(p transcript.Pipeline) Option {
	return func(s *Server) { s.pipeline = p }
}

// WithWriter sets the persistence writer log_meal hands confirmed items to.
// Without one, logged meals are acknowledged but not stored.
func WithWriter(w foodlog.PersistenceWriter) Option {
	return func(s *Server) { s.writer = w }
}

// WithNotifier sets the notifier informed of logged meals.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithCatalog attaches the food catalog backing search_foods.
func WithCatalog(store *fooddb.Store) Option {
	return func(s *Server) { s.catalog = store }
}

// WithSearchLimit sets the default search_foods result cap.
func WithSearchLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.searchLimit = n
		}
	}
}

// WithDefaultMeal sets the meal type used when a tool call names none.
func WithDefaultMeal(meal nutrition.MealType) Option {
	return func(s *Server) {
		if meal.IsValid() {
			s.defaultMeal = meal
		}
	}
}

// WithStrictValidation enables plausibility screening of parsed items.
func WithStrictValidation() Option {
	return func(s *Server) { s.strict = true }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Server hosts the MCP tool surface over stdio or streamable HTTP.
// Construct with [New]; the zero value is not usable.
type Server struct {
	parser      foodparse.Parser
	user        foodparse.UserRef
	pipeline    transcript.Pipeline
	writer      foodlog.PersistenceWriter
	notifier    notify.Notifier
	catalog     *fooddb.Store
	searchLimit int
	metrics     *observe.Metrics

	// Tool-call defaults, replaceable at runtime through
	// [Server.UpdateParseDefaults].
	parseMu     sync.RWMutex
	defaultMeal nutrition.MealType
	strict      bool

	mcp *mcp.Server
}

// New creates a tool server backed by parser. Without options the server
// attributes meals to the "assistant" user, snacks are the default meal
// type, and search_foods answers with empty results.
func New(parser foodparse.Parser, opts ...Option) *Server {
	s := &Server{
		parser:      parser,
		user:        foodparse.UserRef{ID: "assistant"},
		pipeline:    transcript.NewPipeline(),
		notifier:    notify.Nop{},
		searchLimit: fooddb.DefaultSearchLimit,
		defaultMeal: nutrition.MealSnack,
		metrics:     observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	s.registerTools()
	return s
}

// Run serves the tools over stdin/stdout until ctx is cancelled or the
// client disconnects. This is the transport for assistants that launch the
// server as a local subprocess.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns the streamable-HTTP handler for mounting on an HTTP mux,
// typically next to the JSON API.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

// UpdateParseDefaults swaps the default meal type and validation mode
// applied to subsequent tool calls. Invalid meal values leave the current
// default in place.
func (s *Server) UpdateParseDefaults(meal nutrition.MealType, strict bool) {
	s.parseMu.Lock()
	defer s.parseMu.Unlock()
	if meal.IsValid() {
		s.defaultMeal = meal
	}
	s.strict = strict
}

func (s *Server) parseDefaults() (meal nutrition.MealType, strict bool) {
	s.parseMu.RLock()
	defer s.parseMu.RUnlock()
	return s.defaultMeal, s.strict
}

// newOrchestrator builds a single-call session with the given meal type and
// failure policy.
func (s *Server) newOrchestrator(meal nutrition.MealType, policy foodlog.FailurePolicy) *foodlog.Orchestrator {
	_, strict := s.parseDefaults()
	opts := []foodlog.Option{
		foodlog.WithPipeline(s.pipeline),
		foodlog.WithNotifier(s.notifier),
		foodlog.WithMealType(meal),
		foodlog.WithFailurePolicy(policy),
	}
	if s.writer != nil {
		opts = append(opts, foodlog.WithWriter(s.writer))
	}
	if strict {
		opts = append(opts, foodlog.WithStrictValidation())
	}
	return foodlog.New(s.parser, s.user, opts...)
}
