// Package server exposes the meal-logging pipeline over HTTP: a JSON API
// for typed entry and catalog search, a WebSocket transport for voice
// capture, and the operational endpoints (health, metrics).
//
// The server owns no session state of its own. Every request and every
// capture connection assembles a fresh [foodlog.Orchestrator] around the
// shared parser, so two clients can never interleave parse attempts.
// Collaborators are injected through options and all of them are optional:
// without an engine factory the capture socket reports itself unavailable,
// without a catalog the search endpoint returns empty results, and the
// typed-entry path works with nothing but a parser.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vittlelabs/vittle/internal/capture"
	"github.com/vittlelabs/vittle/internal/fooddb"
	"github.com/vittlelabs/vittle/internal/foodlog"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/health"
	"github.com/vittlelabs/vittle/internal/notify"
	"github.com/vittlelabs/vittle/internal/nutrition"
	"github.com/vittlelabs/vittle/internal/observe"
	"github.com/vittlelabs/vittle/internal/transcript"
)

const (
	defaultAddr = ":8080"

	// defaultCaptureRate is the sample rate capture audio is normalized to
	// before it reaches the transcription provider.
	defaultCaptureRate = 16000
)

// EngineFactory builds one capture engine per WebSocket connection. The
// returned engine must consume frames from source; the transport relays
// client audio into it.
type EngineFactory func(source capture.AudioSource) (*capture.Engine, error)

// Option configures a [Server].
type Option func(*Server)

// WithAddr sets the listen address. Default ":8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithTLS makes Start serve HTTPS with the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithUser sets the user reference attached to every session. Default is
// the local single-user reference.
func WithUser(user foodparse.UserRef) Option {
	return func(s *Server) { s.user = user }
}

// WithPipeline replaces the default transcript correction pipeline shared
// by all sessions.
func WithPipeline(p transcript.Pipeline) Option {
	return func(s *Server) { s.pipeline = p }
}

// WithWriter attaches the persistence writer sessions consult on confirm.
func WithWriter(w foodlog.PersistenceWriter) Option {
	return func(s *Server) { s.writer = w }
}

// WithNotifier replaces the default no-op meal notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithCatalog attaches the food catalog backing the search endpoint.
func WithCatalog(store *fooddb.Store) Option {
	return func(s *Server) { s.catalog = store }
}

// WithSearchLimit caps the result count of catalog searches that do not
// request their own limit.
func WithSearchLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.searchLimit = n
		}
	}
}

// WithDefaultMeal sets the meal type sessions start under. Invalid values
// are ignored.
func WithDefaultMeal(meal nutrition.MealType) Option {
	return func(s *Server) {
		if meal.IsValid() {
			s.defaultMeal = meal
		}
	}
}

// WithStrictValidation enables plausibility screening of parser output in
// every session.
func WithStrictValidation() Option {
	return func(s *Server) { s.strict = true }
}

// WithFailurePolicy sets how sessions respond to a hard parse failure.
// Default is [foodlog.SurfaceError].
func WithFailurePolicy(p foodlog.FailurePolicy) Option {
	return func(s *Server) { s.policy = p }
}

// WithEngineFactory enables the voice capture socket.
func WithEngineFactory(f EngineFactory) Option {
	return func(s *Server) { s.engines = f }
}

// WithCaptureSampleRate sets the rate capture audio is normalized to before
// transcription. Default 16000. Must match the stream configuration of the
// engines the factory builds.
func WithCaptureSampleRate(rate int) Option {
	return func(s *Server) {
		if rate > 0 {
			s.captureRate = rate
		}
	}
}

// WithHealth registers the liveness and readiness endpoints.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMCPHandler mounts an MCP streamable HTTP endpoint at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) { s.mcpHandler = h }
}

// WithMetrics replaces the process-wide default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the HTTP front of the pipeline. Construct with [New]; the zero
// value is not usable.
type Server struct {
	addr     string
	certFile string
	keyFile  string

	parser      foodparse.Parser
	user        foodparse.UserRef
	pipeline    transcript.Pipeline
	writer      foodlog.PersistenceWriter
	notifier    notify.Notifier
	catalog     *fooddb.Store
	searchLimit int
	engines     EngineFactory
	captureRate int
	health      *health.Handler
	metrics     *observe.Metrics
	mcpHandler  http.Handler

	// Session defaults, replaceable at runtime through
	// [Server.UpdateParseDefaults]. Read once per session build.
	parseMu     sync.RWMutex
	defaultMeal nutrition.MealType
	strict      bool
	policy      foodlog.FailurePolicy

	handler http.Handler
	httpSrv *http.Server
}

// New assembles a server around parser. Routes and middleware are fixed at
// construction; see the package comment for how missing collaborators
// degrade.
func New(parser foodparse.Parser, opts ...Option) *Server {
	s := &Server{
		addr:        defaultAddr,
		parser:      parser,
		user:        foodparse.UserRef{ID: "local"},
		pipeline:    transcript.NewPipeline(),
		notifier:    notify.Nop{},
		searchLimit: fooddb.DefaultSearchLimit,
		defaultMeal: nutrition.MealSnack,
		captureRate: defaultCaptureRate,
		metrics:     observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/parse", s.handleParse)
	mux.HandleFunc("GET /api/v1/foods/search", s.handleSearch)
	mux.HandleFunc("GET /api/v1/capture", s.handleCapture)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.mcpHandler != nil {
		mux.Handle("/mcp", s.mcpHandler)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	s.handler = observe.Middleware(s.metrics)(mux)

	// Only the header read gets a server-side timeout. Read and write
	// timeouts would sever long-lived capture sockets and slow model
	// downloads mid-flight.
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the assembled root handler, middleware included. Useful
// for tests and for mounting the API under an outer mux.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and blocks until Shutdown. With a
// TLS certificate configured it serves HTTPS. Returns nil after a clean
// Shutdown.
func (s *Server) Start() error {
	slog.Info("api server listening",
		"addr", s.addr,
		"tls", s.certFile != "",
		"capture", s.engines != nil,
		"catalog", s.catalog != nil)

	var err error
	if s.certFile != "" {
		err = s.httpSrv.ListenAndServeTLS(s.certFile, s.keyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// UpdateParseDefaults swaps the defaults new sessions start under. Sessions
// already running keep the defaults they were built with. Invalid meal
// values leave the current default in place.
func (s *Server) UpdateParseDefaults(meal nutrition.MealType, strict bool, policy foodlog.FailurePolicy) {
	s.parseMu.Lock()
	defer s.parseMu.Unlock()
	if meal.IsValid() {
		s.defaultMeal = meal
	}
	s.strict = strict
	s.policy = policy
}

func (s *Server) parseDefaults() (meal nutrition.MealType, strict bool, policy foodlog.FailurePolicy) {
	s.parseMu.RLock()
	defer s.parseMu.RUnlock()
	return s.defaultMeal, s.strict, s.policy
}

// newOrchestrator assembles a fresh single-session orchestrator around the
// shared parser. extra options layer on top of the server-wide defaults.
func (s *Server) newOrchestrator(extra ...foodlog.Option) *foodlog.Orchestrator {
	meal, strict, policy := s.parseDefaults()
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
	opts = append(opts, extra...)
	return foodlog.New(s.parser, s.user, opts...)
}
