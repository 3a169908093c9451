// Package app wires all Vittle subsystems into a running service.
//
// The App struct owns the full lifecycle: New constructs every subsystem
// from config, Run serves until the context is cancelled, and Shutdown
// releases everything in reverse construction order.
//
// For testing, inject doubles via functional options (WithParser,
// WithWriter, etc.). When an option is not provided, New builds the real
// implementation from the config and the provider registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vittlelabs/vittle/internal/capture"
	"github.com/vittlelabs/vittle/internal/config"
	"github.com/vittlelabs/vittle/internal/fooddb"
	"github.com/vittlelabs/vittle/internal/foodlog"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/foodparse/llmparse"
	"github.com/vittlelabs/vittle/internal/health"
	"github.com/vittlelabs/vittle/internal/mcpserver"
	"github.com/vittlelabs/vittle/internal/notify"
	"github.com/vittlelabs/vittle/internal/nutrition"
	"github.com/vittlelabs/vittle/internal/observe"
	"github.com/vittlelabs/vittle/internal/server"
	"github.com/vittlelabs/vittle/pkg/provider/stt"
)

const (
	// version is the service version reported in telemetry.
	version = "1.0.0"

	// defaultModelDir is where transcription models are cached when
	// capture.model_dir is not set.
	defaultModelDir = "models"

	// defaultSampleRate mirrors the capture engine's native rate.
	defaultSampleRate = 16000

	// drainTimeout bounds the HTTP drain that runs when Run's context is
	// cancelled.
	drainTimeout = 15 * time.Second
)

// App owns all subsystem lifetimes: the parse failover chain, the food
// catalog, the capture model manager, the notifier, and the two client
// surfaces (HTTP API and MCP tools).
type App struct {
	cfg *config.Config
	reg *config.Registry

	parser   foodparse.Parser
	cascade  *foodparse.Cascade // nil when the parser was injected or unavailable
	catalog  *fooddb.Store
	notifier notify.Notifier
	writer   foodlog.PersistenceWriter
	manager  *capture.ModelManager
	lexicon  *hotLexicon

	api   *server.Server
	tools *mcpserver.Server // nil unless mcp.enabled

	// llmConfigured is false when parsing degrades to synthesized
	// estimates; readiness reports the missing backend.
	llmConfigured bool

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithParser injects a parse backend instead of building the LLM failover
// chain from config.
func WithParser(p foodparse.Parser) Option {
	return func(a *App) { a.parser = p }
}

// WithWriter sets the persistence writer confirmed meals are handed to.
// Without one, confirmed meals are notified but not stored.
func WithWriter(w foodlog.PersistenceWriter) Option {
	return func(a *App) { a.writer = w }
}

// WithNotifier injects a notifier instead of building one from config.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithCatalog injects a food catalog instead of connecting from config.
func WithCatalog(s *fooddb.Store) Option {
	return func(a *App) { a.catalog = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry maps
// provider names from the config onto constructors; main.go registers the
// built-in providers before calling New. Use Option functions to inject
// test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Transcription models ──────────────────────────────────────────
	if err := a.initCaptureModels(); err != nil {
		return nil, fmt.Errorf("app: init capture models: %w", err)
	}

	// ── 3. Parse chain ───────────────────────────────────────────────────
	if err := a.initParser(); err != nil {
		return nil, fmt.Errorf("app: init parser: %w", err)
	}

	// ── 4. Food catalog ──────────────────────────────────────────────────
	if err := a.initCatalog(ctx); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 5. Notifications ─────────────────────────────────────────────────
	if err := a.initNotifier(); err != nil {
		return nil, fmt.Errorf("app: init notifier: %w", err)
	}

	// ── 6. Lexicon ───────────────────────────────────────────────────────
	a.lexicon = newHotLexicon(cfg.Lexicon)
	if len(cfg.Lexicon) > 0 {
		slog.Info("food lexicon loaded", "terms", len(cfg.Lexicon))
	}

	// ── 7. MCP tool server ───────────────────────────────────────────────
	a.initTools()

	// ── 8. API server ────────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObservability installs the OpenTelemetry providers. Runs first so
// every later subsystem binds its instruments to the real meter.
func (a *App) initObservability(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vittle",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		return shutdown(context.Background())
	})
	return nil
}

// initCaptureModels sets up the model manager for managed local
// transcription. Cloud STT and direct file paths skip it.
func (a *App) initCaptureModels() error {
	sttCfg := a.cfg.Providers.STT
	if sttCfg.Name == "whisper" && a.cfg.Capture.Model == "" && sttCfg.Model == "" {
		return errors.New("whisper needs capture.model (managed download) or providers.stt.model (existing file path)")
	}
	if !a.localModel() {
		return nil
	}

	dir := a.cfg.Capture.ModelDir
	if dir == "" {
		dir = defaultModelDir
	}
	var opts []capture.ModelOption
	if a.cfg.Capture.ModelBaseURL != "" {
		opts = append(opts, capture.WithModelBaseURL(a.cfg.Capture.ModelBaseURL))
	}
	a.manager = capture.NewModelManager(dir, opts...)
	return nil
}

// localModel reports whether transcription runs on a managed local model.
func (a *App) localModel() bool {
	return a.cfg.Providers.STT.Name == "whisper" && a.cfg.Capture.Model != ""
}

// initParser builds the parse failover chain from the configured LLM
// entries. With none configured the app still runs: every parse fails with
// ErrParserUnavailable and sessions under the synthesize policy degrade to
// estimated items.
func (a *App) initParser() error {
	if a.parser != nil {
		a.llmConfigured = true
		return nil // injected
	}

	entries := a.cfg.Providers.LLM
	if len(entries) == 0 {
		slog.Warn("no LLM provider configured; parsing degrades to synthesized estimates")
		a.parser = foodparse.Unavailable{}
		return nil
	}

	primary, err := a.buildLLMParser(entries[0])
	if err != nil {
		return fmt.Errorf("build parse backend %q: %w", entries[0].Name, err)
	}
	cascade := foodparse.NewCascade(primary, entries[0].Name, foodparse.Config{
		Timeout: a.cfg.Parse.Timeout,
	})
	for _, entry := range entries[1:] {
		p, err := a.buildLLMParser(entry)
		if err != nil {
			return fmt.Errorf("build parse backend %q: %w", entry.Name, err)
		}
		cascade.AddFallback(entry.Name, p)
		slog.Info("registered parse fallback", "provider", entry.Name)
	}

	a.cascade = cascade
	a.parser = cascade
	a.llmConfigured = true
	return nil
}

func (a *App) buildLLMParser(entry config.ProviderEntry) (foodparse.Parser, error) {
	provider, err := a.reg.CreateLLM(entry)
	if err != nil {
		return nil, err
	}
	var opts []llmparse.Option
	if t, ok := optFloat(entry.Options, "temperature"); ok {
		opts = append(opts, llmparse.WithTemperature(t))
	}
	if n, ok := optInt(entry.Options, "max_tokens"); ok {
		opts = append(opts, llmparse.WithMaxTokens(n))
	}
	return llmparse.New(provider, opts...), nil
}

// initCatalog connects the food catalog when a DSN is configured. The
// catalog is optional; without it search degrades to empty results.
func (a *App) initCatalog(ctx context.Context) error {
	if a.catalog != nil {
		return nil // injected
	}
	dsn := a.cfg.Catalog.PostgresDSN
	if dsn == "" {
		return nil
	}

	opts := []fooddb.Option{fooddb.WithDimensions(a.cfg.Catalog.EmbeddingDimensions)}
	if name := a.cfg.Providers.Embeddings.Name; name != "" {
		embedder, err := a.reg.CreateEmbeddings(a.cfg.Providers.Embeddings)
		if err != nil {
			return fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		opts = append(opts, fooddb.WithEmbeddings(embedder))
	}

	store, err := fooddb.New(ctx, dsn, opts...)
	if err != nil {
		return err
	}
	a.catalog = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("food catalog connected", "embeddings", a.cfg.Providers.Embeddings.Name != "")
	return nil
}

// initNotifier builds the Discord notifier when configured, otherwise the
// no-op one.
func (a *App) initNotifier() error {
	if a.notifier != nil {
		return nil // injected
	}
	if d := a.cfg.Notify.Discord; d != nil {
		n, err := notify.NewDiscord(d.BotToken, d.ChannelID)
		if err != nil {
			return err
		}
		a.notifier = n
		slog.Info("discord meal notifications enabled", "channel", d.ChannelID)
		return nil
	}
	a.notifier = notify.Nop{}
	return nil
}

// initTools builds the MCP tool server when enabled.
func (a *App) initTools() {
	if !a.cfg.MCP.Enabled {
		return
	}
	opts := []mcpserver.Option{
		mcpserver.WithPipeline(a.lexicon),
		mcpserver.WithNotifier(a.notifier),
		mcpserver.WithDefaultMeal(a.cfg.Parse.DefaultMeal),
		mcpserver.WithSearchLimit(a.cfg.Catalog.SearchLimit),
	}
	if a.writer != nil {
		opts = append(opts, mcpserver.WithWriter(a.writer))
	}
	if a.catalog != nil {
		opts = append(opts, mcpserver.WithCatalog(a.catalog))
	}
	if a.cfg.Parse.StrictValidation {
		opts = append(opts, mcpserver.WithStrictValidation())
	}
	a.tools = mcpserver.New(a.parser, opts...)
	slog.Info("mcp tool server enabled", "transport", a.mcpTransport())
}

// initServer assembles the HTTP front around the shared collaborators.
func (a *App) initServer() {
	opts := []server.Option{
		server.WithPipeline(a.lexicon),
		server.WithNotifier(a.notifier),
		server.WithDefaultMeal(a.cfg.Parse.DefaultMeal),
		server.WithFailurePolicy(failurePolicy(a.cfg.Parse.FailurePolicy)),
		server.WithSearchLimit(a.cfg.Catalog.SearchLimit),
		server.WithHealth(a.buildHealth()),
	}
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		opts = append(opts, server.WithAddr(addr))
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		opts = append(opts, server.WithTLS(tls.CertFile, tls.KeyFile))
	}
	if a.writer != nil {
		opts = append(opts, server.WithWriter(a.writer))
	}
	if a.catalog != nil {
		opts = append(opts, server.WithCatalog(a.catalog))
	}
	if a.cfg.Parse.StrictValidation {
		opts = append(opts, server.WithStrictValidation())
	}
	if factory := a.engineFactory(); factory != nil {
		opts = append(opts,
			server.WithEngineFactory(factory),
			server.WithCaptureSampleRate(a.captureRate()),
		)
	}
	if a.tools != nil && a.mcpTransport() == config.MCPStreamableHTTP {
		opts = append(opts, server.WithMCPHandler(a.tools.Handler()))
	}
	a.api = server.New(a.parser, opts...)
}

// buildHealth assembles the readiness checks. The parser check receives nil
// when no backend is configured so readiness reports the degraded AI path;
// the other checks pass for absent optional collaborators.
func (a *App) buildHealth() *health.Handler {
	var parser foodparse.Parser
	if a.llmConfigured {
		parser = a.parser
	}
	return health.New(
		health.ParserChecker(parser),
		health.BreakerChecker(a.cascade),
		health.CatalogChecker(a.catalog),
		health.ModelChecker(a.manager, a.cfg.Capture.Model),
	)
}

// engineFactory builds the per-connection capture engine constructor, or
// nil when no STT provider is configured and the capture socket should
// report itself unavailable.
func (a *App) engineFactory() server.EngineFactory {
	sttCfg := a.cfg.Providers.STT
	if sttCfg.Name == "" {
		return nil
	}

	// A managed local model reaches the provider constructor as a resolved
	// file path through the entry's model slot.
	providers := func(modelPath string) (stt.Provider, error) {
		entry := sttCfg
		if modelPath != "" {
			entry.Model = modelPath
		}
		return a.reg.CreateSTT(entry)
	}

	return func(source capture.AudioSource) (*capture.Engine, error) {
		opts := []capture.Option{capture.WithStreamConfig(a.streamConfig())}
		if a.localModel() {
			opts = append(opts, capture.WithModel(a.cfg.Capture.Model, a.manager))
		}
		return capture.New(source, providers, opts...), nil
	}
}

// streamConfig resolves the per-session STT stream settings, including the
// current lexicon keyword hints.
func (a *App) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate: a.captureRate(),
		Channels:   1,
		Language:   a.cfg.Capture.Language,
		Keywords:   a.lexicon.Keywords(),
	}
}

func (a *App) captureRate() int {
	if a.cfg.Capture.SampleRate > 0 {
		return a.cfg.Capture.SampleRate
	}
	return defaultSampleRate
}

// mcpTransport resolves the configured MCP transport, defaulting to stdio.
func (a *App) mcpTransport() config.MCPTransport {
	if a.cfg.MCP.Transport == "" {
		return config.MCPStdio
	}
	return a.cfg.MCP.Transport
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves until ctx is cancelled or a subsystem fails, then drains the
// HTTP server. With MCP over stdio the tool server runs alongside the API,
// and its client disconnecting ends Run.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.api.Start)
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return a.api.Shutdown(drainCtx)
	})

	if a.tools != nil && a.mcpTransport() == config.MCPStdio {
		g.Go(func() error {
			err := a.tools.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	slog.Info("vittle running",
		"capture", a.cfg.Providers.STT.Name != "",
		"parsing", a.llmConfigured,
		"catalog", a.catalog != nil,
		"mcp", a.tools != nil)

	return g.Wait()
}

// Handler exposes the API server's root handler, middleware included, for
// tests and embedding.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfigChange applies the hot-reloadable parts of a config diff to
// the running subsystems: the food lexicon and the parse-stage defaults.
// Everything else requires a restart. Safe to call from the config watcher
// goroutine.
func (a *App) ApplyConfigChange(d config.ConfigDiff) {
	if d.LexiconChanged {
		a.lexicon.swap(d.NewLexicon)
		slog.Info("food lexicon reloaded", "terms", len(d.NewLexicon))
	}
	if d.ParseChanged {
		if a.cascade != nil {
			a.cascade.SetTimeout(d.NewParse.Timeout)
		}
		meal := defaultMeal(d.NewParse.DefaultMeal)
		a.api.UpdateParseDefaults(meal, d.NewParse.StrictValidation, failurePolicy(d.NewParse.FailurePolicy))
		if a.tools != nil {
			a.tools.UpdateParseDefaults(meal, d.NewParse.StrictValidation)
		}
		slog.Info("parse defaults reloaded",
			"timeout", d.NewParse.Timeout,
			"strict", d.NewParse.StrictValidation,
			"policy", d.NewParse.FailurePolicy,
			"meal", meal)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases every subsystem in reverse construction order. It
// respects the context deadline: if ctx expires before all closers finish,
// the remaining ones are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// failurePolicy maps the config policy onto the session policy. Empty means
// surface the error.
func failurePolicy(p config.FailurePolicy) foodlog.FailurePolicy {
	if p == config.FailureSynthesize {
		return foodlog.SynthesizeFallback
	}
	return foodlog.SurfaceError
}

// defaultMeal resolves an empty configured meal to the built-in default.
func defaultMeal(m nutrition.MealType) nutrition.MealType {
	if m == "" {
		return nutrition.MealSnack
	}
	return m
}

// optFloat reads a numeric provider option. YAML decodes whole numbers as
// int, so both forms are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// optInt reads an integer provider option.
func optInt(opts map[string]any, key string) (int, bool) {
	if v, ok := opts[key].(int); ok {
		return v, true
	}
	return 0, false
}
