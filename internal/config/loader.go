package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper", "deepgram"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// LLM failover chain: every entry needs a name, and names must be
	// unique so cascade failures can be attributed unambiguously.
	llmNamesSeen := make(map[string]int, len(cfg.Providers.LLM))
	for i, entry := range cfg.Providers.LLM {
		prefix := fmt.Sprintf("providers.llm[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := llmNamesSeen[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.llm[%d]", prefix, entry.Name, prev))
		}
		llmNamesSeen[entry.Name] = i
		validateProviderName("llm", entry.Name)
	}

	// Parsing availability warnings
	if len(cfg.Providers.LLM) == 0 {
		slog.Warn("no LLM provider configured; food parsing will rely on synthesized estimates")
	}

	// Embeddings ↔ catalog dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Catalog.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but catalog.embedding_dimensions is not set; defaulting to 1536")
	}

	// Catalog availability
	if cfg.Catalog.PostgresDSN == "" {
		slog.Warn("catalog.postgres_dsn is empty; food database search will not be available")
	}
	if cfg.Catalog.SearchLimit < 0 {
		errs = append(errs, fmt.Errorf("catalog.search_limit %d is negative", cfg.Catalog.SearchLimit))
	}

	// Parse stage
	if cfg.Parse.Timeout < 0 {
		errs = append(errs, fmt.Errorf("parse.timeout %s is negative", cfg.Parse.Timeout))
	}
	if cfg.Parse.FailurePolicy != "" && !cfg.Parse.FailurePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("parse.failure_policy %q is invalid; valid values: surface_error, synthesize_fallback", cfg.Parse.FailurePolicy))
	}
	if cfg.Parse.DefaultMeal != "" && !cfg.Parse.DefaultMeal.IsValid() {
		errs = append(errs, fmt.Errorf("parse.default_meal %q is invalid; valid values: breakfast, lunch, dinner, snack, pre_workout, post_workout", cfg.Parse.DefaultMeal))
	}

	// Capture stage
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is negative", cfg.Capture.SampleRate))
	}

	// Notifications
	if d := cfg.Notify.Discord; d != nil {
		if d.BotToken == "" || d.ChannelID == "" {
			errs = append(errs, errors.New("notify.discord requires both bot_token and channel_id"))
		}
	}

	// MCP
	if cfg.MCP.Transport != "" && !cfg.MCP.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("mcp.transport %q is invalid; valid values: stdio, streamable-http", cfg.MCP.Transport))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
