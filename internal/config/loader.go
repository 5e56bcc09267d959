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
	"asr":       {"aws", "mock"},
	"translate": {"aws", "openai", "mock"},
	"tts":       {"aws", "mock"},
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

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
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
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	// Store
	if !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, dynamo, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == StoreDynamo {
		d := cfg.Store.Dynamo
		if d.SessionsTable == "" || d.ConnectionsTable == "" || d.RateLimitsTable == "" || d.TranslationsTable == "" {
			errs = append(errs, errors.New("store.dynamo requires sessions_table, connections_table, rate_limits_table, and translations_table"))
		}
	}
	if cfg.Store.Driver == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.driver is postgres"))
	}
	if cfg.Store.Driver == StoreMemory {
		slog.Warn("store.driver is memory; all session state is lost on restart")
	}

	// Auth
	if cfg.Auth.JWKSURL == "" && !cfg.Auth.AllowAnonymousListeners {
		slog.Warn("auth.jwks_url is empty and anonymous listeners are disabled; every connection will be rejected")
	}
	if cfg.Auth.KeyCacheTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("auth.key_cache_ttl_seconds %d must be positive", cfg.Auth.KeyCacheTTLSeconds))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("translate", cfg.Providers.Translate.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Session
	if cfg.Session.MaxDurationMinutes <= 0 {
		errs = append(errs, fmt.Errorf("session.max_duration_minutes %d must be positive", cfg.Session.MaxDurationMinutes))
	}
	if cfg.Session.IDAttempts <= 0 {
		errs = append(errs, fmt.Errorf("session.id_attempts %d must be positive", cfg.Session.IDAttempts))
	}

	// Rate limits
	for _, rl := range []struct {
		name string
		rule RateLimitRule
	}{
		{"connection_attempt", cfg.RateLimits.ConnectionAttempt},
		{"session_create", cfg.RateLimits.SessionCreate},
		{"listener_join", cfg.RateLimits.ListenerJoin},
		{"heartbeat", cfg.RateLimits.Heartbeat},
		{"audio_chunk", cfg.RateLimits.AudioChunk},
		{"control_message", cfg.RateLimits.ControlMessage},
	} {
		if rl.rule.Limit <= 0 || rl.rule.WindowSeconds <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s: limit and window_seconds must be positive", rl.name))
		}
	}
	if cfg.RateLimits.CloseAfterViolations < cfg.RateLimits.WarnAfterViolations {
		errs = append(errs, fmt.Errorf("rate_limits.close_after_violations %d must be >= warn_after_violations %d",
			cfg.RateLimits.CloseAfterViolations, cfg.RateLimits.WarnAfterViolations))
	}

	// Ingest
	if cfg.Ingest.ChunkMs <= 0 || cfg.Ingest.BufferSeconds <= 0 {
		errs = append(errs, errors.New("ingest.chunk_ms and ingest.buffer_seconds must be positive"))
	}
	if q := cfg.Ingest.Quality; q.SilenceExitDB <= q.SilenceEnterDB {
		errs = append(errs, fmt.Errorf("ingest.quality.silence_exit_db %.1f must be above silence_enter_db %.1f", q.SilenceExitDB, q.SilenceEnterDB))
	}

	// Partials
	if p := cfg.Partials.RolloutPercentage; p < 0 || p > 100 {
		errs = append(errs, fmt.Errorf("partials.rollout_percentage %d is out of range [0, 100]", p))
	}
	if s := cfg.Partials.MinStability; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("partials.min_stability %.2f is out of range [0, 1]", s))
	}
	switch cfg.Partials.StabilityLevel {
	case "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("partials.stability_level %q must be low, medium or high", cfg.Partials.StabilityLevel))
	}

	// Translate
	if cfg.Translate.MaxCacheEntries <= 0 {
		errs = append(errs, fmt.Errorf("translate.max_cache_entries %d must be positive", cfg.Translate.MaxCacheEntries))
	}
	if p := cfg.Translate.EvictionPercent; p < 1 || p > 100 {
		errs = append(errs, fmt.Errorf("translate.eviction_percent %d is out of range [1, 100]", p))
	}
	if cfg.Translate.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("translate.attempts %d must be positive", cfg.Translate.Attempts))
	}

	// Synthesis / broadcast
	if cfg.Synthesis.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("synthesis.max_concurrent %d must be positive", cfg.Synthesis.MaxConcurrent))
	}
	if cfg.Broadcast.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("broadcast.max_concurrent %d must be positive", cfg.Broadcast.MaxConcurrent))
	}
	if cfg.Broadcast.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("broadcast.max_retries %d must be non-negative", cfg.Broadcast.MaxRetries))
	}

	// Lifetime ordering: refresh notice before warning before forced close.
	lt := cfg.Lifetime
	if !(lt.RefreshMinutes <= lt.WarningMinutes && lt.WarningMinutes <= lt.MaxMinutes) {
		errs = append(errs, fmt.Errorf("lifetime: refresh_minutes %d <= warning_minutes %d <= max_minutes %d must hold",
			lt.RefreshMinutes, lt.WarningMinutes, lt.MaxMinutes))
	}
	if lt.MaxMinutes < cfg.Session.MaxDurationMinutes {
		slog.Warn("lifetime.max_minutes is below session.max_duration_minutes; speaker connections will be cycled mid-session",
			"max_minutes", lt.MaxMinutes,
			"max_duration_minutes", cfg.Session.MaxDurationMinutes,
		)
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
