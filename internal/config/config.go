// Package config provides the configuration schema, loader, and provider
// registry for the polyvox broadcasting server.
package config

// LogLevel controls log verbosity for the polyvox server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the durable store backend.
type StoreDriver string

const (
	// StoreMemory keeps all state in process memory. Development only.
	StoreMemory StoreDriver = "memory"

	// StoreDynamo uses DynamoDB tables with TTL and the language index.
	StoreDynamo StoreDriver = "dynamo"

	// StorePostgres uses PostgreSQL with equivalent semantics.
	StorePostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	switch d {
	case StoreMemory, StoreDynamo, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure for polyvox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Auth       AuthConfig       `yaml:"auth"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Partials   PartialsConfig   `yaml:"partials"`
	Translate  TranslateConfig  `yaml:"translate"`
	Synthesis  SynthesisConfig  `yaml:"synthesis"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Lifetime   LifetimeConfig   `yaml:"lifetime"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogJSON switches the log handler from text to JSON output.
	LogJSON bool `yaml:"log_json"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownGraceSeconds bounds graceful shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// StoreConfig selects and parameterises the durable store backend.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`

	// Dynamo holds table names for the dynamo driver.
	Dynamo DynamoConfig `yaml:"dynamo"`

	// PostgresDSN is the connection string for the postgres driver.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DynamoConfig names the DynamoDB tables the dynamo driver operates on.
type DynamoConfig struct {
	Region            string `yaml:"region"`
	SessionsTable     string `yaml:"sessions_table"`
	ConnectionsTable  string `yaml:"connections_table"`
	RateLimitsTable   string `yaml:"rate_limits_table"`
	TranslationsTable string `yaml:"translations_table"`
}

// AuthConfig configures bearer-token validation at connect time.
type AuthConfig struct {
	// Issuer is the expected token issuer.
	Issuer string `yaml:"issuer"`

	// Audience is the expected token audience.
	Audience string `yaml:"audience"`

	// JWKSURL is the issuer's public-key endpoint.
	JWKSURL string `yaml:"jwks_url"`

	// KeyCacheTTLSeconds bounds how long fetched issuer keys are reused.
	KeyCacheTTLSeconds int `yaml:"key_cache_ttl_seconds"`

	// AllowAnonymousListeners permits listener connections without a token.
	// Speakers always authenticate; there is no anonymous speaker path.
	AllowAnonymousListeners bool `yaml:"allow_anonymous_listeners"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	ASR       ProviderEntry `yaml:"asr"`
	Translate ProviderEntry `yaml:"translate"`
	TTS       ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "aws", "openai").
	Name string `yaml:"name"`

	// Region is the cloud region for region-scoped providers.
	Region string `yaml:"region"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig bounds session lifetime and id generation.
type SessionConfig struct {
	// MaxDurationMinutes caps expiresAt - createdAt. Default 120.
	MaxDurationMinutes int `yaml:"max_duration_minutes"`

	// IDAttempts is how many candidate ids the generator probes before
	// reporting exhaustion to the registry.
	IDAttempts int `yaml:"id_attempts"`

	// CreateRetries is how many times the registry retries a fresh generator
	// run with backoff before failing session creation.
	CreateRetries int `yaml:"create_retries"`

	// BlacklistWords extends the built-in id word blacklist.
	BlacklistWords []string `yaml:"blacklist_words"`

	// MaxListeners caps listeners per session. 0 means unlimited.
	MaxListeners int `yaml:"max_listeners"`
}

// RateLimitRule is one sliding-window limit.
type RateLimitRule struct {
	// Limit is the maximum number of operations per window.
	Limit int `yaml:"limit"`

	// WindowSeconds is the sliding window length.
	WindowSeconds int `yaml:"window_seconds"`
}

// RateLimitsConfig holds one rule per rate-limited operation plus the
// escalation thresholds shared by all of them.
type RateLimitsConfig struct {
	ConnectionAttempt RateLimitRule `yaml:"connection_attempt"`
	SessionCreate     RateLimitRule `yaml:"session_create"`
	ListenerJoin      RateLimitRule `yaml:"listener_join"`
	Heartbeat         RateLimitRule `yaml:"heartbeat"`
	AudioChunk        RateLimitRule `yaml:"audio_chunk"`
	ControlMessage    RateLimitRule `yaml:"control_message"`

	// WarnAfterViolations is how many over-limit hits trigger the single
	// offender-visible warning.
	WarnAfterViolations int `yaml:"warn_after_violations"`

	// CloseAfterViolations is how many over-limit hits close the connection.
	CloseAfterViolations int `yaml:"close_after_violations"`
}

// IngestConfig parameterises the speaker audio path.
type IngestConfig struct {
	// ChunkMs is the expected duration of one audio chunk.
	ChunkMs int `yaml:"chunk_ms"`

	// BufferSeconds sizes the drop-oldest backpressure buffer:
	// capacity = buffer_seconds * 1000 / chunk_ms chunks.
	BufferSeconds int `yaml:"buffer_seconds"`

	Quality QualityConfig `yaml:"quality"`
}

// QualityConfig holds the analyzer thresholds for speaker audio.
type QualityConfig struct {
	// EchoThresholdDB flags echo when the autocorrelation peak exceeds this
	// level. Default -15.
	EchoThresholdDB float64 `yaml:"echo_threshold_db"`

	// SilenceEnterDB and SilenceExitDB form the hysteresis pair for silence
	// detection. Defaults -50 / -40.
	SilenceEnterDB float64 `yaml:"silence_enter_db"`
	SilenceExitDB  float64 `yaml:"silence_exit_db"`

	// SilenceSeconds is how long the level must stay below enter before a
	// silence warning is raised. Default 5.
	SilenceSeconds int `yaml:"silence_seconds"`

	// ClippingWarnRatio raises a clipping warning when the clipped-sample
	// fraction of a chunk exceeds it.
	ClippingWarnRatio float64 `yaml:"clipping_warn_ratio"`

	// MinSNRDB raises a low-SNR warning below this signal-to-noise estimate.
	MinSNRDB float64 `yaml:"min_snr_db"`

	// NotifyIntervalSeconds rate-limits speaker-visible quality warnings per
	// (connection, issue kind). Default 60.
	NotifyIntervalSeconds int `yaml:"notify_interval_seconds"`
}

// PartialsConfig is the partial-results feature flag plus buffer tuning.
// This block is hot-reloadable; a session keeps the snapshot it was created
// under for its whole lifetime.
type PartialsConfig struct {
	// Enabled gates the partial-results code path globally.
	Enabled bool `yaml:"enabled"`

	// RolloutPercentage in [0, 100] enables partials for the sessions whose
	// consistent-hash bucket falls below it.
	RolloutPercentage int `yaml:"rollout_percentage"`

	// MinStability is the forwarding floor for partial stability scores.
	MinStability float64 `yaml:"min_stability"`

	// StabilityLevel is the provider-side stabilization level requested on
	// new streams: low, medium or high. Default high.
	StabilityLevel string `yaml:"stability_level"`

	// MaxBufferTimeoutSeconds forwards a buffered partial that never reached
	// a sentence boundary. Default 5.
	MaxBufferTimeoutSeconds int `yaml:"max_buffer_timeout_seconds"`

	// DedupTTLSeconds bounds how long a forwarded segment suppresses
	// identical text. Default 10.
	DedupTTLSeconds int `yaml:"dedup_ttl_seconds"`

	// DedupMaxEntries triggers the emergency purge of the dedup cache.
	DedupMaxEntries int `yaml:"dedup_max_entries"`

	// OrphanTimeoutSeconds drops buffered partials never claimed by a final.
	// Default 20.
	OrphanTimeoutSeconds int `yaml:"orphan_timeout_seconds"`
}

// TranslateConfig tunes the translation cache and per-call budget.
type TranslateConfig struct {
	// CacheTTLSeconds is the translation cache row TTL.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// MaxCacheEntries bounds the cache; exceeding it triggers LRU eviction.
	MaxCacheEntries int `yaml:"max_cache_entries"`

	// EvictionPercent is the batch size of one LRU eviction, as a percentage
	// of MaxCacheEntries. Default 2.
	EvictionPercent int `yaml:"eviction_percent"`

	// Attempts is the per-call attempt budget. Default 2.
	Attempts int `yaml:"attempts"`

	// TimeoutMs is the per-call deadline. Default 3000.
	TimeoutMs int `yaml:"timeout_ms"`
}

// SynthesisConfig tunes the parallel TTS stage.
type SynthesisConfig struct {
	// TimeoutMs is the per-call deadline. Default 2000.
	TimeoutMs int `yaml:"timeout_ms"`

	// MaxConcurrent caps in-flight synthesis calls process-wide.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// BroadcastConfig tunes listener fan-out.
type BroadcastConfig struct {
	// MaxConcurrent caps concurrent pushes. Default 100.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxRetries bounds retries of one transient send failure. Default 2.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoffMs is the base backoff between retries.
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

// LifetimeConfig parameterises connection-age handling.
type LifetimeConfig struct {
	// RefreshMinutes is the connection age at which the one-time
	// refresh-required notice is sent.
	RefreshMinutes int `yaml:"refresh_minutes"`

	// WarningMinutes is the connection age at which close-soon warnings with
	// the remaining minutes begin.
	WarningMinutes int `yaml:"warning_minutes"`

	// MaxMinutes force-closes connections at this age.
	MaxMinutes int `yaml:"max_minutes"`

	// HeartbeatIntervalSeconds is the expected client heartbeat cadence.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
}

// Default returns the configuration used when a field is absent from the
// loaded file. Load decodes YAML over this baseline.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:           ":8080",
			LogLevel:             LogInfo,
			ShutdownGraceSeconds: 15,
		},
		Store: StoreConfig{Driver: StoreMemory},
		Providers: ProvidersConfig{
			ASR:       ProviderEntry{Name: "mock"},
			Translate: ProviderEntry{Name: "mock"},
			TTS:       ProviderEntry{Name: "mock"},
		},
		Auth: AuthConfig{
			KeyCacheTTLSeconds:      3600,
			AllowAnonymousListeners: true,
		},
		Session: SessionConfig{
			MaxDurationMinutes: 120,
			IDAttempts:         5,
			CreateRetries:      3,
		},
		RateLimits: RateLimitsConfig{
			ConnectionAttempt:    RateLimitRule{Limit: 10, WindowSeconds: 60},
			SessionCreate:        RateLimitRule{Limit: 5, WindowSeconds: 60},
			ListenerJoin:         RateLimitRule{Limit: 20, WindowSeconds: 60},
			Heartbeat:            RateLimitRule{Limit: 12, WindowSeconds: 60},
			AudioChunk:           RateLimitRule{Limit: 50, WindowSeconds: 1},
			ControlMessage:       RateLimitRule{Limit: 30, WindowSeconds: 60},
			WarnAfterViolations:  10,
			CloseAfterViolations: 100,
		},
		Ingest: IngestConfig{
			ChunkMs:       100,
			BufferSeconds: 5,
			Quality: QualityConfig{
				EchoThresholdDB:       -15,
				SilenceEnterDB:        -50,
				SilenceExitDB:         -40,
				SilenceSeconds:        5,
				ClippingWarnRatio:     0.02,
				MinSNRDB:              10,
				NotifyIntervalSeconds: 60,
			},
		},
		Partials: PartialsConfig{
			Enabled:                 true,
			RolloutPercentage:       100,
			MinStability:            0.85,
			StabilityLevel:          "high",
			MaxBufferTimeoutSeconds: 5,
			DedupTTLSeconds:         10,
			DedupMaxEntries:         10000,
			OrphanTimeoutSeconds:    20,
		},
		Translate: TranslateConfig{
			CacheTTLSeconds: 3600,
			MaxCacheEntries: 10000,
			EvictionPercent: 2,
			Attempts:        2,
			TimeoutMs:       3000,
		},
		Synthesis: SynthesisConfig{
			TimeoutMs:     2000,
			MaxConcurrent: 10,
		},
		Broadcast: BroadcastConfig{
			MaxConcurrent:  100,
			MaxRetries:     2,
			RetryBackoffMs: 50,
		},
		Lifetime: LifetimeConfig{
			RefreshMinutes:           100,
			WarningMinutes:           110,
			MaxMinutes:               120,
			HeartbeatIntervalSeconds: 30,
		},
	}
}
