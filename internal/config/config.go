// Package config provides the configuration schema, loader, file watcher,
// and provider registry for the skald transcription server.
package config

import "github.com/skaldlabs/skald/internal/session"

// LogLevel controls log verbosity for the skald server.
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

// Config is the root configuration structure for skald.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers []ProviderEntry `yaml:"providers"`
	Recap     RecapConfig     `yaml:"recap"`
}

// ServerConfig holds network and logging settings for the skald server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DrainTimeoutMs bounds how long a closing session waits for in-flight
	// inference. Default 5000.
	DrainTimeoutMs int `yaml:"drain_timeout_ms"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// PipelineConfig holds the transcription pipeline knobs. Every field is
// optional; zero values take the documented defaults.
type PipelineConfig struct {
	// SampleRate is the PCM rate in Hz assumed for all sessions. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSizeMs is the VAD cadence. Default 300.
	ChunkSizeMs int `yaml:"chunk_size_ms"`

	// VADBufferSeconds is the rolling audio window capacity. Default 15.
	VADBufferSeconds int `yaml:"vad_buffer_seconds"`

	// VADBufferCleanupThreshold is the fill fraction at which a trim fires.
	// Default 0.8.
	VADBufferCleanupThreshold float64 `yaml:"vad_buffer_cleanup_threshold"`

	// VADBufferCleanupRatio is the fraction of capacity trimmed per cleanup.
	// Default 0.3.
	VADBufferCleanupRatio float64 `yaml:"vad_buffer_cleanup_ratio"`

	// SilenceResetSeconds is the idle span after which the buffer resets.
	// Default 30.
	SilenceResetSeconds int `yaml:"silence_reset_seconds"`

	// KeepAudioSeconds is the tail retained across a silence reset. Default 5.
	KeepAudioSeconds int `yaml:"keep_audio_seconds"`

	// SVThresholdBase is the base speaker-similarity threshold. Default 0.42.
	SVThresholdBase float64 `yaml:"sv_threshold_base"`

	// SVMinDurationMs gates speaker verification on segment length. Default 400.
	SVMinDurationMs int64 `yaml:"sv_min_duration_ms"`

	// SVMinEnergyRMS gates speaker verification on segment energy. Default 0.003.
	SVMinEnergyRMS float64 `yaml:"sv_min_energy_rms"`

	// PauseThresholdMs is the same-speaker gap that starts a new line.
	// Default 1500.
	PauseThresholdMs int64 `yaml:"pause_threshold_ms"`

	// EnableSmartLineBreak toggles the line-break policy. Default true; a
	// pointer so that an explicit false survives the default.
	EnableSmartLineBreak *bool `yaml:"enable_smart_line_break"`

	// WorkerPoolSize bounds concurrent inference across sessions. Default 4.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// InferenceTimeoutMs is the per-call inference deadline. Default 10000.
	InferenceTimeoutMs int `yaml:"inference_timeout_ms"`
}

// Session converts the pipeline block into the session package's config,
// applying the smart line-break default.
func (p PipelineConfig) Session() session.Config {
	smart := true
	if p.EnableSmartLineBreak != nil {
		smart = *p.EnableSmartLineBreak
	}
	return session.Config{
		SampleRate:                p.SampleRate,
		ChunkSizeMs:               p.ChunkSizeMs,
		VADBufferSeconds:          p.VADBufferSeconds,
		VADBufferCleanupThreshold: p.VADBufferCleanupThreshold,
		VADBufferCleanupRatio:     p.VADBufferCleanupRatio,
		SilenceResetSeconds:       p.SilenceResetSeconds,
		KeepAudioSeconds:          p.KeepAudioSeconds,
		SVThresholdBase:           p.SVThresholdBase,
		SVMinDurationMs:           p.SVMinDurationMs,
		SVMinEnergyRMS:            p.SVMinEnergyRMS,
		PauseThresholdMs:          p.PauseThresholdMs,
		EnableSmartLineBreak:      smart,
		WorkerPoolSize:            p.WorkerPoolSize,
		InferenceTimeoutMs:        p.InferenceTimeoutMs,
	}
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. The Name field selects the constructor in the [Registry]; the
// registry knows which kind (asr, vad, speaker, llm) each name serves.
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "sherpa-asr", "energy-vad").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "whisper-1", "gpt-4o-mini") or a local model path.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] as a string.
func (e ProviderEntry) OptionString(key string) (string, bool) {
	v, ok := e.Options[key].(string)
	return v, ok
}

// OptionInt returns Options[key] as an int, accepting YAML's int decoding.
func (e ProviderEntry) OptionInt(key string) (int, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// OptionFloat returns Options[key] as a float64, accepting ints too.
func (e ProviderEntry) OptionFloat(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// OptionBool returns Options[key] as a bool.
func (e ProviderEntry) OptionBool(key string) (bool, bool) {
	v, ok := e.Options[key].(bool)
	return v, ok
}

// RecapConfig enables the post-session summary. When enabled, the configured
// LLM provider produces a summary and keyword list once a session closes.
type RecapConfig struct {
	// Enabled turns the recap on. Default false.
	Enabled bool `yaml:"enabled"`

	// Provider is the LLM provider used to generate the recap.
	Provider ProviderEntry `yaml:"provider"`
}
