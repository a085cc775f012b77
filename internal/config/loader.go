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
	"asr":     {"sherpa-asr", "whisper-asr", "openai-asr"},
	"vad":     {"energy-vad", "sherpa-vad"},
	"speaker": {"sherpa-speaker"},
	"llm":     {"anyllm"},
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
// Unknown keys are rejected. Useful in tests where configs are constructed
// from string literals.
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
	if cfg.Server.DrainTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("server.drain_timeout_ms %d is negative", cfg.Server.DrainTimeoutMs))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	errs = append(errs, validatePipeline(cfg.Pipeline)...)

	// Providers: names are required and unique; unknown names only warn so
	// that externally registered providers keep working.
	seen := make(map[string]int, len(cfg.Providers))
	for i, entry := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, dup := seen[entry.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, entry.Name, prev))
		}
		seen[entry.Name] = i
		validateProviderName(entry.Name)
	}
	if len(cfg.Providers) == 0 {
		slog.Warn("no providers configured; the server cannot transcribe until at least one ASR and one VAD provider are set")
	}

	// Recap
	if cfg.Recap.Enabled && cfg.Recap.Provider.Name == "" {
		errs = append(errs, errors.New("recap.enabled requires recap.provider.name"))
	}

	return errors.Join(errs...)
}

// validatePipeline checks ranges on the set pipeline values; zero values
// mean "use the default" and are always accepted.
func validatePipeline(p PipelineConfig) []error {
	var errs []error

	nonNegative := []struct {
		key   string
		value float64
	}{
		{"sample_rate", float64(p.SampleRate)},
		{"chunk_size_ms", float64(p.ChunkSizeMs)},
		{"vad_buffer_seconds", float64(p.VADBufferSeconds)},
		{"silence_reset_seconds", float64(p.SilenceResetSeconds)},
		{"keep_audio_seconds", float64(p.KeepAudioSeconds)},
		{"sv_threshold_base", p.SVThresholdBase},
		{"sv_min_duration_ms", float64(p.SVMinDurationMs)},
		{"sv_min_energy_rms", p.SVMinEnergyRMS},
		{"pause_threshold_ms", float64(p.PauseThresholdMs)},
		{"worker_pool_size", float64(p.WorkerPoolSize)},
		{"inference_timeout_ms", float64(p.InferenceTimeoutMs)},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s %v is negative", f.key, f.value))
		}
	}

	if t := p.VADBufferCleanupThreshold; t != 0 && (t <= 0 || t > 1) {
		errs = append(errs, fmt.Errorf("pipeline.vad_buffer_cleanup_threshold %.2f is out of range (0, 1]", t))
	}
	if r := p.VADBufferCleanupRatio; r != 0 && (r <= 0 || r >= 1) {
		errs = append(errs, fmt.Errorf("pipeline.vad_buffer_cleanup_ratio %.2f is out of range (0, 1)", r))
	}
	if t := p.SVThresholdBase; t > 1 {
		errs = append(errs, fmt.Errorf("pipeline.sv_threshold_base %.2f is above 1", t))
	}
	if p.KeepAudioSeconds > 0 && p.VADBufferSeconds > 0 && p.KeepAudioSeconds > p.VADBufferSeconds {
		errs = append(errs, fmt.Errorf("pipeline.keep_audio_seconds %d exceeds vad_buffer_seconds %d", p.KeepAudioSeconds, p.VADBufferSeconds))
	}

	return errs
}

// validateProviderName logs a warning if name is not found in the
// [ValidProviderNames] list of any kind.
func validateProviderName(name string) {
	for _, known := range ValidProviderNames {
		if slices.Contains(known, name) {
			return
		}
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"name", name,
	)
}
