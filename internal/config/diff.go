package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level and
// pipeline changes are safe to hot-apply (pipeline changes affect sessions
// opened afterwards); provider and server changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is true when any pipeline key differs; PipelineKeys
	// names the changed keys.
	PipelineChanged bool
	PipelineKeys    []string

	// ProvidersChanged is true when the provider list differs in any way.
	ProvidersChanged bool

	// RecapChanged is true when the recap block differs.
	RecapChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PipelineKeys = diffPipeline(old.Pipeline, new.Pipeline)
	d.PipelineChanged = len(d.PipelineKeys) > 0

	d.ProvidersChanged = providersDiffer(old.Providers, new.Providers)

	if old.Recap.Enabled != new.Recap.Enabled || !entryEqual(old.Recap.Provider, new.Recap.Provider) {
		d.RecapChanged = true
	}

	return d
}

// diffPipeline returns the YAML keys whose values differ.
func diffPipeline(old, new PipelineConfig) []string {
	var keys []string
	add := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}

	add("sample_rate", old.SampleRate != new.SampleRate)
	add("chunk_size_ms", old.ChunkSizeMs != new.ChunkSizeMs)
	add("vad_buffer_seconds", old.VADBufferSeconds != new.VADBufferSeconds)
	add("vad_buffer_cleanup_threshold", old.VADBufferCleanupThreshold != new.VADBufferCleanupThreshold)
	add("vad_buffer_cleanup_ratio", old.VADBufferCleanupRatio != new.VADBufferCleanupRatio)
	add("silence_reset_seconds", old.SilenceResetSeconds != new.SilenceResetSeconds)
	add("keep_audio_seconds", old.KeepAudioSeconds != new.KeepAudioSeconds)
	add("sv_threshold_base", old.SVThresholdBase != new.SVThresholdBase)
	add("sv_min_duration_ms", old.SVMinDurationMs != new.SVMinDurationMs)
	add("sv_min_energy_rms", old.SVMinEnergyRMS != new.SVMinEnergyRMS)
	add("pause_threshold_ms", old.PauseThresholdMs != new.PauseThresholdMs)
	add("enable_smart_line_break", boolPtrValue(old.EnableSmartLineBreak) != boolPtrValue(new.EnableSmartLineBreak))
	add("worker_pool_size", old.WorkerPoolSize != new.WorkerPoolSize)
	add("inference_timeout_ms", old.InferenceTimeoutMs != new.InferenceTimeoutMs)

	return keys
}

// boolPtrValue resolves the smart line-break pointer to its effective value.
func boolPtrValue(p *bool) bool {
	if p == nil {
		return true
	}
	return *p
}

func providersDiffer(old, new []ProviderEntry) bool {
	if len(old) != len(new) {
		return true
	}
	for i := range old {
		if !entryEqual(old[i], new[i]) {
			return true
		}
	}
	return false
}

// entryEqual compares two provider entries including their option maps.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	// Options may hold nested maps, so a field-by-field comparison is not
	// enough.
	return reflect.DeepEqual(a.Options, b.Options)
}
