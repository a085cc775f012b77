package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/skaldlabs/skald/pkg/provider/asr"
	"github.com/skaldlabs/skald/pkg/provider/llm"
	"github.com/skaldlabs/skald/pkg/provider/speaker"
	"github.com/skaldlabs/skald/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	asr     map[string]func(ProviderEntry) (asr.Model, error)
	vad     map[string]func(ProviderEntry) (vad.Engine, error)
	speaker map[string]func(ProviderEntry) (speaker.Model, error)
	llm     map[string]func(ProviderEntry) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:     make(map[string]func(ProviderEntry) (asr.Model, error)),
		vad:     make(map[string]func(ProviderEntry) (vad.Engine, error)),
		speaker: make(map[string]func(ProviderEntry) (speaker.Model, error)),
		llm:     make(map[string]func(ProviderEntry) (llm.Provider, error)),
	}
}

// RegisterASR registers an ASR model factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterASR(name string, factory func(ProviderEntry) (asr.Model, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSpeaker registers a speaker model factory under name.
func (r *Registry) RegisterSpeaker(name string, factory func(ProviderEntry) (speaker.Model, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaker[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateASR instantiates an ASR model using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Model, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSpeaker instantiates a speaker model using the factory registered under entry.Name.
func (r *Registry) CreateSpeaker(entry ProviderEntry) (speaker.Model, error) {
	r.mu.RLock()
	factory, ok := r.speaker[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speaker/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// KindOf reports which provider kind name is registered under: "asr", "vad",
// "speaker", or "llm". Used to sort a flat provider list into pipeline roles.
func (r *Registry) KindOf(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.asr[name]; ok {
		return "asr", true
	}
	if _, ok := r.vad[name]; ok {
		return "vad", true
	}
	if _, ok := r.speaker[name]; ok {
		return "speaker", true
	}
	if _, ok := r.llm[name]; ok {
		return "llm", true
	}
	return "", false
}
