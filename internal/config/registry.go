package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/cadence/pkg/avatar"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AvatarFactory builds the avatar sink for one call session. Sinks are
// stateful, so one is created per session.
type AvatarFactory func(entry ProviderEntry, sessionID string) (avatar.Sink, error)

// Registry maps provider names to their constructor functions for each
// collaborator kind. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	reasoning map[string]func(ProviderEntry) (llm.Provider, error)
	synthesis map[string]func(ProviderEntry) (tts.Provider, error)
	avatar    map[string]AvatarFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		reasoning: make(map[string]func(ProviderEntry) (llm.Provider, error)),
		synthesis: make(map[string]func(ProviderEntry) (tts.Provider, error)),
		avatar:    make(map[string]AvatarFactory),
	}
}

// RegisterReasoning registers a reasoning provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterReasoning(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasoning[name] = factory
}

// RegisterSynthesis registers a synthesis provider factory under name.
func (r *Registry) RegisterSynthesis(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesis[name] = factory
}

// RegisterAvatar registers an avatar sink factory under name.
func (r *Registry) RegisterAvatar(name string, factory AvatarFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avatar[name] = factory
}

// CreateReasoning instantiates a reasoning provider using the factory
// registered under entry.Name.
func (r *Registry) CreateReasoning(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.reasoning[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: reasoning/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSynthesis instantiates a synthesis provider using the factory
// registered under entry.Name.
func (r *Registry) CreateSynthesis(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.synthesis[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesis/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAvatar instantiates an avatar sink for sessionID using the factory
// registered under entry.Name.
func (r *Registry) CreateAvatar(entry ProviderEntry, sessionID string) (avatar.Sink, error) {
	r.mu.RLock()
	factory, ok := r.avatar[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: avatar/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, sessionID)
}

// Names returns the sorted registered names for kind ("reasoning",
// "synthesis" or "avatar").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	switch kind {
	case "reasoning":
		for n := range r.reasoning {
			out = append(out, n)
		}
	case "synthesis":
		for n := range r.synthesis {
			out = append(out, n)
		}
	case "avatar":
		for n := range r.avatar {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}
