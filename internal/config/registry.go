package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nils-skog/dictare/pkg/provider/ai"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	transcribers map[string]func(ProviderEntry) (ai.Transcriber, error)
	refiners     map[string]func(ProviderEntry) (ai.Refiner, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcribers: make(map[string]func(ProviderEntry) (ai.Transcriber, error)),
		refiners:     make(map[string]func(ProviderEntry) (ai.Refiner, error)),
	}
}

// RegisterTranscriber registers a transcriber factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscriber(name string, factory func(ProviderEntry) (ai.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribers[name] = factory
}

// RegisterRefiner registers a refiner factory under name.
func (r *Registry) RegisterRefiner(name string, factory func(ProviderEntry) (ai.Refiner, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refiners[name] = factory
}

// CreateTranscriber instantiates a transcriber using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (ai.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.transcribers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcriber/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRefiner instantiates a refiner using the factory registered under entry.Name.
func (r *Registry) CreateRefiner(entry ProviderEntry) (ai.Refiner, error) {
	r.mu.RLock()
	factory, ok := r.refiners[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: refiner/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
