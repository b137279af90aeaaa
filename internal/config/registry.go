package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned when no factory exists for a
// provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is one kind's name-to-constructor table.
type factories[T any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]func(ProviderEntry) (T, error)
}

func newFactories[T any](kind string) *factories[T] {
	return &factories[T]{kind: kind, m: make(map[string]func(ProviderEntry) (T, error))}
}

func (f *factories[T]) add(name string, fn func(ProviderEntry) (T, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[name] = fn
}

func (f *factories[T]) create(entry ProviderEntry) (T, error) {
	f.mu.RLock()
	fn, ok := f.m[entry.Name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return fn(entry)
}

func (f *factories[T]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.m))
}

// Registry maps provider names to constructors, per provider kind. Later
// registrations under a name replace earlier ones. It is safe for
// concurrent use.
type Registry struct {
	llm        *factories[llm.Provider]
	embeddings *factories[embeddings.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        newFactories[llm.Provider]("llm"),
		embeddings: newFactories[embeddings.Provider]("embeddings"),
	}
}

// RegisterLLM registers a chat-completion backend for the escalation oracle.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.llm.add(name, factory)
}

// RegisterEmbeddings registers an embedding backend for the semantic stage.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.embeddings.add(name, factory)
}

// CreateLLM builds the LLM provider named by entry.Name. It wraps
// [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry)
}

// CreateEmbeddings builds the embeddings provider named by entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(entry)
}

// Names returns the sorted names registered for kind, "llm" or
// "embeddings".
func (r *Registry) Names(kind string) []string {
	switch kind {
	case "llm":
		return r.llm.names()
	case "embeddings":
		return r.embeddings.names()
	}
	return nil
}

// OptInt reads an integer option, accepting the int and float64 forms YAML
// produces. It returns 0 when the key is absent or not numeric.
func OptInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// OptString reads a string option, returning "" when absent.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
