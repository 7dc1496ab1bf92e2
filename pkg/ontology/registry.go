package ontology

import (
	"sync"
	"time"
)

// Registry holds the active ontology version for the process. Replacement
// is wholesale: Set swaps the whole definition set and bumps the version.
// Versions are forward-only; previously classified nodes and edges keep the
// version number that classified them.
type Registry struct {
	mu      sync.RWMutex
	current *Ontology
	version int
}

// NewRegistry returns a registry with no active ontology (version 0).
func NewRegistry() *Registry {
	return &Registry{}
}

// Set validates the definitions and, on success, replaces the active
// ontology wholesale. It returns the new version number.
func (r *Registry) Set(entityTypes []EntityTypeSchema, edgeTypes []EdgeTypeSchema) (int, error) {
	if err := validate(entityTypes, edgeTypes); err != nil {
		return 0, err
	}

	entities := make(map[string]EntityTypeSchema, len(entityTypes))
	for _, et := range entityTypes {
		entities[et.Name] = et
	}
	edges := make(map[string]EdgeTypeSchema, len(edgeTypes))
	for _, et := range edgeTypes {
		edges[et.Name] = et
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	r.current = &Ontology{
		Version:     r.version,
		EntityTypes: entities,
		EdgeTypes:   edges,
		CreatedAt:   time.Now().UTC(),
	}
	return r.version, nil
}

// Active returns the current ontology, or nil when none has been set.
// The returned value is immutable; callers must not modify it.
func (r *Registry) Active() *Ontology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Version returns the current ontology version, 0 when none is set.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
