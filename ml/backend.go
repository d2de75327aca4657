// backend.go - Backend-Interface und Registrierung fuer ML-Modelle
// Dieses Modul definiert das Backend-Interface und die Backend-Factory-Funktionen.
package ml

import (
	"fmt"
	"slices"
	"sort"
)

// Backend represents a tensor execution backend (e.g., cpu).
type Backend interface {
	// Close frees all memory associated with this backend
	Close()

	// NewContext creates a context that records operations for Backward.
	NewContext() Context

	// Name returns the registry name of the backend.
	Name() string
}

// BackendParams controls how the backend executes models
type BackendParams struct {
	// NumThreads sets the number of threads to use for per-sample parallelism
	NumThreads int

	// Seed initializes the random source shared by all contexts
	Seed uint64
}

var backends = make(map[string]func(BackendParams) (Backend, error))

// RegisterBackend registers a backend factory function.
func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend creates a new backend instance. An empty name selects the first
// registered backend in alphabetical order.
func NewBackend(name string, params BackendParams) (Backend, error) {
	if name == "" {
		names := Backends()
		if len(names) == 0 {
			return nil, fmt.Errorf("unsupported backend: none registered")
		}
		name = names[0]
	}

	if backend, ok := backends[name]; ok {
		return backend(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Backends gibt die Namen aller registrierten Backends sortiert zurueck
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return slices.Clip(names)
}
