package detect

import (
	"fmt"

	"github.com/alertforge/watchtower/internal/backend"
)

// Factory builds a Detector from a validated Config. Each detector family
// registers its own factory under its Type string in init().
type Factory func(cfg Config, deps Deps) (Detector, error)

// Deps bundles the optional external collaborators a detector family may
// need at construction time (currently only NewTerms's backfill). Left
// zero-valued, NewTerms skips its backfill and starts with no existing
// terms.
type Deps struct {
	Backend backend.Backend
}

var registry = map[string]Factory{}

// Register adds a detector family under typeName. Called from each
// detector file's init(), so new families compose without touching a
// shared switch statement.
func Register(typeName string, factory Factory) {
	registry[typeName] = factory
}

// Build constructs the Detector configured by cfg, dispatching on
// cfg.Type. Returns a ConfigurationError if the type is unknown.
func Build(cfg Config, deps Deps) (Detector, error) {
	factory, ok := registry[cfg.Type]
	if !ok {
		return nil, NewConfigurationError(cfg.ID, fmt.Sprintf("unknown detector type %q", cfg.Type))
	}
	return factory(cfg, deps)
}

// RegisteredTypes returns the currently registered detector type names,
// useful for config validation error messages and CLI introspection.
func RegisteredTypes() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}
