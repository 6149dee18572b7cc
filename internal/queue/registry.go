package queue

import (
	"context"
	"sort"
	"sync"
)

// Handler executes a command's unit of work. The engine treats it as opaque:
// input payload in, result payload or error out. Handlers must honor ctx
// cancellation at safe points.
type Handler func(ctx context.Context, item *WorkItem) (map[string]interface{}, error)

// Validator checks an input payload against the command's expected schema.
// Runs at enqueue time so malformed payloads never become retryable failures.
type Validator func(input map[string]interface{}) error

// Registration binds a command definition to its handler and input validator.
type Registration struct {
	Definition CommandDefinition
	Handler    Handler
	Validate   Validator // optional
}

// Registry maps command ids to executable handlers plus metadata.
// Populated by configuration at startup; read-only at runtime.
type Registry struct {
	commands map[string]*Registration
	mu       sync.RWMutex
}

// NewRegistry creates a new command registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Registration),
	}
}

// Register adds a command to the registry.
// If a command with the same id already exists, it will be replaced.
func (r *Registry) Register(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands[reg.Definition.ID] = reg
}

// Get returns a registration by command id, or nil if not found.
func (r *Registry) Get(id string) *Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.commands[id]
}

// Resolve returns the registration for an executable (registered AND active)
// command, or ErrUnknownCommand.
func (r *Registry) Resolve(id string) (*Registration, error) {
	reg := r.Get(id)
	if reg == nil || !reg.Definition.Active {
		return nil, ErrUnknownCommand
	}
	return reg, nil
}

// ValidateInput runs the command's input validator, if any.
// Returns ErrUnknownCommand for unregistered or inactive commands.
func (r *Registry) ValidateInput(id string, input map[string]interface{}) error {
	reg, err := r.Resolve(id)
	if err != nil {
		return err
	}
	if reg.Validate == nil {
		return nil
	}
	return reg.Validate(input)
}

// Definitions returns all registered command definitions ordered by id.
func (r *Registry) Definitions() []CommandDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]CommandDefinition, 0, len(r.commands))
	for _, reg := range r.commands {
		defs = append(defs, reg.Definition)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].ID < defs[j].ID
	})
	return defs
}
