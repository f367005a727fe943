package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rizome-dev/conductor/pkg/types"
)

// ErrAgentNotFound is returned for lookups of unregistered agent types
var ErrAgentNotFound = errors.New("agent not found")

type registration struct {
	handler Handler
	config  types.AgentConfig
}

// Registry maps agent types to their handler and configuration
type Registry struct {
	mu     sync.RWMutex
	agents map[string]registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]registration)}
}

// Register stores handler and config under config.Type. Re-registering a
// type replaces the previous entry.
func (r *Registry) Register(handler Handler, config types.AgentConfig) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	if config.Type == "" {
		return fmt.Errorf("agent type is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[config.Type] = registration{handler: handler, config: config}
	return nil
}

// GetHandler returns the handler for agentType
func (r *Registry) GetHandler(agentType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[agentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentType)
	}
	return reg.handler, nil
}

// GetConfig returns the configuration for agentType
func (r *Registry) GetConfig(agentType string) (types.AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[agentType]
	if !ok {
		return types.AgentConfig{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentType)
	}
	return reg.config, nil
}

// Types returns the registered agent types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
