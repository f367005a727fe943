// Package agent defines agent handlers and the registry that maps agent types to them
package agent

import (
	"context"
	"time"

	"github.com/rizome-dev/conductor/pkg/types"
)

// Handler processes tasks for one agent type
type Handler interface {
	// Process runs the task and returns its output. It must honour ctx.
	Process(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error)

	// Validate reports whether input is acceptable for this agent type
	Validate(input map[string]interface{}) bool

	// EstimateProcessingTime is advisory and never used for scheduling
	EstimateProcessingTime(input map[string]interface{}) time.Duration
}

// ProcessFunc is the signature of Handler.Process
type ProcessFunc func(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error)

// HandlerFuncs builds a Handler from plain functions. Nil ValidateFunc accepts
// every input; nil EstimateFunc estimates zero.
type HandlerFuncs struct {
	ProcessFunc  ProcessFunc
	ValidateFunc func(input map[string]interface{}) bool
	EstimateFunc func(input map[string]interface{}) time.Duration
}

// Process calls ProcessFunc
func (h HandlerFuncs) Process(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error) {
	return h.ProcessFunc(ctx, task)
}

// Validate calls ValidateFunc
func (h HandlerFuncs) Validate(input map[string]interface{}) bool {
	if h.ValidateFunc == nil {
		return true
	}
	return h.ValidateFunc(input)
}

// EstimateProcessingTime calls EstimateFunc
func (h HandlerFuncs) EstimateProcessingTime(input map[string]interface{}) time.Duration {
	if h.EstimateFunc == nil {
		return 0
	}
	return h.EstimateFunc(input)
}

// RequireKeys returns a validator that accepts input containing every key
func RequireKeys(keys ...string) func(map[string]interface{}) bool {
	return func(input map[string]interface{}) bool {
		for _, key := range keys {
			if _, ok := input[key]; !ok {
				return false
			}
		}
		return true
	}
}
