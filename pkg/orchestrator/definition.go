package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// ParseDefinition decodes a YAML or JSON workflow definition
func ParseDefinition(data []byte) (*types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", cerrors.ErrInvalidDefinition, err)
	}
	return NormalizeDefinition(&def)
}

// LoadDefinition reads a workflow definition file
func LoadDefinition(path string) (*types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDefinitions reads every .yaml, .yml and .json file in dir
func LoadDefinitions(dir string) ([]*types.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var defs []*types.WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// NormalizeDefinition validates def and returns a copy with defaults applied
func NormalizeDefinition(def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is nil", cerrors.ErrInvalidDefinition)
	}
	if def.ID == "" {
		return nil, fmt.Errorf("%w: id is required", cerrors.ErrInvalidDefinition)
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("%w: %s has no steps", cerrors.ErrInvalidDefinition, def.ID)
	}

	out := *def
	switch out.ErrorHandling {
	case "":
		out.ErrorHandling = types.ErrorPolicyStop
	case types.ErrorPolicyStop, types.ErrorPolicyContinue:
	default:
		return nil, fmt.Errorf("%w: unknown error handling %q", cerrors.ErrInvalidDefinition, out.ErrorHandling)
	}

	out.Steps = make([]types.WorkflowStep, len(def.Steps))
	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			return nil, fmt.Errorf("%w: step %d has no id", cerrors.ErrInvalidDefinition, i)
		}
		if seen[step.ID] {
			return nil, fmt.Errorf("%w: duplicate step id %q", cerrors.ErrInvalidDefinition, step.ID)
		}
		seen[step.ID] = true
		if step.AgentType == "" {
			return nil, fmt.Errorf("%w: step %q has no agent type", cerrors.ErrInvalidDefinition, step.ID)
		}
		if step.TimeoutMs < 0 {
			return nil, fmt.Errorf("%w: step %q has a negative timeout", cerrors.ErrInvalidDefinition, step.ID)
		}

		conditions := make([]types.StepCondition, len(step.Conditions))
		for j, cond := range step.Conditions {
			if cond.Field == "" {
				return nil, fmt.Errorf("%w: step %q condition %d has no field", cerrors.ErrInvalidDefinition, step.ID, j)
			}
			if !cond.Operator.Valid() {
				return nil, fmt.Errorf("%w: step %q uses unknown operator %q", cerrors.ErrInvalidDefinition, step.ID, cond.Operator)
			}
			if cond.Action == "" {
				cond.Action = types.ActionSkip
			}
			if cond.Action != types.ActionSkip {
				return nil, fmt.Errorf("%w: step %q uses unknown action %q", cerrors.ErrInvalidDefinition, step.ID, cond.Action)
			}
			conditions[j] = cond
		}
		step.Conditions = conditions
		out.Steps[i] = step
	}
	return &out, nil
}

// RegisterDefinition stores a definition for ExecuteWorkflowByID and resume
// after restart
func (o *Orchestrator) RegisterDefinition(def *types.WorkflowDefinition) error {
	def, err := NormalizeDefinition(def)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.definitions[def.ID] = def
	o.mu.Unlock()

	o.logger.WithField("workflow_id", def.ID).Debug("workflow definition registered")
	return nil
}

// GetDefinition returns a registered definition
func (o *Orchestrator) GetDefinition(workflowID string) (*types.WorkflowDefinition, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	def, ok := o.definitions[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cerrors.ErrDefinitionNotFound, workflowID)
	}
	return def, nil
}

// ListDefinitions returns registered definitions sorted by id
func (o *Orchestrator) ListDefinitions() []*types.WorkflowDefinition {
	o.mu.Lock()
	defer o.mu.Unlock()

	defs := make([]*types.WorkflowDefinition, 0, len(o.definitions))
	for _, def := range o.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

func stepIndexOf(def *types.WorkflowDefinition, stepID string) int {
	for i, step := range def.Steps {
		if step.ID == stepID {
			return i
		}
	}
	return -1
}
