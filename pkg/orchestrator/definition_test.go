package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

const articleYAML = `
id: article
name: Write and review an article
errorHandling: continue
steps:
  - id: write
    agentType: writer
    inputMapping:
      topic: topic
    outputMapping:
      draft: text
    timeoutMs: 60000
  - id: review
    agentType: reviewer
    humanReviewRequired: true
    conditions:
      - field: review.skip
        operator: equals
        value: true
`

const articleJSON = `{
  "id": "article-json",
  "steps": [{"id": "write", "agentType": "writer"}]
}`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(articleYAML))
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	if def.ID != "article" || len(def.Steps) != 2 {
		t.Fatalf("Unexpected definition: %+v", def)
	}
	if def.ErrorHandling != types.ErrorPolicyContinue {
		t.Errorf("Expected continue, got %s", def.ErrorHandling)
	}
	if def.Steps[0].OutputMapping["draft"] != "text" || def.Steps[0].TimeoutMs != 60000 {
		t.Errorf("Unexpected write step: %+v", def.Steps[0])
	}
	review := def.Steps[1]
	if !review.HumanReviewRequired || len(review.Conditions) != 1 {
		t.Fatalf("Unexpected review step: %+v", review)
	}
	if review.Conditions[0].Action != types.ActionSkip {
		t.Errorf("Expected condition action to default to skip, got %q", review.Conditions[0].Action)
	}
	if review.Conditions[0].Value != true {
		t.Errorf("Expected boolean condition value, got %v", review.Conditions[0].Value)
	}

	def, err = ParseDefinition([]byte(articleJSON))
	if err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if def.ErrorHandling != types.ErrorPolicyStop {
		t.Errorf("Expected default policy stop, got %s", def.ErrorHandling)
	}
}

func TestNormalizeDefinition(t *testing.T) {
	step := func(id, agentType string) types.WorkflowStep {
		return types.WorkflowStep{ID: id, AgentType: agentType}
	}

	tests := []struct {
		name      string
		def       *types.WorkflowDefinition
		wantError bool
	}{
		{"valid", &types.WorkflowDefinition{ID: "wf", Steps: []types.WorkflowStep{step("a", "writer")}}, false},
		{"nil", nil, true},
		{"missing id", &types.WorkflowDefinition{Steps: []types.WorkflowStep{step("a", "writer")}}, true},
		{"no steps", &types.WorkflowDefinition{ID: "wf"}, true},
		{"step without id", &types.WorkflowDefinition{ID: "wf", Steps: []types.WorkflowStep{step("", "writer")}}, true},
		{"duplicate step", &types.WorkflowDefinition{ID: "wf", Steps: []types.WorkflowStep{step("a", "writer"), step("a", "reviewer")}}, true},
		{"step without agent", &types.WorkflowDefinition{ID: "wf", Steps: []types.WorkflowStep{step("a", "")}}, true},
		{"unknown policy", &types.WorkflowDefinition{ID: "wf", ErrorHandling: "retry", Steps: []types.WorkflowStep{step("a", "writer")}}, true},
		{"negative timeout", &types.WorkflowDefinition{ID: "wf", Steps: []types.WorkflowStep{{ID: "a", AgentType: "writer", TimeoutMs: -1}}}, true},
		{"unknown operator", &types.WorkflowDefinition{ID: "wf", Steps: []types.WorkflowStep{{
			ID: "a", AgentType: "writer",
			Conditions: []types.StepCondition{{Field: "x", Operator: "like"}},
		}}}, true},
		{"unknown action", &types.WorkflowDefinition{ID: "wf", Steps: []types.WorkflowStep{{
			ID: "a", AgentType: "writer",
			Conditions: []types.StepCondition{{Field: "x", Operator: types.OperatorEquals, Action: "abort"}},
		}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeDefinition(tt.def)
			if (err != nil) != tt.wantError {
				t.Fatalf("NormalizeDefinition() error = %v, wantError %v", err, tt.wantError)
			}
			if err != nil && !errors.Is(err, cerrors.ErrInvalidDefinition) {
				t.Errorf("Expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestNormalizeDefinitionCopies(t *testing.T) {
	def := &types.WorkflowDefinition{
		ID: "wf",
		Steps: []types.WorkflowStep{{
			ID: "a", AgentType: "writer",
			Conditions: []types.StepCondition{{Field: "x", Operator: types.OperatorEquals}},
		}},
	}
	out, err := NormalizeDefinition(def)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if def.ErrorHandling != "" || def.Steps[0].Conditions[0].Action != "" {
		t.Error("Normalization must not modify its argument")
	}
	out.Steps[0].ID = "changed"
	if def.Steps[0].ID != "a" {
		t.Error("Normalized copy must not share steps with the argument")
	}
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"article.yaml": articleYAML,
		"short.json":   articleJSON,
		"README.md":    "not a workflow",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.yaml"), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	defs, err := LoadDefinitions(dir)
	if err != nil {
		t.Fatalf("Failed to load definitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("Expected 2 definitions, got %d", len(defs))
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("id: broken\nsteps: []\n"), 0644); err != nil {
		t.Fatalf("Failed to write broken.yml: %v", err)
	}
	if _, err := LoadDefinitions(dir); !errors.Is(err, cerrors.ErrInvalidDefinition) {
		t.Errorf("Expected ErrInvalidDefinition for broken file, got %v", err)
	}

	if _, err := LoadDefinitions(filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestRegisterDefinition(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	if err := o.RegisterDefinition(&types.WorkflowDefinition{ID: "bad"}); !errors.Is(err, cerrors.ErrInvalidDefinition) {
		t.Errorf("Expected ErrInvalidDefinition, got %v", err)
	}

	for _, id := range []string{"b", "a"} {
		def := &types.WorkflowDefinition{ID: id, Steps: []types.WorkflowStep{{ID: "s", AgentType: "writer"}}}
		if err := o.RegisterDefinition(def); err != nil {
			t.Fatalf("Failed to register %s: %v", id, err)
		}
	}

	defs := o.ListDefinitions()
	if len(defs) != 2 || defs[0].ID != "a" || defs[1].ID != "b" {
		t.Errorf("Expected sorted definitions, got %+v", defs)
	}
	if def, err := o.GetDefinition("a"); err != nil || def.ErrorHandling != types.ErrorPolicyStop {
		t.Errorf("Expected normalized definition, got %+v (%v)", def, err)
	}
	if _, err := o.GetDefinition("missing"); !errors.Is(err, cerrors.ErrDefinitionNotFound) {
		t.Errorf("Expected ErrDefinitionNotFound, got %v", err)
	}
}
