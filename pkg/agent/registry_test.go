package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rizome-dev/conductor/pkg/types"
)

func echoHandler() HandlerFuncs {
	return HandlerFuncs{
		ProcessFunc: func(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error) {
			return task.Input.Data, nil
		},
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()

	config := types.AgentConfig{ID: "a1", Type: "writer", Enabled: true, MaxConcurrentTasks: 2}
	if err := registry.Register(echoHandler(), config); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	handler, err := registry.GetHandler("writer")
	if err != nil {
		t.Fatalf("GetHandler() error = %v", err)
	}
	if handler == nil {
		t.Fatal("Expected handler")
	}

	got, err := registry.GetConfig("writer")
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if got.MaxConcurrentTasks != 2 {
		t.Errorf("Expected max concurrent tasks 2, got %d", got.MaxConcurrentTasks)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	registry := NewRegistry()

	if _, err := registry.GetHandler("missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
	if _, err := registry.GetConfig("missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestRegistryLastWriteWins(t *testing.T) {
	registry := NewRegistry()

	registry.Register(echoHandler(), types.AgentConfig{Type: "writer", TimeoutMs: 100})
	registry.Register(echoHandler(), types.AgentConfig{Type: "writer", TimeoutMs: 200})

	config, _ := registry.GetConfig("writer")
	if config.TimeoutMs != 200 {
		t.Errorf("Expected the second registration to win, got timeout %d", config.TimeoutMs)
	}

	if got := registry.Types(); len(got) != 1 {
		t.Errorf("Expected 1 registered type, got %v", got)
	}
}

func TestRegistryRejectsInvalid(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register(nil, types.AgentConfig{Type: "x"}); err == nil {
		t.Error("Expected error for nil handler")
	}
	if err := registry.Register(echoHandler(), types.AgentConfig{}); err == nil {
		t.Error("Expected error for empty type")
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		registry.Register(echoHandler(), types.AgentConfig{Type: name})
	}

	got := registry.Types()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestHandlerFuncsDefaults(t *testing.T) {
	h := echoHandler()

	if !h.Validate(nil) {
		t.Error("Nil ValidateFunc should accept everything")
	}
	if h.EstimateProcessingTime(nil) != 0 {
		t.Error("Nil EstimateFunc should estimate zero")
	}

	h.EstimateFunc = func(map[string]interface{}) time.Duration { return time.Second }
	if h.EstimateProcessingTime(nil) != time.Second {
		t.Error("EstimateFunc should be used when set")
	}
}

func TestRequireKeys(t *testing.T) {
	validate := RequireKeys("text", "lang")

	if validate(map[string]interface{}{"text": "hi"}) {
		t.Error("Expected missing key to fail validation")
	}
	if !validate(map[string]interface{}{"text": "hi", "lang": "en"}) {
		t.Error("Expected complete input to pass validation")
	}
	if !RequireKeys()(nil) {
		t.Error("No required keys should accept nil input")
	}
}
