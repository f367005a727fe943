package state

import (
	"context"
	"testing"

	"github.com/rizome-dev/conductor/pkg/types"
)

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Initialize(ctx); err != nil {
		t.Errorf("Initialize failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
	if err := store.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestMemoryStore_EventDataIsCopied(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	event := newEvent("ev-1")
	if err := store.RecordEvent(ctx, event); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}
	event.Data["taskId"] = "changed"

	events, _ := store.GetEvents(ctx, types.EventFilter{})
	if events[0].Data["taskId"] != "t1" {
		t.Errorf("Expected stored data to be isolated, got %v", events[0].Data["taskId"])
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		config    Config
		wantError bool
	}{
		{name: "default is memory", config: Config{}},
		{name: "memory", config: Config{Type: "memory"}},
		{name: "badger", config: Config{Type: "badger", Path: t.TempDir()}},
		{name: "badger without path", config: Config{Type: "badger"}, wantError: true},
		{name: "postgres without url", config: Config{Type: "postgres"}, wantError: true},
		{name: "unknown", config: Config{Type: "etcd"}, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(ctx, tt.config)
			if (err != nil) != tt.wantError {
				t.Fatalf("New() error = %v, wantError %v", err, tt.wantError)
			}
			if store != nil {
				store.Close(ctx)
			}
		})
	}
}
