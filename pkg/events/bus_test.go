package events

import (
	"sync"
	"testing"

	"github.com/rizome-dev/conductor/pkg/types"
)

func event(t types.EventType) *types.Event {
	return &types.Event{ID: "e1", Type: t, Source: "test", Data: map[string]interface{}{}}
}

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []int

	bus.On(types.EventTypeTaskQueued, func(*types.Event) { order = append(order, 1) })
	bus.On(types.EventTypeTaskQueued, func(*types.Event) { order = append(order, 2) })
	bus.OnAll(func(*types.Event) { order = append(order, 3) })
	bus.On(types.EventTypeTaskStarted, func(*types.Event) { order = append(order, 99) })

	bus.Emit(event(types.EventTypeTaskQueued))

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestEmitIsSynchronous(t *testing.T) {
	bus := NewBus(nil)
	delivered := false
	bus.On(types.EventTypeTaskCompleted, func(*types.Event) { delivered = true })

	bus.Emit(event(types.EventTypeTaskCompleted))

	if !delivered {
		t.Error("Listener should have run before Emit returned")
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	bus := NewBus(nil)
	second := false
	wildcard := false

	bus.On(types.EventTypeTaskFailed, func(*types.Event) { panic("boom") })
	bus.On(types.EventTypeTaskFailed, func(*types.Event) { second = true })
	bus.OnAll(func(*types.Event) { wildcard = true })

	bus.Emit(event(types.EventTypeTaskFailed))

	if !second || !wildcard {
		t.Errorf("Listeners after a panic should still run: second=%v wildcard=%v", second, wildcard)
	}
}

func TestOff(t *testing.T) {
	bus := NewBus(nil)
	calls := 0

	sub := bus.On(types.EventTypeTaskQueued, func(*types.Event) { calls++ })
	all := bus.OnAll(func(*types.Event) { calls++ })

	bus.Emit(event(types.EventTypeTaskQueued))
	if calls != 2 {
		t.Fatalf("Expected 2 calls, got %d", calls)
	}

	bus.Off(sub)
	bus.Off(all)
	bus.Off(Subscription{id: 12345})

	bus.Emit(event(types.EventTypeTaskQueued))
	if calls != 2 {
		t.Errorf("Expected no calls after Off, got %d", calls)
	}

	if n := bus.ListenerCount(types.EventTypeTaskQueued); n != 0 {
		t.Errorf("Expected 0 listeners, got %d", n)
	}
}

func TestOffDuringEmit(t *testing.T) {
	bus := NewBus(nil)
	var sub Subscription
	calls := 0

	sub = bus.On(types.EventTypeTaskQueued, func(*types.Event) {
		calls++
		bus.Off(sub)
	})

	bus.Emit(event(types.EventTypeTaskQueued))
	bus.Emit(event(types.EventTypeTaskQueued))

	if calls != 1 {
		t.Errorf("Expected listener to unsubscribe itself after one call, got %d", calls)
	}
}

func TestConcurrentEmit(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	count := 0
	bus.OnAll(func(*types.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(event(types.EventTypeTaskStarted))
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("Expected 50 deliveries, got %d", count)
	}
}
