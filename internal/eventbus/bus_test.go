package eventbus

import (
	"sync"
	"testing"
)

func TestEmitDeliversToAllHandlers(t *testing.T) {
	b := New()
	var got1, got2 []any
	b.On("chat", func(args ...any) { got1 = args })
	b.On("chat", func(args ...any) { got2 = args })

	b.Emit("chat", "hello", 42)

	if len(got1) != 2 || got1[0] != "hello" || got1[1] != 42 {
		t.Fatalf("handler1 got %v", got1)
	}
	if len(got2) != 2 {
		t.Fatalf("handler2 got %v", got2)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.On("ping", func(args ...any) { calls++ })

	b.Emit("ping")
	unsub()
	b.Emit("ping")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	b := New()
	calls := 0
	b.Once("callconnected", func(args ...any) { calls++ })

	b.Emit("callconnected")
	b.Emit("callconnected")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

// TestPanicDoesNotDisturbOtherHandlers ensures one subscriber's panic does
// not prevent other subscribers to the same event from running.
func TestPanicDoesNotDisturbOtherHandlers(t *testing.T) {
	b := New()
	var mu sync.Mutex
	secondRan := false

	b.On("calltimeout", func(args ...any) { panic("boom") })
	b.On("calltimeout", func(args ...any) {
		mu.Lock()
		secondRan = true
		mu.Unlock()
	})

	b.Emit("calltimeout")

	mu.Lock()
	defer mu.Unlock()
	if !secondRan {
		t.Fatal("second handler should still run after the first panics")
	}
}

func TestEmitPreservesRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		b.On("ordered", func(args ...any) { order = append(order, i) })
	}

	b.Emit("ordered")

	for i, v := range order {
		if v != i {
			t.Fatalf("handlers fired out of order: %v", order)
		}
	}
}

func TestOffRemovesAllHandlersForEvent(t *testing.T) {
	b := New()
	calls := 0
	b.On("metricsupdated", func(args ...any) { calls++ })
	b.On("metricsupdated", func(args ...any) { calls++ })

	b.Off("metricsupdated")
	b.Emit("metricsupdated")

	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after Off", calls)
	}
}
