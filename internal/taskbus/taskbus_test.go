package taskbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSink struct {
	mu        sync.Mutex
	delivered [][]byte
	refuse    bool
}

func (f *fakeSink) Deliver(fd int64, payload []byte) bool {
	if f.refuse {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, payload)
	return true
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func TestDispatchDeliversResponse(t *testing.T) {
	sink := &fakeSink{}
	handler := func(_ context.Context, task Task) Result {
		return Result{Status: 200, Data: map[string]string{"echo": task.URI}}
	}
	bus := New(2, 10, handler, sink, zerolog.Nop())
	bus.Start(2)
	defer bus.Stop()

	if _, err := bus.Dispatch(1, "GET", "/ping", nil, InjectedIdentity{}, "corr-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 delivered response, got %d", sink.count())
	}

	var envelope map[string]any
	if err := json.Unmarshal(sink.delivered[0], &envelope); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if envelope["type"] != "api_response" || envelope["correlation_id"] != "corr-1" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	handler := func(_ context.Context, _ Task) Result {
		<-block
		return Result{Status: 200}
	}
	sink := &fakeSink{}
	bus := New(1, 1, handler, sink, zerolog.Nop())
	bus.Start(1)
	defer func() {
		close(block)
		bus.Stop()
	}()

	// Fill the single worker and the single queue slot.
	if _, err := bus.Dispatch(1, "GET", "/a", nil, InjectedIdentity{}, "c1"); err != nil {
		t.Fatalf("unexpected error on first dispatch: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(bus.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := bus.Dispatch(1, "GET", "/b", nil, InjectedIdentity{}, "c2"); err != nil {
		t.Fatalf("unexpected error on second dispatch: %v", err)
	}

	if _, err := bus.Dispatch(1, "GET", "/c", nil, InjectedIdentity{}, "c3"); err == nil {
		t.Fatal("expected error when queue is full")
	}
	if bus.Dropped() != 1 {
		t.Fatalf("expected 1 dropped task, got %d", bus.Dropped())
	}
}

func TestRecoversFromHandlerPanic(t *testing.T) {
	sink := &fakeSink{}
	handler := func(_ context.Context, _ Task) Result {
		panic("boom")
	}
	bus := New(1, 10, handler, sink, zerolog.Nop())
	bus.Start(1)
	defer bus.Stop()

	if _, err := bus.Dispatch(1, "GET", "/panic", nil, InjectedIdentity{}, "corr-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatal("expected a crashed-task response to be delivered")
	}

	var envelope map[string]any
	json.Unmarshal(sink.delivered[0], &envelope)
	if envelope["type"] != "api_error" {
		t.Fatalf("expected api_error envelope after panic, got %+v", envelope)
	}
}
