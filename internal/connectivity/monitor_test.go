package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

func TestManualMonitor_EmitsTransitionsOnly(t *testing.T) {
	m := NewManualMonitor(false)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Set(false) // no change
	m.Set(true)
	m.Set(true) // no change
	m.Set(false)

	if ev := receive(t, events); !ev.Connected {
		t.Error("Expected connected event first")
	}
	if ev := receive(t, events); ev.Connected {
		t.Error("Expected disconnected event second")
	}
	select {
	case ev := <-events:
		t.Errorf("Unexpected extra event %+v", ev)
	default:
	}
	if m.IsConnected() {
		t.Error("Expected monitor to be disconnected")
	}
}

func TestManualMonitor_Unsubscribe(t *testing.T) {
	m := NewManualMonitor(false)
	events, unsubscribe := m.Subscribe()
	unsubscribe()
	unsubscribe() // safe to call twice

	m.Set(true)
	if _, ok := <-events; ok {
		t.Error("Expected closed channel after unsubscribe")
	}
}

func TestManualMonitor_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManualMonitor(false)
	_, unsubscribe := m.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.Set(i%2 == 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked on a subscriber that never reads")
	}
}

func TestProbeMonitor_Check(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Expected HEAD, got %s", r.Method)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	p := NewProbeMonitor(server.URL, time.Second)
	events, unsubscribe := p.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	if p.IsConnected() {
		t.Error("Expected probe to start disconnected")
	}
	if !p.Check(ctx) || !receive(t, events).Connected {
		t.Fatal("Expected connected after a 200")
	}

	status.Store(http.StatusNotFound)
	if !p.Check(ctx) {
		t.Error("Expected a 4xx answer to count as reachable")
	}

	status.Store(http.StatusServiceUnavailable)
	if p.Check(ctx) || receive(t, events).Connected {
		t.Error("Expected disconnected after a 503")
	}

	server.Close()
	if p.Check(ctx) {
		t.Error("Expected disconnected when the server is gone")
	}
}

func TestProbeMonitor_RunStopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	p := NewProbeMonitor(server.URL, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !p.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !p.IsConnected() {
		t.Error("Expected Run to connect")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
