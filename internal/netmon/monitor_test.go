package netmon

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// transitionRecorder collects change-callback invocations.
type transitionRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *transitionRecorder) record(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, online)
}

func (r *transitionRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func TestMonitor_StartsOffline(t *testing.T) {
	m := New(func(context.Context) bool { return true }, time.Second, nil, testLogger())
	if m.Online() {
		t.Error("Online() = true before first probe, want false")
	}
}

func TestSetOnline_FiresOncePerTransition(t *testing.T) {
	rec := &transitionRecorder{}
	m := New(nil, time.Second, rec.record, testLogger())

	m.SetOnline(true)
	m.SetOnline(true) // no transition
	m.SetOnline(false)
	m.SetOnline(false) // no transition
	m.SetOnline(true)

	want := []bool{true, false, true}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSetOnline_NilCallback(t *testing.T) {
	m := New(nil, time.Second, nil, testLogger())
	m.SetOnline(true) // must not panic
	if !m.Online() {
		t.Error("Online() = false, want true")
	}
}

func TestWatch_ProbesImmediately(t *testing.T) {
	probed := make(chan struct{})
	var once sync.Once
	m := New(func(context.Context) bool {
		once.Do(func() { close(probed) })
		return true
	}, time.Hour, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("probe was not called promptly after Watch")
	}
	if !m.Online() {
		t.Error("Online() = false after successful probe, want true")
	}
}

func TestWatch_DetectsRecovery(t *testing.T) {
	var mu sync.Mutex
	reachable := false

	rec := &transitionRecorder{}
	m := New(func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		return reachable
	}, 10*time.Millisecond, rec.record, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	reachable = true
	mu.Unlock()

	deadline := time.After(2 * time.Second)
	for !m.Online() {
		select {
		case <-deadline:
			t.Fatal("monitor never observed recovery")
		case <-time.After(5 * time.Millisecond):
		}
	}

	events := rec.snapshot()
	if len(events) != 1 || !events[0] {
		t.Errorf("events = %v, want exactly one online transition", events)
	}
}

func TestWatch_StopsOnCancel(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := New(func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return true
	}, 5*time.Millisecond, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}

	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	final := calls
	mu.Unlock()
	if final != after {
		t.Errorf("probe ran %d more times after Watch returned", final-after)
	}
}
