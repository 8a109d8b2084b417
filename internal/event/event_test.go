package event

import (
	"testing"
	"time"
)

func TestKindStrings(t *testing.T) {
	kinds := []Kind{Spawned, SpawnFailed, Exited, ProbeHealthy, ProbeUnhealthy, RestartDue, GraceExpired, KillExpired, ShutdownRequested}
	seen := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		s := k.String()
		if s == "" || s == "unknown" {
			t.Fatalf("kind %d has no name", k)
		}
		if seen[s] {
			t.Fatalf("duplicate kind name %q", s)
		}
		seen[s] = true
	}
	if Kind(99).String() != "unknown" {
		t.Fatal("out-of-range kind should stringify as unknown")
	}
}

func TestPublishPreservesOrderAndStampsTime(t *testing.T) {
	b := NewBus(8)
	before := time.Now()
	b.Publish(Event{Kind: Spawned, Service: "a", PID: 1})
	b.Publish(Event{Kind: Exited, Service: "a", PID: 1})

	ev := <-b.Events()
	if ev.Kind != Spawned {
		t.Fatalf("order not preserved, got %v first", ev.Kind)
	}
	if ev.At.Before(before) || ev.At.IsZero() {
		t.Fatalf("At not stamped: %v", ev.At)
	}
	ev = <-b.Events()
	if ev.Kind != Exited {
		t.Fatalf("order not preserved, got %v second", ev.Kind)
	}
}

func TestPublishKeepsExplicitTimestamp(t *testing.T) {
	b := NewBus(1)
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(Event{Kind: Spawned, At: at})
	if ev := <-b.Events(); !ev.At.Equal(at) {
		t.Fatalf("explicit At overwritten: %v", ev.At)
	}
}

func TestZeroBufferUsesDefault(t *testing.T) {
	b := NewBus(0)
	if cap(b.ch) != DefaultBuffer {
		t.Fatalf("cap = %d, want %d", cap(b.ch), DefaultBuffer)
	}
}
