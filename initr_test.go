package initr

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix process semantics")
	}
}

func TestNewRejectsBadSpecs(t *testing.T) {
	if _, err := New([]Spec{{Name: "a"}}); err == nil {
		t.Fatal("spec without command should be rejected")
	}
	if _, err := New([]Spec{
		{Name: "a", Command: "true", StartAfter: []string{"b"}},
		{Name: "b", Command: "true", StartAfter: []string{"a"}},
	}); err == nil {
		t.Fatal("dependency cycle should be rejected")
	}
	if _, err := New([]Spec{{Name: "a", Command: "true", StartAfter: []string{"missing"}}}); err == nil {
		t.Fatal("unknown dependency should be rejected")
	}
}

func TestStartAndShutdownOrder(t *testing.T) {
	s, err := New([]Spec{
		{Name: "db", Command: "true"},
		{Name: "web", Command: "true", StartAfter: []string{"db"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	up := s.StartOrder()
	down := s.ShutdownOrder()
	if up[0] != "db" || up[1] != "web" {
		t.Fatalf("start order: %v", up)
	}
	if down[0] != "web" || down[1] != "db" {
		t.Fatalf("shutdown order: %v", down)
	}
}

func TestFromCommandRunsToCompletion(t *testing.T) {
	requireUnix(t)
	s, err := FromCommand("true")
	if err != nil {
		t.Fatalf("FromCommand: %v", err)
	}
	if code := s.Run(context.Background()); code != ExitOK {
		t.Fatalf("clean one-shot should exit 0, got %d", code)
	}
	st, ok := s.Orchestrator().Status("main")
	if !ok || st.State != "finished" {
		t.Fatalf("want finished main service, got %+v", st)
	}
}

func TestFromCommandPropagatesFailure(t *testing.T) {
	requireUnix(t)
	s, err := FromCommand("sh -c 'exit 7'")
	if err != nil {
		t.Fatalf("FromCommand: %v", err)
	}
	if code := s.Run(context.Background()); code != ExitServicesFailed {
		t.Fatalf("failing one-shot should exit %d, got %d", ExitServicesFailed, code)
	}
	st, _ := s.Orchestrator().Status("main")
	if st.State != "failed" || st.ExitCode != 7 {
		t.Fatalf("want failed with exit code 7, got %+v", st)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	requireUnix(t)
	s, err := New([]Spec{{Name: "daemon", Command: "sleep 30", StopGrace: 2 * time.Second}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.Orchestrator().Status("daemon"); ok && st.State == "running" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancelled := time.Now()
	cancel()

	select {
	case code := <-done:
		if code != ExitOK {
			t.Fatalf("graceful stop should exit 0, got %d", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
	// sleep dies on the first SIGTERM; if shutdown rode out the grace
	// period the reap loop was no longer collecting exits.
	if elapsed := time.Since(cancelled); elapsed >= 2*time.Second {
		t.Fatalf("shutdown took %v, exit was not reaped promptly", elapsed)
	}
	st, _ := s.Orchestrator().Status("daemon")
	if st.State != "stopped" {
		t.Fatalf("want stopped, got %+v", st)
	}
}

func TestNewHistorySinkDSN(t *testing.T) {
	sink, err := NewHistorySink(":memory:")
	if err != nil {
		t.Fatalf("NewHistorySink: %v", err)
	}
	_ = sink.Close()
	if _, err := NewHistorySink("redis://nope"); err == nil {
		t.Fatal("unsupported DSN should be rejected")
	}
}
