package ejprocess

import (
	"context"
	"testing"
	"time"
)

func drain(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, e)
			if e.Kind == Ended {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got so far: %+v", got)
		}
	}
}

func TestRunEchoSucceeds(t *testing.T) {
	r := &Runner{Path: "echo", Args: []string{"hello", "world"}}
	events := make(chan Event, 16)
	stop := &StopFlag{}

	if err := r.Run(context.Background(), events, stop); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(events)

	got := drain(t, events, 2*time.Second)
	if len(got) == 0 || got[0].Kind != Created {
		t.Fatalf("expected first event Created, got %+v", got)
	}
	last := got[len(got)-1]
	if last.Kind != Ended || !last.Success {
		t.Fatalf("expected Ended{Success:true} last, got %+v", last)
	}

	var sawLine bool
	for _, e := range got {
		if e.Kind == OutputLine && e.Line == "hello world" {
			sawLine = true
		}
	}
	if !sawLine {
		t.Fatalf("expected output line %q among %+v", "hello world", got)
	}
}

func TestRunNonexistentBinaryFails(t *testing.T) {
	r := &Runner{Path: "/no/such/binary-ej-test"}
	events := make(chan Event, 4)
	stop := &StopFlag{}

	err := r.Run(context.Background(), events, stop)
	if err == nil {
		t.Fatalf("expected error for nonexistent binary")
	}

	e := <-events
	if e.Kind != CreationFailed {
		t.Fatalf("expected CreationFailed, got %+v", e)
	}
}

func TestRunStopFlagKillsStubbornChild(t *testing.T) {
	// sleep ignores the stop flag by construction (it isn't cooperative);
	// the runner must still terminate it via the process group within
	// bounded time once Set() is observed.
	r := &Runner{Path: "sleep", Args: []string{"30"}}
	events := make(chan Event, 16)
	stop := &StopFlag{}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), events, stop) }()

	time.Sleep(100 * time.Millisecond)
	stop.Set()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after stop flag set")
	}
}
