package logging_test

import (
	"context"
	"testing"
	"time"

	"relicrace/server/logging"
	"relicrace/server/logging/sinks"
)

func waitEvents(t *testing.T, sink *sinks.MemorySink, n int) []logging.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := sink.Events(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(sink.Events()))
	return nil
}

func TestRouterDeliversToSink(t *testing.T) {
	memory := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}

	router, err := logging.NewRouter(cfg, logging.SystemClock{}, []logging.NamedSink{
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	defer router.Close(context.Background())

	router.Publish(context.Background(), logging.Event{
		Type:     "lifecycle.race_started",
		RaceID:   "race-1",
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
	})

	events := waitEvents(t, memory, 1)
	if events[0].Type != "lifecycle.race_started" || events[0].RaceID != "race-1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].Time.IsZero() {
		t.Fatalf("router must stamp the event time")
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	memory := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	cfg.MinimumSeverity = logging.SeverityWarn

	router, err := logging.NewRouter(cfg, logging.SystemClock{}, []logging.NamedSink{
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	defer router.Close(context.Background())

	router.Publish(context.Background(), logging.Event{Type: "a", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "b", Severity: logging.SeverityError})

	events := waitEvents(t, memory, 1)
	for _, event := range events {
		if event.Type == "a" {
			t.Fatalf("debug event leaked past the severity filter")
		}
	}
}

func TestRouterCloseFlushesQueue(t *testing.T) {
	memory := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}

	router, err := logging.NewRouter(cfg, logging.SystemClock{}, []logging.NamedSink{
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	const published = 25
	for i := 0; i < published; i++ {
		router.Publish(context.Background(), logging.Event{Type: "burst", Severity: logging.SeverityInfo})
	}
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	stats := router.Stats()
	if got := len(memory.Events()) + int(stats.DroppedTotal); got < published {
		t.Fatalf("events lost without drop accounting: delivered=%d dropped=%d", len(memory.Events()), stats.DroppedTotal)
	}
}
