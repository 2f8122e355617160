package main

import (
	"context"
	"errors"
	"testing"

	"livereload/internal/logging"

	"github.com/google/go-cmp/cmp"
)

func TestShutdownCoordinatorRunsInOrder(t *testing.T) {
	coordinator := newShutdownCoordinator(nil)
	order := []string{}

	coordinator.Add("pipeline", func(context.Context) error {
		order = append(order, "pipeline")
		return nil
	})
	coordinator.Add("hub", func(context.Context) error {
		order = append(order, "hub")
		return errors.New("fail")
	})
	coordinator.Add("http", func(context.Context) error {
		order = append(order, "http")
		return nil
	})

	err := coordinator.Run(context.Background())
	if err == nil {
		t.Fatalf("expected shutdown error")
	}

	if diff := cmp.Diff([]string{"pipeline", "hub", "http"}, order); diff != "" {
		t.Fatalf("unexpected phase order (-want +got):\n%s", diff)
	}
}

func TestShutdownCoordinatorRunsOnce(t *testing.T) {
	logger := logging.NewLogger(logging.NewLogBuffer(10), logging.LevelDebug)
	coordinator := newShutdownCoordinator(logger)
	calls := 0
	coordinator.Add("pipeline", func(context.Context) error {
		calls++
		return nil
	})
	coordinator.Add("skipped", nil)

	_ = coordinator.Run(context.Background())
	_ = coordinator.Run(context.Background())
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}

	var messages []string
	for _, entry := range logger.Buffer().List() {
		messages = append(messages, entry.Message)
	}
	if diff := cmp.Diff([]string{"shutdown phase starting", "shutdown phase complete"}, messages); diff != "" {
		t.Fatalf("unexpected log messages (-want +got):\n%s", diff)
	}
}

func TestShutdownCoordinatorJoinsErrors(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	coordinator := newShutdownCoordinator(nil)
	coordinator.Add("a", func(context.Context) error { return first })
	coordinator.Add("b", func(context.Context) error { return second })

	err := coordinator.Run(context.Background())
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("expected both errors joined, got %v", err)
	}
}
