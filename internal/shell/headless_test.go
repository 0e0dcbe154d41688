package shell

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHeadlessReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewHeadless().Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("headless host did not return after cancel")
	}
}

func TestHeadlessExitWithBackend(t *testing.T) {
	backendDone := make(chan struct{})
	host := NewHeadless(ExitWithBackend(backendDone))
	close(backendDone)

	if err := host.Run(context.Background()); !errors.Is(err, ErrBackendExited) {
		t.Fatalf("expected ErrBackendExited, got %v", err)
	}
}
