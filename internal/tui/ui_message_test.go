package tui

import (
	"errors"
	"testing"

	"github.com/Paintersrp/sidecar/internal/supervisor"
)

func TestFormatEventMessage(t *testing.T) {
	tests := []struct {
		name string
		evt  supervisor.Event
		want string
	}{
		{
			name: "message only",
			evt:  supervisor.Event{Message: "starting up"},
			want: "starting up",
		},
		{
			name: "error only",
			evt:  supervisor.Event{Err: errors.New("failed to connect")},
			want: "failed to connect",
		},
		{
			name: "message and error",
			evt:  supervisor.Event{Message: "Failed to start backend", Err: errors.New("exit status 1")},
			want: "Failed to start backend: exit status 1",
		},
		{
			name: "error already in message",
			evt:  supervisor.Event{Message: "backend exited unexpectedly (exit status 1)", Err: errors.New("exit status 1")},
			want: "backend exited unexpectedly (exit status 1)",
		},
		{
			name: "message and reason",
			evt:  supervisor.Event{Message: "probe failed", Reason: supervisor.ReasonProbeUnready},
			want: "probe failed (probe_unready)",
		},
		{
			name: "reason only",
			evt:  supervisor.Event{Reason: supervisor.ReasonReadyTimeout},
			want: "ready_timeout",
		},
		{
			name: "message, error, and reason",
			evt:  supervisor.Event{Message: "crashed", Err: errors.New("signal: 9"), Reason: supervisor.ReasonInstanceCrash},
			want: "crashed: signal: 9 (instance_crash)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEventMessage(tt.evt); got != tt.want {
				t.Fatalf("formatEventMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatState(t *testing.T) {
	if got := formatState(supervisor.EventTypeTimedOut); got != "Timed out" {
		t.Fatalf("unexpected state label: %q", got)
	}
	if got := formatState(""); got != "-" {
		t.Fatalf("unexpected empty state label: %q", got)
	}
}
