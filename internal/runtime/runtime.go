package runtime

import (
	"context"
	"time"
)

const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "system"
)

// LogEntry is a single line of output produced by a running instance.
type LogEntry struct {
	Message string
	Source  string
	Level   string
}

// SpawnSpec describes the child process to launch.
type SpawnSpec struct {
	Name    string
	Command []string
	Workdir string
	Env     map[string]string

	// StopGrace bounds how long Stop waits after the polite signal before
	// forcing termination.
	StopGrace time.Duration
}

// Instance represents a single running child managed by a runtime adapter.
type Instance interface {
	// PID returns the operating system process identifier.
	PID() int

	// Done is closed once the process has exited and its output has been
	// drained.
	Done() <-chan struct{}

	// Err returns the raw exit error. It is only meaningful after Done is
	// closed.
	Err() error

	// Stop terminates the instance, escalating to a forced kill after the
	// grace period. Implementations should be idempotent and safe to call
	// multiple times.
	Stop(ctx context.Context) error

	// Kill forcibly terminates the instance without a grace period.
	Kill(ctx context.Context) error

	// Logs returns a channel of log lines associated with the instance. The
	// channel is closed once the instance has stopped.
	Logs() <-chan LogEntry
}

// Runtime describes a backend capable of launching child processes.
type Runtime interface {
	// Start launches the child without waiting for it to exit. A returned
	// error means no process was created.
	Start(ctx context.Context, spec SpawnSpec) (Instance, error)
}
