// Package shell runs the application host around a supervised backend. The
// backend is started once before the host takes over and is stopped on every
// exit path, including host errors, panics and signal cancellation.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Paintersrp/sidecar/internal/supervisor"
)

// DefaultStopTimeout bounds how long shutdown waits for the backend to exit.
const DefaultStopTimeout = 10 * time.Second

// ErrAlreadyLaunched is returned when Run is invoked more than once.
var ErrAlreadyLaunched = errors.New("shell: already launched")

// Host is the application event loop that runs once the backend has been
// started. Run returns when the host exits.
type Host interface {
	Run(ctx context.Context) error
}

// HostFunc adapts a function to the Host interface.
type HostFunc func(ctx context.Context) error

func (f HostFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Backend is the subset of the supervisor used by the launcher.
type Backend interface {
	StartBackend(ctx context.Context) (*supervisor.Handle, error)
	Stop(ctx context.Context) error
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithRequireBackend makes a failed spawn fatal instead of running the host
// without a backend.
func WithRequireBackend(required bool) Option {
	return func(l *Launcher) {
		l.requireBackend = required
	}
}

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		if d > 0 {
			l.stopTimeout = d
		}
	}
}

// Launcher couples a backend with the host that depends on it.
type Launcher struct {
	backend        Backend
	host           Host
	requireBackend bool
	stopTimeout    time.Duration

	launched atomic.Bool
}

// NewLauncher constructs a launcher for the provided backend and host.
func NewLauncher(backend Backend, host Host, opts ...Option) *Launcher {
	l := &Launcher{
		backend:     backend,
		host:        host,
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Launch is shorthand for NewLauncher(backend, host, opts...).Run(ctx).
func Launch(ctx context.Context, backend Backend, host Host, opts ...Option) error {
	return NewLauncher(backend, host, opts...).Run(ctx)
}

// Run starts the backend, waits for it to become ready or for the readiness
// timeout to elapse, then runs the host. A backend that could not be spawned
// leaves the host running in degraded mode unless WithRequireBackend is set.
// The backend is stopped before Run returns.
func (l *Launcher) Run(ctx context.Context) (err error) {
	if l.backend == nil || l.host == nil {
		return errors.New("shell: backend and host are required")
	}
	if !l.launched.CompareAndSwap(false, true) {
		return ErrAlreadyLaunched
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.stopTimeout)
		defer cancel()
		if stopErr := l.backend.Stop(stopCtx); stopErr != nil && err == nil {
			err = fmt.Errorf("stop backend: %w", stopErr)
		}
	}()

	if _, startErr := l.backend.StartBackend(ctx); startErr != nil {
		switch {
		case errors.Is(startErr, supervisor.ErrPathResolution):
			return startErr
		case errors.Is(startErr, supervisor.ErrLaunchFailed):
			if l.requireBackend {
				return startErr
			}
		case ctx.Err() != nil:
			return nil
		default:
			return startErr
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return l.host.Run(ctx)
}
