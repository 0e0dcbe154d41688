package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/sidecar/internal/config"
	"github.com/Paintersrp/sidecar/internal/metrics"
	"github.com/Paintersrp/sidecar/internal/pathres"
	"github.com/Paintersrp/sidecar/internal/probe"
	"github.com/Paintersrp/sidecar/internal/runtime"
	"github.com/Paintersrp/sidecar/internal/runtime/process"
)

const (
	defaultEventBuffer = 256
	forcedKillTimeout  = 2 * time.Second
)

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithRuntime overrides the runtime used to launch the backend.
func WithRuntime(rt runtime.Runtime) Option {
	return func(s *Supervisor) {
		if rt != nil {
			s.runtime = rt
		}
	}
}

// WithResolver overrides how the backend working directory is derived from
// the configured offset when no explicit workdir is set.
func WithResolver(fn func(offset string) (string, error)) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.resolve = fn
		}
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithSession sets the session identifier attached to every event.
func WithSession(id string) Option {
	return func(s *Supervisor) {
		if id != "" {
			s.session = id
		}
	}
}

// Handle identifies the running backend process. It is returned by a
// successful spawn regardless of whether the backend became ready.
type Handle struct {
	inst      runtime.Instance
	pid       int
	address   string
	workdir   string
	session   string
	startedAt time.Time
}

func (h *Handle) PID() int { return h.pid }
func (h *Handle) Address() string { return h.address }
func (h *Handle) Workdir() string { return h.workdir }
func (h *Handle) Session() string { return h.session }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the backend process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.inst.Done()
}

// Exited reports whether the backend process has terminated.
func (h *Handle) Exited() bool {
	select {
	case <-h.inst.Done():
		return true
	default:
		return false
	}
}

// ExitErr returns the exit error of the process once it has terminated.
func (h *Handle) ExitErr() error {
	if !h.Exited() {
		return nil
	}
	return h.inst.Err()
}

// Supervisor owns the lifecycle of a single backend process. StartBackend
// may succeed at most once per Supervisor; Stop terminates whatever was
// started and is safe to call at any point.
type Supervisor struct {
	spec       *config.BackendSpec
	runtime    runtime.Runtime
	resolve    func(string) (string, error)
	session    string
	bufferSize int
	now        func() time.Time

	started atomic.Bool
	dropped atomic.Int64

	evMu     sync.Mutex
	events   chan Event
	evClosed bool

	mu       sync.Mutex
	state    State
	handle   *Handle
	stopping bool

	// settled is closed once StartBackend has finished waiting for
	// readiness, so exit events always follow the readiness outcome.
	settled chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
	stopErr  error
}

// New constructs a supervisor for the provided backend specification. A nil
// spec selects the built-in defaults.
func New(spec *config.BackendSpec, opts ...Option) *Supervisor {
	if spec == nil {
		spec = config.Default()
	} else {
		spec = spec.Clone()
		spec.ApplyDefaults()
	}

	s := &Supervisor{
		spec:       spec,
		runtime:    process.New(),
		resolve:    pathres.ResolveBackendRoot,
		session:    uuid.NewString(),
		bufferSize: defaultEventBuffer,
		now:        time.Now,
		state:      StateIdle,
		settled:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.events = make(chan Event, s.bufferSize)
	metrics.SetBackendState(spec.Name, string(StateIdle), knownStates)
	return s
}

// Spec returns a copy of the effective backend specification.
func (s *Supervisor) Spec() *config.BackendSpec {
	return s.spec.Clone()
}

// Session returns the identifier attached to this supervisor's events.
func (s *Supervisor) Session() string {
	return s.session
}

// State returns the current readiness state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the running backend handle, or nil when nothing was spawned.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Events exposes lifecycle and log notifications. The channel is closed once
// the supervisor has nothing further to report.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Done is closed when the backend has exited, failed to spawn, or the
// supervisor was stopped before spawning.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Dropped reports how many events were discarded because the consumer fell
// behind.
func (s *Supervisor) Dropped() int64 {
	return s.dropped.Load()
}

// StartBackend resolves the backend working directory, spawns the backend
// process and waits up to the configured ready timeout for it to accept
// requests.
//
// A nil error with a non-nil handle means the process was created; State
// tells whether it became ready or the wait timed out. A *SpawnError means no
// process exists. When ctx is cancelled during the readiness wait the handle
// is still returned together with ctx.Err(); the caller remains responsible
// for calling Stop.
func (s *Supervisor) StartBackend(ctx context.Context) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		s.finish()
		return nil, ErrStopped
	}

	if err := s.spec.Validate(); err != nil {
		s.finish()
		return nil, fmt.Errorf("backend spec: %w", err)
	}
	prober, err := probe.New(s.spec.Readiness)
	if err != nil {
		s.finish()
		return nil, fmt.Errorf("backend readiness: %w", err)
	}

	name := s.spec.Name
	workdir, err := s.workdir()
	if err != nil {
		return nil, s.fail(KindPathResolution, err)
	}

	s.emit(Event{
		Type:    EventTypeStarting,
		Level:   "info",
		Message: fmt.Sprintf("Starting %s from: %s", name, workdir),
		Reason:  ReasonInitialStart,
	})

	if err := ctx.Err(); err != nil {
		return nil, s.cancelled(err)
	}
	inst, err := s.runtime.Start(ctx, runtime.SpawnSpec{
		Name:      name,
		Command:   Command(s.spec),
		Workdir:   workdir,
		Env:       s.spec.Env,
		StopGrace: s.spec.ShutdownGrace.Duration,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, s.cancelled(ctxErr)
		}
		return nil, s.fail(KindLaunchFailed, err)
	}

	handle := &Handle{
		inst:      inst,
		pid:       inst.PID(),
		address:   s.spec.Address(),
		workdir:   workdir,
		session:   s.session,
		startedAt: s.now(),
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		killCtx, cancel := context.WithTimeout(context.Background(), forcedKillTimeout)
		defer cancel()
		_ = inst.Kill(killCtx)
		s.finish()
		return nil, ErrStopped
	}
	s.handle = handle
	s.mu.Unlock()

	s.transition(StateStarting)
	metrics.IncrementSpawn(name, "started")
	s.emit(Event{
		Type:    EventTypeSpawned,
		PID:     handle.pid,
		Level:   "info",
		Message: fmt.Sprintf("%s started (pid %d)", name, handle.pid),
	})

	go s.monitor(handle)

	state, err := s.awaitReady(ctx, handle, prober)
	close(s.settled)
	metrics.ObserveReadyWait(name, string(state), s.now().Sub(handle.startedAt))
	return handle, err
}

// Stop terminates the backend if one was spawned and waits for it to exit.
// Only the first call has an effect; later calls return the same result.
func (s *Supervisor) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		handle := s.handle
		s.mu.Unlock()

		if handle == nil {
			// A StartBackend already in flight observes stopping and closes
			// the supervisor itself, killing any child it manages to spawn.
			if !s.started.Load() {
				s.finish()
			}
			return
		}

		if !handle.Exited() {
			s.emit(Event{
				Type:    EventTypeStopping,
				PID:     handle.pid,
				Level:   "info",
				Message: fmt.Sprintf("Stopping %s (pid %d)", s.spec.Name, handle.pid),
				Reason:  ReasonSupervisorStop,
			})
			if err := handle.inst.Stop(ctx); err != nil {
				s.stopErr = fmt.Errorf("stop %s: %w", s.spec.Name, err)
				s.emit(Event{
					Type:    EventTypeError,
					PID:     handle.pid,
					Level:   "error",
					Message: fmt.Sprintf("stop %s: %v", s.spec.Name, err),
					Err:     err,
					Reason:  ReasonStopFailed,
				})
				killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forcedKillTimeout)
				_ = handle.inst.Kill(killCtx)
				cancel()
			}
		}

		select {
		case <-s.done:
		case <-ctx.Done():
			if s.stopErr == nil {
				s.stopErr = ctx.Err()
			}
		}
	})
	return s.stopErr
}

func (s *Supervisor) workdir() (string, error) {
	if s.spec.Workdir != "" {
		return s.spec.Workdir, nil
	}
	return s.resolve(s.spec.WorkdirOffset)
}

func (s *Supervisor) fail(kind ErrorKind, err error) error {
	serr := &SpawnError{Kind: kind, Err: err}
	name := s.spec.Name

	s.transition(StateSpawnFailed)
	metrics.IncrementSpawn(name, "failed")

	reason := ReasonStartFailure
	if kind == KindPathResolution {
		reason = ReasonPathResolution
	}
	s.emit(Event{
		Type:    EventTypeFailed,
		Level:   "error",
		Message: fmt.Sprintf("Failed to start %s", name),
		Err:     err,
		Reason:  reason,
	})
	if kind == KindLaunchFailed {
		s.emit(Event{
			Type:    EventTypeFailed,
			Level:   "error",
			Message: fmt.Sprintf("Make sure %s and the backend dependencies are installed", s.spec.Runtime),
			Reason:  ReasonInstallHint,
		})
	}
	s.finish()
	return serr
}

// cancelled ends a start that was abandoned before any process existed. The
// state stays Idle and no install hint is emitted.
func (s *Supervisor) cancelled(err error) error {
	s.emit(Event{
		Type:    EventTypeStopped,
		Level:   "warn",
		Message: fmt.Sprintf("start of %s cancelled: %v", s.spec.Name, err),
		Err:     err,
		Reason:  ReasonStartupCancelled,
	})
	s.finish()
	return err
}

func (s *Supervisor) awaitReady(ctx context.Context, handle *Handle, prober probe.Prober) (State, error) {
	timeout := s.spec.ReadyTimeout.Duration
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	updates := probe.Watch(waitCtx, prober, s.spec.Readiness, s.now)
	lastReason := ""

	for {
		select {
		case evt, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			switch evt.Status {
			case probe.StatusReady:
				s.transition(StateReady)
				metrics.SetBackendReady(s.spec.Name, true)
				s.emit(Event{
					Type:    EventTypeReady,
					PID:     handle.pid,
					Level:   "info",
					Message: fmt.Sprintf("%s ready at %s", s.spec.Name, handle.address),
					Reason:  ReasonProbeReady,
				})
				return StateReady, nil
			case probe.StatusUnready:
				lastReason = evt.Reason
				s.emit(Event{
					Type:    EventTypeUnready,
					PID:     handle.pid,
					Level:   "debug",
					Message: fmt.Sprintf("waiting for %s (attempt %d): %s", s.spec.Name, evt.Attempts, evt.Reason),
					Err:     evt.Err,
					Reason:  ReasonProbeUnready,
				})
			}
		case <-handle.Done():
			s.timedOut(handle, ReasonExitBeforeReady,
				fmt.Sprintf("%s exited before becoming ready (%s)", s.spec.Name, describeExit(handle.inst.Err())))
			return StateTimedOut, nil
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				s.timedOut(handle, ReasonStartupCancelled,
					fmt.Sprintf("stopped waiting for %s: %v", s.spec.Name, err))
				return StateTimedOut, err
			}
			msg := fmt.Sprintf("%s not ready after %s; continuing without it", s.spec.Name, timeout)
			if lastReason != "" {
				msg = fmt.Sprintf("%s (last probe: %s)", msg, lastReason)
			}
			s.timedOut(handle, ReasonReadyTimeout, msg)
			return StateTimedOut, nil
		}
	}
}

func (s *Supervisor) timedOut(handle *Handle, reason, msg string) {
	s.transition(StateTimedOut)
	s.emit(Event{
		Type:    EventTypeTimedOut,
		PID:     handle.pid,
		Level:   "warn",
		Message: msg,
		Reason:  reason,
	})
}

func (s *Supervisor) monitor(handle *Handle) {
	for entry := range handle.inst.Logs() {
		s.emit(Event{
			Type:    EventTypeLog,
			PID:     handle.pid,
			Message: entry.Message,
			Level:   entry.Level,
			Source:  entry.Source,
		})
	}
	<-handle.inst.Done()
	<-s.settled
	err := handle.inst.Err()

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	name := s.spec.Name
	metrics.SetBackendReady(name, false)
	if stopping {
		metrics.IncrementExit(name, "stopped")
		s.emit(Event{
			Type:    EventTypeStopped,
			PID:     handle.pid,
			Level:   "info",
			Message: fmt.Sprintf("%s stopped", name),
			Err:     err,
			Reason:  ReasonSupervisorStop,
		})
	} else {
		metrics.IncrementExit(name, "crashed")
		s.emit(Event{
			Type:    EventTypeCrashed,
			PID:     handle.pid,
			Level:   "error",
			Message: fmt.Sprintf("%s exited unexpectedly (%s)", name, describeExit(err)),
			Err:     err,
			Reason:  ReasonInstanceCrash,
		})
	}
	s.finish()
}

func (s *Supervisor) transition(to State) bool {
	s.mu.Lock()
	if !canTransition(s.state, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	metrics.SetBackendState(s.spec.Name, string(to), knownStates)
	return true
}

func (s *Supervisor) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now()
	}
	if evt.Service == "" {
		evt.Service = s.spec.Name
	}
	if evt.Session == "" {
		evt.Session = s.session
	}

	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- evt:
	default:
		s.dropped.Add(1)
	}
}

func (s *Supervisor) finish() {
	s.doneOnce.Do(func() {
		s.evMu.Lock()
		s.evClosed = true
		close(s.events)
		s.evMu.Unlock()
		close(s.done)
	})
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	return err.Error()
}
