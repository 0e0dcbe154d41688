package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Paintersrp/sidecar/internal/config"
	"github.com/Paintersrp/sidecar/internal/runtime"
)

func TestStartBackendReadyWhenHealthEndpointResponds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spec := testSpec(t, &config.ProbeSpec{
		Interval: config.Duration{Duration: 10 * time.Millisecond},
		HTTP:     &config.HTTPProbeSpec{URL: srv.URL + "/health"},
	})
	inst := newFakeInstance(4242)
	rt := &fakeRuntime{instances: []*fakeInstance{inst}}
	sup := New(spec, WithRuntime(rt))

	handle, err := sup.StartBackend(context.Background())
	if err != nil {
		t.Fatalf("StartBackend returned error: %v", err)
	}
	if handle == nil || handle.PID() != 4242 {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if got := sup.State(); got != StateReady {
		t.Fatalf("expected ready state, got %s", got)
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	events := collectEvents(t, sup.Events())
	assertEventTypes(t, events, EventTypeStarting, EventTypeSpawned, EventTypeReady, EventTypeStopping, EventTypeStopped)
	if !strings.Contains(events[0].Message, "from: "+spec.Workdir) {
		t.Fatalf("expected starting event to name the workdir, got %q", events[0].Message)
	}

	started := rt.lastSpec()
	want := []string{spec.Runtime, "-m", "uvicorn", "app.main:app", "--host", "127.0.0.1", "--port", "8001", "--log-level", "error", "--no-access-log"}
	if strings.Join(started.Command, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected argv: %v", started.Command)
	}
	if started.Workdir != spec.Workdir {
		t.Fatalf("unexpected workdir: %q", started.Workdir)
	}
}

func TestStartBackendReadyOnIPv6Loopback(t *testing.T) {
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skipf("ipv6 loopback unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	defer srv.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	spec := &config.BackendSpec{
		Name:         "backend-ipv6",
		Runtime:      "python3",
		Workdir:      t.TempDir(),
		Host:         "::1",
		Port:         port,
		ReadyTimeout: config.Duration{Duration: 2 * time.Second},
	}
	spec.ApplyDefaults()
	spec.Readiness.Interval = config.Duration{Duration: 10 * time.Millisecond}

	rt := &fakeRuntime{instances: []*fakeInstance{newFakeInstance(6)}}
	sup := New(spec, WithRuntime(rt))
	handle, err := sup.StartBackend(context.Background())
	if err != nil {
		t.Fatalf("StartBackend returned error: %v", err)
	}
	defer sup.Stop(context.Background())

	if got := sup.State(); got != StateReady {
		t.Fatalf("expected ready state, got %s", got)
	}
	if got, want := handle.Address(), net.JoinHostPort("::1", strconv.Itoa(port)); got != want {
		t.Fatalf("unexpected handle address: got %q want %q", got, want)
	}
	argv := strings.Join(rt.lastSpec().Command, " ")
	if !strings.Contains(argv, "--host ::1 ") {
		t.Fatalf("expected bare ipv6 host in argv, got %q", argv)
	}
}

func TestStartBackendTimesOutWithoutFailing(t *testing.T) {
	spec := testSpec(t, &config.ProbeSpec{
		Interval: config.Duration{Duration: 10 * time.Millisecond},
		TCP:      &config.TCPProbeSpec{Address: closedAddress(t)},
	})
	spec.ReadyTimeout = config.Duration{Duration: 150 * time.Millisecond}

	inst := newFakeInstance(7)
	sup := New(spec, WithRuntime(&fakeRuntime{instances: []*fakeInstance{inst}}))

	begin := time.Now()
	handle, err := sup.StartBackend(context.Background())
	if err != nil {
		t.Fatalf("timeout must not be reported as an error: %v", err)
	}
	if handle == nil {
		t.Fatalf("expected handle for spawned process")
	}
	if elapsed := time.Since(begin); elapsed < 150*time.Millisecond {
		t.Fatalf("returned before the ready timeout elapsed: %v", elapsed)
	}
	if got := sup.State(); got != StateTimedOut {
		t.Fatalf("expected timed out state, got %s", got)
	}
	if handle.Exited() {
		t.Fatalf("timed out backend should keep running")
	}
	if inst.stops.Load() != 0 {
		t.Fatalf("timeout must not stop the backend")
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	events := collectEvents(t, sup.Events())
	evt, ok := findEvent(events, EventTypeTimedOut)
	if !ok || evt.Reason != ReasonReadyTimeout {
		t.Fatalf("expected ready timeout event, got %+v", events)
	}
}

func TestStartBackendCancelledBeforeSpawn(t *testing.T) {
	spec := testSpec(t, nil)
	rt := &fakeRuntime{instances: []*fakeInstance{newFakeInstance(9)}}
	sup := New(spec, WithRuntime(rt))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handle, err := sup.StartBackend(ctx)
	if handle != nil {
		t.Fatalf("expected no handle when cancelled")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("cancellation must not be reported as a launch failure: %v", err)
	}
	if rt.startCount() != 0 {
		t.Fatalf("expected no spawn attempt, got %d", rt.startCount())
	}
	if got := sup.State(); got != StateIdle {
		t.Fatalf("expected idle state, got %s", got)
	}

	events := collectEvents(t, sup.Events())
	assertEventTypes(t, events, EventTypeStarting, EventTypeStopped)
	for _, evt := range events {
		if strings.Contains(evt.Message, "Make sure") {
			t.Fatalf("unexpected install hint on cancellation: %q", evt.Message)
		}
	}
	if events[1].Reason != ReasonStartupCancelled {
		t.Fatalf("unexpected reason: %q", events[1].Reason)
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

func TestStartBackendLaunchFailure(t *testing.T) {
	spec := testSpec(t, nil)
	launchErr := errors.New("exec: \"python3\": executable file not found in $PATH")
	rt := &fakeRuntime{err: launchErr}
	sup := New(spec, WithRuntime(rt))

	handle, err := sup.StartBackend(context.Background())
	if handle != nil {
		t.Fatalf("expected no handle on launch failure")
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) || spawnErr.Kind != KindLaunchFailed {
		t.Fatalf("expected launch failure, got %v", err)
	}
	if !errors.Is(err, ErrLaunchFailed) || errors.Is(err, ErrPathResolution) {
		t.Fatalf("unexpected error classification: %v", err)
	}
	if !errors.Is(err, launchErr) {
		t.Fatalf("expected underlying error to be wrapped: %v", err)
	}
	if got := sup.State(); got != StateSpawnFailed {
		t.Fatalf("expected spawn failed state, got %s", got)
	}

	select {
	case <-sup.Done():
	case <-time.After(time.Second):
		t.Fatalf("supervisor not done after spawn failure")
	}
	events := collectEvents(t, sup.Events())
	assertEventTypes(t, events, EventTypeStarting, EventTypeFailed, EventTypeFailed)
	if !strings.Contains(events[2].Message, "Make sure "+spec.Runtime) {
		t.Fatalf("expected install hint, got %q", events[2].Message)
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after failed spawn returned error: %v", err)
	}
}

func TestStartBackendPathResolutionFailure(t *testing.T) {
	spec := testSpec(t, nil)
	spec.Workdir = ""
	rt := &fakeRuntime{}
	resolveErr := errors.New("executable path unavailable")
	sup := New(spec, WithRuntime(rt), WithResolver(func(offset string) (string, error) {
		if offset != config.DefaultWorkdirOffset {
			t.Errorf("unexpected offset %q", offset)
		}
		return "", resolveErr
	}))

	_, err := sup.StartBackend(context.Background())
	if !errors.Is(err, ErrPathResolution) || !errors.Is(err, resolveErr) {
		t.Fatalf("expected path resolution error, got %v", err)
	}
	if rt.startCount() != 0 {
		t.Fatalf("runtime must not be invoked when the path cannot be resolved")
	}
	if got := sup.State(); got != StateSpawnFailed {
		t.Fatalf("expected spawn failed state, got %s", got)
	}
}

func TestStartBackendUsesResolvedWorkdir(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec(t, readyProbe(t))
	spec.Workdir = ""
	rt := &fakeRuntime{instances: []*fakeInstance{newFakeInstance(1)}}
	sup := New(spec, WithRuntime(rt), WithResolver(func(string) (string, error) { return dir, nil }))

	handle, err := sup.StartBackend(context.Background())
	if err != nil {
		t.Fatalf("StartBackend returned error: %v", err)
	}
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	if handle.Workdir() != dir || rt.lastSpec().Workdir != dir {
		t.Fatalf("expected resolved workdir %q, got %q", dir, handle.Workdir())
	}
}

func TestStartBackendOnlyOnce(t *testing.T) {
	spec := testSpec(t, readyProbe(t))
	rt := &fakeRuntime{instances: []*fakeInstance{newFakeInstance(1), newFakeInstance(2)}}
	sup := New(spec, WithRuntime(rt))
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	if _, err := sup.StartBackend(context.Background()); err != nil {
		t.Fatalf("first StartBackend returned error: %v", err)
	}
	if _, err := sup.StartBackend(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if rt.startCount() != 1 {
		t.Fatalf("expected exactly one spawn, got %d", rt.startCount())
	}
}

func TestStartBackendExitBeforeReady(t *testing.T) {
	spec := testSpec(t, &config.ProbeSpec{
		Interval: config.Duration{Duration: 10 * time.Millisecond},
		TCP:      &config.TCPProbeSpec{Address: closedAddress(t)},
	})
	inst := newFakeInstance(9)
	sup := New(spec, WithRuntime(&fakeRuntime{instances: []*fakeInstance{inst}}))

	go func() {
		time.Sleep(30 * time.Millisecond)
		inst.exit(errors.New("exit status 1"))
	}()

	begin := time.Now()
	handle, err := sup.StartBackend(context.Background())
	if err != nil {
		t.Fatalf("StartBackend returned error: %v", err)
	}
	if time.Since(begin) >= spec.ReadyTimeout.Duration {
		t.Fatalf("expected early return once the child exited")
	}
	if got := sup.State(); got != StateTimedOut {
		t.Fatalf("expected timed out state, got %s", got)
	}
	if !handle.Exited() || handle.ExitErr() == nil {
		t.Fatalf("expected handle to report the exit")
	}

	events := collectEvents(t, sup.Events())
	if evt, ok := findEvent(events, EventTypeTimedOut); !ok || evt.Reason != ReasonExitBeforeReady {
		t.Fatalf("expected exit before ready event, got %+v", events)
	}
	if _, ok := findEvent(events, EventTypeCrashed); !ok {
		t.Fatalf("expected crash event, got %+v", events)
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after exit returned error: %v", err)
	}
	if inst.stops.Load() != 0 {
		t.Fatalf("exited instance should not be signalled")
	}
}

func TestStartBackendCancelledDuringWait(t *testing.T) {
	spec := testSpec(t, &config.ProbeSpec{
		Interval: config.Duration{Duration: 10 * time.Millisecond},
		TCP:      &config.TCPProbeSpec{Address: closedAddress(t)},
	})
	inst := newFakeInstance(11)
	sup := New(spec, WithRuntime(&fakeRuntime{instances: []*fakeInstance{inst}}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	handle, err := sup.StartBackend(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if handle == nil {
		t.Fatalf("expected handle so the caller can stop the child")
	}
	if handle.Exited() {
		t.Fatalf("cancelling the startup context must not kill the child")
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if inst.stops.Load() != 1 {
		t.Fatalf("expected one stop call, got %d", inst.stops.Load())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	spec := testSpec(t, readyProbe(t))
	inst := newFakeInstance(3)
	sup := New(spec, WithRuntime(&fakeRuntime{instances: []*fakeInstance{inst}}))
	if _, err := sup.StartBackend(context.Background()); err != nil {
		t.Fatalf("StartBackend returned error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Stop(context.Background()); err != nil {
				t.Errorf("Stop returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if inst.stops.Load() != 1 {
		t.Fatalf("expected a single stop call, got %d", inst.stops.Load())
	}
	select {
	case <-sup.Done():
	default:
		t.Fatalf("supervisor should be done after Stop")
	}
}

func TestStopFailureForcesKill(t *testing.T) {
	spec := testSpec(t, readyProbe(t))
	inst := newFakeInstance(5)
	inst.stopErr = errors.New("signal: operation not permitted")
	sup := New(spec, WithRuntime(&fakeRuntime{instances: []*fakeInstance{inst}}))
	if _, err := sup.StartBackend(context.Background()); err != nil {
		t.Fatalf("StartBackend returned error: %v", err)
	}

	err := sup.Stop(context.Background())
	if err == nil || !strings.Contains(err.Error(), "operation not permitted") {
		t.Fatalf("expected stop error, got %v", err)
	}
	if inst.kills.Load() != 1 {
		t.Fatalf("expected forced kill after stop failure")
	}
}

func TestStopBeforeStart(t *testing.T) {
	rt := &fakeRuntime{instances: []*fakeInstance{newFakeInstance(1)}}
	sup := New(testSpec(t, readyProbe(t)), WithRuntime(rt))

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if _, err := sup.StartBackend(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if rt.startCount() != 0 {
		t.Fatalf("stopped supervisor must not spawn")
	}
	if _, ok := <-sup.Events(); ok {
		t.Fatalf("expected closed event channel")
	}
}

func TestBackendLogsForwarded(t *testing.T) {
	spec := testSpec(t, readyProbe(t))
	inst := newFakeInstance(6)
	sup := New(spec, WithRuntime(&fakeRuntime{instances: []*fakeInstance{inst}}))
	if _, err := sup.StartBackend(context.Background()); err != nil {
		t.Fatalf("StartBackend returned error: %v", err)
	}

	inst.logs <- runtime.LogEntry{Message: "Uvicorn running", Source: runtime.LogSourceStderr, Level: "warn"}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	events := collectEvents(t, sup.Events())
	evt, ok := findEvent(events, EventTypeLog)
	if !ok {
		t.Fatalf("expected log event, got %+v", events)
	}
	if evt.Message != "Uvicorn running" || evt.Source != runtime.LogSourceStderr || evt.PID != 6 {
		t.Fatalf("unexpected log event: %+v", evt)
	}
	if evt.Session != sup.Session() || evt.Service != spec.Name {
		t.Fatalf("log event missing identity: %+v", evt)
	}
}

func TestEventBufferOverflowCountsDrops(t *testing.T) {
	spec := testSpec(t, readyProbe(t))
	inst := newFakeInstance(8)
	sup := New(spec, WithRuntime(&fakeRuntime{instances: []*fakeInstance{inst}}), WithEventBuffer(2))
	if _, err := sup.StartBackend(context.Background()); err != nil {
		t.Fatalf("StartBackend returned error: %v", err)
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if sup.Dropped() == 0 {
		t.Fatalf("expected dropped events with a tiny buffer")
	}
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateStarting, true},
		{StateIdle, StateSpawnFailed, true},
		{StateIdle, StateReady, false},
		{StateStarting, StateReady, true},
		{StateStarting, StateTimedOut, true},
		{StateStarting, StateSpawnFailed, false},
		{StateReady, StateTimedOut, false},
		{StateTimedOut, StateReady, false},
		{StateSpawnFailed, StateStarting, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
	for _, s := range []State{StateReady, StateTimedOut, StateSpawnFailed} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if StateStarting.Terminal() || StateIdle.Terminal() {
		t.Fatalf("idle and starting are not terminal")
	}
}

func TestCommandIncludesAccessLogFlag(t *testing.T) {
	spec := config.Default()
	spec.Runtime = "python"
	spec.AccessLog = true
	got := strings.Join(Command(spec), " ")
	if got != "python -m uvicorn app.main:app --host 127.0.0.1 --port 8001 --log-level error" {
		t.Fatalf("unexpected command: %s", got)
	}
}

func testSpec(t *testing.T, readiness *config.ProbeSpec) *config.BackendSpec {
	t.Helper()
	spec := &config.BackendSpec{
		Name:         "backend-" + strings.ReplaceAll(t.Name(), "/", "_"),
		Runtime:      "python3",
		Workdir:      t.TempDir(),
		Readiness:    readiness,
		ReadyTimeout: config.Duration{Duration: 2 * time.Second},
	}
	spec.ApplyDefaults()
	return spec
}

func readyProbe(t *testing.T) *config.ProbeSpec {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return &config.ProbeSpec{
		Interval: config.Duration{Duration: 10 * time.Millisecond},
		TCP:      &config.TCPProbeSpec{Address: ln.Addr().String()},
	}
}

func closedAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatalf("event channel not closed; received %+v", events)
		}
	}
}

func findEvent(events []Event, typ EventType) (Event, bool) {
	for _, evt := range events {
		if evt.Type == typ {
			return evt, true
		}
	}
	return Event{}, false
}

func assertEventTypes(t *testing.T, events []Event, want ...EventType) {
	t.Helper()
	var got []EventType
	for _, evt := range events {
		if evt.Type == EventTypeLog || evt.Type == EventTypeUnready {
			continue
		}
		got = append(got, evt.Type)
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected event sequence: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected event sequence: got %v want %v", got, want)
		}
	}
}

type fakeRuntime struct {
	mu        sync.Mutex
	instances []*fakeInstance
	specs     []runtime.SpawnSpec
	err       error
}

func (r *fakeRuntime) Start(ctx context.Context, spec runtime.SpawnSpec) (runtime.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.instances) == 0 {
		return nil, errors.New("no fake instances left")
	}
	inst := r.instances[0]
	r.instances = r.instances[1:]
	return inst, nil
}

func (r *fakeRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

func (r *fakeRuntime) lastSpec() runtime.SpawnSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.specs[len(r.specs)-1]
}

type fakeInstance struct {
	pid     int
	logs    chan runtime.LogEntry
	done    chan struct{}
	err     error
	stopErr error

	once  sync.Once
	stops atomic.Int32
	kills atomic.Int32
}

func newFakeInstance(pid int) *fakeInstance {
	return &fakeInstance{
		pid:  pid,
		logs: make(chan runtime.LogEntry, 8),
		done: make(chan struct{}),
	}
}

func (f *fakeInstance) exit(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.logs)
		close(f.done)
	})
}

func (f *fakeInstance) PID() int { return f.pid }
func (f *fakeInstance) Done() <-chan struct{} { return f.done }
func (f *fakeInstance) Logs() <-chan runtime.LogEntry { return f.logs }

func (f *fakeInstance) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *fakeInstance) Stop(ctx context.Context) error {
	f.stops.Add(1)
	if f.stopErr != nil {
		return f.stopErr
	}
	f.exit(nil)
	return nil
}

func (f *fakeInstance) Kill(ctx context.Context) error {
	f.kills.Add(1)
	f.exit(errors.New("signal: killed"))
	return nil
}
