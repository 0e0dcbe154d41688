package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Paintersrp/sidecar/internal/config"
)

// Status captures the readiness condition surfaced by a probe watcher.
type Status string

const (
	// StatusUnknown is the watcher's starting point and is never emitted.
	StatusUnknown Status = "unknown"
	StatusReady   Status = "ready"
	StatusUnready Status = "unready"
)

// Event describes a readiness transition emitted by Watch.
type Event struct {
	Status Status
	Reason string
	Err    error
	At     time.Time

	// Attempts counts probe executions since the watch began.
	Attempts int
	// Elapsed is measured from the start of the watch, grace period included.
	Elapsed time.Duration
}

// Prober runs one readiness check against the backend.
type Prober interface {
	Probe(ctx context.Context) error
}

// New builds the prober described by spec. When several checks are
// configured the backend is ready as soon as any of them succeeds.
func New(spec *config.ProbeSpec) (Prober, error) {
	if spec == nil {
		return nil, errors.New("probe: missing configuration")
	}

	var terms []probeTerm
	if spec.HTTP != nil {
		terms = append(terms, probeTerm{alias: "http", probe: newHTTPProber(spec.HTTP)})
	}
	if spec.TCP != nil {
		terms = append(terms, probeTerm{alias: "tcp", probe: newTCPProber(spec.TCP)})
	}
	if spec.Command != nil {
		prober, err := newCommandProber(spec.Command)
		if err != nil {
			return nil, err
		}
		terms = append(terms, probeTerm{alias: "cmd", probe: prober})
	}

	switch len(terms) {
	case 0:
		return nil, errors.New("probe: missing configuration")
	case 1:
		return terms[0].probe, nil
	default:
		return &anyProber{terms: terms}, nil
	}
}

// Watch polls prober until ctx is done and reports transitions between ready
// and unready. The returned channel is closed when ctx is done.
func Watch(ctx context.Context, prober Prober, spec *config.ProbeSpec, nowFn func() time.Time) <-chan Event {
	events := make(chan Event, 1)
	if ctx == nil {
		close(events)
		return events
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	w := &watcher{
		prober: prober,
		spec:   spec,
		now:    nowFn,
		events: events,
		status: StatusUnknown,
	}
	go w.run(ctx)
	return events
}

type watcher struct {
	prober Prober
	spec   *config.ProbeSpec
	now    func() time.Time
	events chan<- Event

	started   time.Time
	attempts  int
	successes int
	failures  int
	status    Status
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.events)
	if w.prober == nil || w.spec == nil {
		return
	}
	w.started = w.now()

	if !sleep(ctx, w.spec.GracePeriod.Duration) {
		return
	}

	interval := w.spec.Interval.Duration
	for {
		if !w.attempt(ctx) {
			return
		}
		if interval <= 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if !sleep(ctx, interval) {
			return
		}
	}
}

// attempt executes a single probe and emits a transition when a threshold is
// crossed. It reports false once the watch should end.
func (w *watcher) attempt(ctx context.Context) bool {
	timeout := probeTimeout(w.spec)
	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	err := w.prober.Probe(attemptCtx)
	deadline := attemptCtx.Err()
	cancel()
	w.attempts++

	if ctx.Err() != nil {
		return false
	}

	if err == nil {
		w.successes++
		w.failures = 0
		if w.successes >= threshold(w.spec.SuccessThreshold) && w.status != StatusReady {
			w.status = StatusReady
			return w.send(ctx, Event{Status: StatusReady})
		}
		return true
	}

	if errors.Is(deadline, context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timeout after %s", timeout)
	}
	w.successes = 0
	w.failures++
	if w.failures >= threshold(w.spec.FailureThreshold) && w.status != StatusUnready {
		w.status = StatusUnready
		return w.send(ctx, Event{Status: StatusUnready, Reason: err.Error(), Err: err})
	}
	return true
}

func (w *watcher) send(ctx context.Context, evt Event) bool {
	evt.At = w.now()
	evt.Attempts = w.attempts
	evt.Elapsed = evt.At.Sub(w.started)
	select {
	case <-ctx.Done():
		return false
	case w.events <- evt:
		return true
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func threshold(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func probeTimeout(spec *config.ProbeSpec) time.Duration {
	if spec == nil {
		return 0
	}
	if spec.Command != nil {
		if dur := spec.Command.Timeout.Duration; dur > 0 {
			return dur
		}
	}
	return spec.Timeout.Duration
}

type probeTerm struct {
	alias string
	probe Prober
}

// anyProber runs its terms concurrently and succeeds on the first success.
type anyProber struct {
	terms []probeTerm
}

func (m *anyProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		alias string
		err   error
	}

	results := make(chan result, len(m.terms))
	for _, term := range m.terms {
		go func(term probeTerm) {
			results <- result{alias: term.alias, err: term.probe.Probe(ctx)}
		}(term)
	}

	var errs []error
	for range m.terms {
		select {
		case <-ctx.Done():
			if len(errs) == 0 {
				return ctx.Err()
			}
			return errors.Join(errs...)
		case res := <-results:
			if res.err == nil {
				return nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", res.alias, res.err))
		}
	}
	return errors.Join(errs...)
}
