package logmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/Paintersrp/sidecar/internal/runtime"
	"github.com/Paintersrp/sidecar/internal/supervisor"
)

// Mux fans in supervisor events from one or more sources and delivers them via
// a bounded channel. Lifecycle events are always delivered. When downstream
// consumers cannot keep up, backend log lines are dropped and a synthesized
// warning event reports the number of discarded entries.
type Mux struct {
	out chan supervisor.Event

	mu     sync.Mutex
	drops  map[string]int
	inputs sync.WaitGroup
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan supervisor.Event, size),
		drops: make(map[string]int),
	}
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan supervisor.Event {
	return m.out
}

// Add registers a new source channel. The mux consumes events until the
// source channel is closed.
func (m *Mux) Add(source <-chan supervisor.Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			evt = normalize(evt)
			if evt.Type != supervisor.EventTypeLog {
				m.flushPendingBlocking(evt.Service)
				m.out <- evt
				continue
			}
			m.deliver(evt)
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(evt supervisor.Event) {
	if !m.flushPending(evt.Service) {
		m.recordDrop(evt.Service, 1)
		return
	}
	if m.trySend(evt) {
		return
	}
	m.recordDrop(evt.Service, 1)
}

func (m *Mux) flushPending(service string) bool {
	count := m.takeDrops(service)
	if count == 0 {
		return true
	}
	if m.trySend(synthesizeDropEvent(service, count)) {
		return true
	}
	m.recordDrop(service, count)
	return false
}

func (m *Mux) flushPendingBlocking(service string) {
	if count := m.takeDrops(service); count > 0 {
		m.out <- synthesizeDropEvent(service, count)
	}
}

func (m *Mux) takeDrops(service string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.drops[service]
	delete(m.drops, service)
	return count
}

func (m *Mux) recordDrop(service string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[service] += count
}

func (m *Mux) flushDrops() {
	m.mu.Lock()
	pending := m.drops
	m.drops = make(map[string]int)
	m.mu.Unlock()
	for service, count := range pending {
		if count > 0 {
			m.out <- synthesizeDropEvent(service, count)
		}
	}
}

func (m *Mux) trySend(evt supervisor.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func normalize(evt supervisor.Event) supervisor.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Type != supervisor.EventTypeLog {
		if evt.Source == "" {
			evt.Source = runtime.LogSourceSystem
		}
		if evt.Level == "" {
			evt.Level = "info"
		}
		return evt
	}
	if evt.Source == "" {
		evt.Source = runtime.LogSourceStdout
	}
	if evt.Level == "" {
		if evt.Source == runtime.LogSourceStderr {
			evt.Level = "warn"
		} else {
			evt.Level = "info"
		}
	}
	return evt
}

func synthesizeDropEvent(service string, count int) supervisor.Event {
	return supervisor.Event{
		Timestamp: time.Now(),
		Service:   service,
		Type:      supervisor.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", count),
		Level:     "warn",
		Source:    runtime.LogSourceSystem,
	}
}
