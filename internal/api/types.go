package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/sidecar/internal/supervisor"
)

var (
	ErrNotStarted     = errors.New("backend not started")
	ErrAlreadyStopped = errors.New("backend already stopped")
)

// StatusReport describes the supervised backend for API consumers.
type StatusReport struct {
	Service     string           `json:"service"`
	Session     string           `json:"session"`
	State       supervisor.State `json:"state"`
	Ready       bool             `json:"ready"`
	PID         int              `json:"pid,omitempty"`
	Address     string           `json:"address"`
	Workdir     string           `json:"workdir,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	Running     bool             `json:"running"`
	ExitError   string           `json:"exit_error,omitempty"`
	Dropped     int64            `json:"dropped_events"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// StopResult captures the outcome of a stop request.
type StopResult struct {
	Service     string    `json:"service"`
	CompletedAt time.Time `json:"completed_at"`
}

// Controller exposes backend operations required by control servers.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	Stop(stdcontext.Context) (*StopResult, error)
}

// SupervisorController adapts a supervisor to the Controller interface.
type SupervisorController struct {
	sup *supervisor.Supervisor
	now func() time.Time
}

func NewSupervisorController(sup *supervisor.Supervisor) *SupervisorController {
	return &SupervisorController{sup: sup, now: time.Now}
}

func (c *SupervisorController) Status(stdcontext.Context) (*StatusReport, error) {
	spec := c.sup.Spec()
	state := c.sup.State()
	report := &StatusReport{
		Service:     spec.Name,
		Session:     c.sup.Session(),
		State:       state,
		Ready:       state == supervisor.StateReady,
		Address:     spec.Address(),
		Dropped:     c.sup.Dropped(),
		GeneratedAt: c.now().UTC(),
	}
	if handle := c.sup.Handle(); handle != nil {
		started := handle.StartedAt().UTC()
		report.PID = handle.PID()
		report.Workdir = handle.Workdir()
		report.StartedAt = &started
		report.Running = !handle.Exited()
		if err := handle.ExitErr(); err != nil {
			report.ExitError = err.Error()
		}
		if !report.Running {
			report.Ready = false
		}
	}
	return report, nil
}

func (c *SupervisorController) Stop(ctx stdcontext.Context) (*StopResult, error) {
	handle := c.sup.Handle()
	if handle == nil {
		return nil, ErrNotStarted
	}
	if handle.Exited() {
		return nil, ErrAlreadyStopped
	}
	if err := c.sup.Stop(ctx); err != nil {
		return nil, err
	}
	return &StopResult{Service: c.sup.Spec().Name, CompletedAt: c.now().UTC()}, nil
}
