package supervisor

import (
	"time"
)

// EventType captures high level lifecycle notifications emitted by the
// supervisor.
type EventType string

const (
	EventTypeStarting EventType = "starting"
	EventTypeSpawned  EventType = "spawned"
	EventTypeReady    EventType = "ready"
	EventTypeUnready  EventType = "unready"
	EventTypeTimedOut EventType = "timed_out"
	EventTypeFailed   EventType = "failed"
	EventTypeStopping EventType = "stopping"
	EventTypeStopped  EventType = "stopped"
	EventTypeCrashed  EventType = "crashed"
	EventTypeLog      EventType = "log"
	EventTypeError    EventType = "error"
)

// Event represents a single lifecycle or log notification.
type Event struct {
	Timestamp time.Time
	Service   string
	Session   string
	PID       int
	Type      EventType
	Message   string
	Level     string
	Source    string
	Err       error
	Reason    string
}

const (
	ReasonInitialStart     = "initial_start"
	ReasonPathResolution   = "path_resolution"
	ReasonStartFailure     = "start_failure"
	ReasonInstallHint      = "install_hint"
	ReasonProbeReady       = "probe_ready"
	ReasonProbeUnready     = "probe_unready"
	ReasonReadyTimeout     = "ready_timeout"
	ReasonExitBeforeReady  = "exited_before_ready"
	ReasonStartupCancelled = "startup_cancelled"
	ReasonInstanceCrash    = "instance_crash"
	ReasonSupervisorStop   = "supervisor_stop"
	ReasonStopFailed       = "stop_failed"
)
