package supervisor

// State is the readiness state of the supervised backend.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateTimedOut    State = "timed_out"
	StateSpawnFailed State = "spawn_failed"
)

var knownStates = []string{
	string(StateIdle),
	string(StateStarting),
	string(StateReady),
	string(StateTimedOut),
	string(StateSpawnFailed),
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateReady, StateTimedOut, StateSpawnFailed:
		return true
	}
	return false
}

func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateStarting || to == StateSpawnFailed
	case StateStarting:
		return to == StateReady || to == StateTimedOut
	}
	return false
}
