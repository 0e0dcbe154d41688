package supervisor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies spawn failures.
type ErrorKind string

const (
	// KindPathResolution means the backend working directory could not be
	// determined. Callers treat it as fatal.
	KindPathResolution ErrorKind = "path_resolution"
	// KindLaunchFailed means the operating system could not create the
	// backend process. The shell keeps running without a backend.
	KindLaunchFailed ErrorKind = "launch_failed"
)

var (
	ErrAlreadyStarted = errors.New("supervisor: backend already started")
	ErrStopped        = errors.New("supervisor: stopped")

	// ErrLaunchFailed and ErrPathResolution match a *SpawnError of the
	// corresponding kind via errors.Is.
	ErrLaunchFailed   = errors.New("launch failed")
	ErrPathResolution = errors.New("path resolution failed")
)

// SpawnError reports why the backend process was not created.
type SpawnError struct {
	Kind ErrorKind
	Err  error
}

func (e *SpawnError) Error() string {
	switch e.Kind {
	case KindPathResolution:
		return fmt.Sprintf("spawn backend: %v", e.Err)
	default:
		return fmt.Sprintf("spawn backend: launch failed: %v", e.Err)
	}
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

func (e *SpawnError) Is(target error) bool {
	switch target {
	case ErrLaunchFailed:
		return e.Kind == KindLaunchFailed
	case ErrPathResolution:
		return e.Kind == KindPathResolution
	}
	return false
}
