package supervisor

import (
	"strconv"

	"github.com/Paintersrp/sidecar/internal/config"
)

// Command returns the argv that serves the backend application module through
// uvicorn using the configured interpreter.
func Command(spec *config.BackendSpec) []string {
	argv := []string{
		spec.Runtime,
		"-m", "uvicorn",
		spec.Module,
		"--host", spec.Host,
		"--port", strconv.Itoa(spec.Port),
		"--log-level", spec.LogLevel,
	}
	if !spec.AccessLog {
		argv = append(argv, "--no-access-log")
	}
	return argv
}
