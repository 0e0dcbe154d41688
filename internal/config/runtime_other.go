//go:build !windows

package config

// DefaultRuntime is the interpreter used to host the backend.
const DefaultRuntime = "python3"
