package config

import (
	"fmt"
	"time"
)

const (
	DefaultName          = "backend"
	DefaultModule        = "app.main:app"
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 8001
	DefaultLogLevel      = "error"
	DefaultWorkdirOffset = "../.."
	DefaultHealthPath    = "/health"

	DefaultReadyTimeout     = 10 * time.Second
	DefaultProbeInterval    = 500 * time.Millisecond
	DefaultProbeTimeout     = time.Second
	DefaultShutdownGrace    = 5 * time.Second
	defaultSuccessThreshold = 1
	defaultFailureThreshold = 1
)

// Default returns the built-in backend invocation used when no configuration
// file is supplied.
func Default() *BackendSpec {
	spec := &BackendSpec{}
	spec.ApplyDefaults()
	return spec
}

// ApplyDefaults fills unset fields with the built-in invocation values.
func (s *BackendSpec) ApplyDefaults() {
	if s == nil {
		return
	}
	if s.Name == "" {
		s.Name = DefaultName
	}
	if s.Runtime == "" {
		s.Runtime = DefaultRuntime
	}
	if s.Module == "" {
		s.Module = DefaultModule
	}
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.WorkdirOffset == "" {
		s.WorkdirOffset = DefaultWorkdirOffset
	}
	if !s.ReadyTimeout.IsSet() {
		s.ReadyTimeout.Duration = DefaultReadyTimeout
	}
	if !s.ShutdownGrace.IsSet() {
		s.ShutdownGrace.Duration = DefaultShutdownGrace
	}

	if s.Readiness == nil {
		s.Readiness = &ProbeSpec{}
	}
	r := s.Readiness
	if r.HTTP == nil && r.TCP == nil && r.Command == nil {
		r.HTTP = &HTTPProbeSpec{URL: fmt.Sprintf("http://%s%s", s.Address(), DefaultHealthPath)}
	}
	if !r.Interval.IsSet() {
		r.Interval.Duration = DefaultProbeInterval
	}
	if !r.Timeout.IsSet() {
		r.Timeout.Duration = DefaultProbeTimeout
	}
	if r.SuccessThreshold == 0 {
		r.SuccessThreshold = defaultSuccessThreshold
	}
	if r.FailureThreshold == 0 {
		r.FailureThreshold = defaultFailureThreshold
	}
}
