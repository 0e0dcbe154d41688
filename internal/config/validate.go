package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
)

var logLevels = map[string]struct{}{
	"critical": {},
	"error":    {},
	"warning":  {},
	"info":     {},
	"debug":    {},
	"trace":    {},
}

// Validate performs semantic validation of the backend specification. It
// expects ApplyDefaults to have been called.
func (s *BackendSpec) Validate() error {
	if s == nil {
		return errors.New("backend: missing specification")
	}
	if strings.TrimSpace(s.Runtime) == "" {
		return errors.New(backendField("runtime") + " must not be empty")
	}
	if err := validateModule(s.Module); err != nil {
		return fmt.Errorf("%s: %w", backendField("module"), err)
	}
	if err := validateHost(s.Host); err != nil {
		return fmt.Errorf("%s: %w", backendField("host"), err)
	}
	if err := validatePort(s.Port); err != nil {
		return fmt.Errorf("%s: %w", backendField("port"), err)
	}
	if _, ok := logLevels[s.LogLevel]; !ok {
		return fmt.Errorf("%s: unsupported level %q", backendField("logLevel"), s.LogLevel)
	}
	if s.Workdir == "" && filepath.IsAbs(filepath.FromSlash(s.WorkdirOffset)) {
		return fmt.Errorf("%s: must be relative to the installation root", backendField("workdirOffset"))
	}
	for key := range s.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return fmt.Errorf("%s: invalid variable name %q", backendField("env"), key)
		}
	}
	if s.ReadyTimeout.Duration <= 0 {
		return fmt.Errorf("%s must be positive", backendField("readyTimeout"))
	}
	if s.ShutdownGrace.Duration < 0 {
		return fmt.Errorf("%s must not be negative", backendField("shutdownGrace"))
	}
	if err := s.Readiness.validate(); err != nil {
		return fmt.Errorf("%s: %w", backendField("readiness"), err)
	}
	return nil
}

func (p *ProbeSpec) validate() error {
	if p == nil {
		return errors.New("missing probe configuration")
	}
	if p.HTTP == nil && p.TCP == nil && p.Command == nil {
		return errors.New("one of http, tcp or cmd is required")
	}
	if p.Interval.Duration < 0 {
		return errors.New("interval must not be negative")
	}
	if p.Timeout.Duration < 0 {
		return errors.New("timeout must not be negative")
	}
	if p.GracePeriod.Duration < 0 {
		return errors.New("gracePeriod must not be negative")
	}
	if p.SuccessThreshold < 0 || p.FailureThreshold < 0 {
		return errors.New("thresholds must not be negative")
	}
	if p.HTTP != nil {
		u, err := url.Parse(p.HTTP.URL)
		if err != nil {
			return fmt.Errorf("http.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("http.url: unsupported scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("http.url: missing host")
		}
		for _, code := range p.HTTP.ExpectStatus {
			if code < 100 || code > 599 {
				return fmt.Errorf("http.expectStatus: invalid status %d", code)
			}
		}
	}
	if p.TCP != nil {
		host, port, err := net.SplitHostPort(p.TCP.Address)
		if err != nil {
			return fmt.Errorf("tcp.address: %w", err)
		}
		if host == "" {
			return errors.New("tcp.address: missing host")
		}
		if _, err := nat.ParsePort(port); err != nil {
			return fmt.Errorf("tcp.address: invalid port %q", port)
		}
	}
	if p.Command != nil && len(p.Command.Command) == 0 {
		return errors.New("cmd.command requires at least one argument")
	}
	return nil
}

func validateModule(module string) error {
	target, attr, ok := strings.Cut(module, ":")
	if !ok || strings.TrimSpace(target) == "" || strings.TrimSpace(attr) == "" {
		return fmt.Errorf("expected <module>:<attribute>, got %q", module)
	}
	return nil
}

func validateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return errors.New("must not be empty")
	}
	if strings.ContainsAny(host, " /:") && net.ParseIP(host) == nil {
		return fmt.Errorf("invalid host %q", host)
	}
	return nil
}

func validatePort(port int) error {
	parsed, err := nat.ParsePort(strconv.Itoa(port))
	if err != nil || parsed <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

func backendField(field string) string {
	return "backend." + field
}
