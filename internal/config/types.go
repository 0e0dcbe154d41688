package config

import (
	"fmt"
	"maps"
	"net"
	"strconv"
	"time"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// File mirrors the sidecar.yaml document structure.
type File struct {
	Version string      `yaml:"version"`
	Backend BackendSpec `yaml:"backend"`
}

// BackendSpec describes how the backend process is launched and when it is
// considered ready.
type BackendSpec struct {
	Name          string            `yaml:"name"`
	Runtime       string            `yaml:"runtime"`
	Module        string            `yaml:"module"`
	Host          string            `yaml:"host"`
	Port          int               `yaml:"port"`
	LogLevel      string            `yaml:"logLevel"`
	AccessLog     bool              `yaml:"accessLog"`
	WorkdirOffset string            `yaml:"workdirOffset"`
	Workdir       string            `yaml:"workdir"`
	Env           map[string]string `yaml:"env"`
	EnvFromFile   string            `yaml:"envFromFile"`
	Readiness     *ProbeSpec        `yaml:"readiness"`
	ReadyTimeout  Duration          `yaml:"readyTimeout"`
	ShutdownGrace Duration          `yaml:"shutdownGrace"`
}

// ProbeSpec configures how backend readiness is detected.
type ProbeSpec struct {
	GracePeriod      Duration       `yaml:"gracePeriod"`
	Interval         Duration       `yaml:"interval"`
	Timeout          Duration       `yaml:"timeout"`
	FailureThreshold int            `yaml:"failureThreshold"`
	SuccessThreshold int            `yaml:"successThreshold"`
	HTTP             *HTTPProbeSpec `yaml:"http"`
	TCP              *TCPProbeSpec  `yaml:"tcp"`
	Command          *CommandProbe  `yaml:"cmd"`
}

// HTTPProbeSpec defines an HTTP probe.
type HTTPProbeSpec struct {
	URL          string `yaml:"url"`
	ExpectStatus []int  `yaml:"expectStatus"`
}

// TCPProbeSpec defines a TCP probe.
type TCPProbeSpec struct {
	Address string `yaml:"address"`
}

// CommandProbe defines a probe that executes a command.
type CommandProbe struct {
	Command []string `yaml:"command"`
	Timeout Duration `yaml:"timeout"`
}

// Address returns the host:port pair the backend binds to.
func (s *BackendSpec) Address() string {
	if s == nil {
		return ""
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Clone creates a deep copy of the backend specification.
func (s *BackendSpec) Clone() *BackendSpec {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Env != nil {
		cp.Env = maps.Clone(s.Env)
	}
	cp.Readiness = s.Readiness.Clone()
	return &cp
}

// Clone creates a deep copy of the probe specification.
func (p *ProbeSpec) Clone() *ProbeSpec {
	if p == nil {
		return nil
	}
	cp := *p
	if p.HTTP != nil {
		http := *p.HTTP
		http.ExpectStatus = append([]int(nil), p.HTTP.ExpectStatus...)
		cp.HTTP = &http
	}
	if p.TCP != nil {
		tcp := *p.TCP
		cp.TCP = &tcp
	}
	if p.Command != nil {
		command := *p.Command
		command.Command = append([]string(nil), p.Command.Command...)
		cp.Command = &command
	}
	return &cp
}
