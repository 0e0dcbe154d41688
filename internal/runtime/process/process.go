package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/Paintersrp/sidecar/internal/runtime"
)

// maxLineLength caps buffered output so a child writing without newlines
// cannot grow memory unbounded.
const maxLineLength = 64 * 1024

type runtimeImpl struct{}

// New constructs a runtime that executes the backend as a local process.
func New() runtime.Runtime {
	return &runtimeImpl{}
}

func (r *runtimeImpl) Start(ctx context.Context, spec runtime.SpawnSpec) (runtime.Instance, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("process %s requires a command", spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Workdir != "" {
		info, err := os.Stat(spec.Workdir)
		if err != nil {
			return nil, fmt.Errorf("process %s workdir: %w", spec.Name, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("process %s workdir %s: not a directory", spec.Name, spec.Workdir)
		}
	}

	// The child must outlive the startup context; termination goes through
	// Stop and Kill only.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Workdir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	inst := &processInstance{
		name:     spec.Name,
		cmd:      cmd,
		logs:     make(chan runtime.LogEntry, 64),
		waitDone: make(chan struct{}),
		grace:    spec.StopGrace,
	}

	stdout := &lineWriter{logs: inst.logs, source: runtime.LogSourceStdout}
	stderr := &lineWriter{logs: inst.logs, source: runtime.LogSourceStderr, level: "warn"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if spec.StopGrace > 0 {
		cmd.WaitDelay = spec.StopGrace
	}

	configureCmdSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process %s: %w", spec.Name, err)
	}

	go func() {
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()
		close(inst.logs)
		inst.waitErr = err
		close(inst.waitDone)
	}()

	return inst, nil
}

type processInstance struct {
	name  string
	cmd   *exec.Cmd
	logs  chan runtime.LogEntry
	grace time.Duration

	waitDone chan struct{}
	waitErr  error
}

func (p *processInstance) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *processInstance) Done() <-chan struct{} {
	return p.waitDone
}

func (p *processInstance) Err() error {
	select {
	case <-p.waitDone:
		return p.waitErr
	default:
		return nil
	}
}

func (p *processInstance) Logs() <-chan runtime.LogEntry {
	return p.logs
}

func (p *processInstance) exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// exitError reports the wait error once a stop was requested. A non-zero exit
// status is the expected outcome of signalling the child and is not reported.
func (p *processInstance) exitError() error {
	err := p.waitErr
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

func (p *processInstance) Stop(ctx context.Context) error {
	return p.terminate(ctx, false)
}

func (p *processInstance) Kill(ctx context.Context) error {
	return p.terminate(ctx, true)
}

// terminate asks the backend to shut down and escalates to a forced kill once
// the grace period runs out. A zero grace period kills immediately.
func (p *processInstance) terminate(ctx context.Context, force bool) error {
	if p.cmd.Process == nil {
		return nil
	}
	if p.exited() {
		return p.exitError()
	}

	if !force && p.grace > 0 {
		if err := p.interrupt(); err == nil {
			timer := time.NewTimer(p.grace)
			defer timer.Stop()
			select {
			case <-p.waitDone:
				return p.exitError()
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if !errors.Is(err, errNoInterrupt) {
			return err
		}
	}

	if err := p.forceKill(); err != nil {
		return err
	}
	select {
	case <-p.waitDone:
		return p.exitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type lineWriter struct {
	logs   chan<- runtime.LogEntry
	source string
	level  string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) >= maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	msg := strings.TrimRight(string(line), "\r")
	w.logs <- runtime.LogEntry{Message: msg, Source: w.source, Level: w.level}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[name]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
