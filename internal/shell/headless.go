package shell

import (
	"context"
	"errors"
)

// ErrBackendExited is returned by a headless host configured to follow the
// backend when the backend process terminates.
var ErrBackendExited = errors.New("shell: backend exited")

// Headless is a host without a user interface. It blocks until the context is
// cancelled.
type Headless struct {
	backendDone <-chan struct{}
}

// HeadlessOption configures a Headless host.
type HeadlessOption func(*Headless)

// ExitWithBackend makes the host return ErrBackendExited once done is closed.
func ExitWithBackend(done <-chan struct{}) HeadlessOption {
	return func(h *Headless) {
		h.backendDone = done
	}
}

func NewHeadless(opts ...HeadlessOption) *Headless {
	h := &Headless{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Headless) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-h.backendDone:
		if ctx.Err() != nil {
			return nil
		}
		return ErrBackendExited
	}
}
