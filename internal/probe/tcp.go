package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/Paintersrp/sidecar/internal/config"
)

// ErrNotListening reports that nothing accepted the connection yet, which is
// the normal state while the interpreter is still importing the application.
var ErrNotListening = errors.New("not listening")

type tcpProber struct {
	address string
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

func newTCPProber(spec *config.TCPProbeSpec) Prober {
	return &tcpProber{
		address: spec.Address,
		dial:    (&net.Dialer{}).DialContext,
	}
}

func (p *tcpProber) Probe(ctx context.Context) error {
	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%s: %w", p.address, ErrNotListening)
		}
		return fmt.Errorf("dial %s: %w", p.address, err)
	}
	return conn.Close()
}
