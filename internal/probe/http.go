package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Paintersrp/sidecar/internal/config"
)

const (
	userAgent      = "sidecar-probe"
	maxReasonBytes = 128
)

// httpProber polls the backend health endpoint. Connections are not reused
// so a probe never holds a keep-alive slot on the single-worker server.
type httpProber struct {
	client *http.Client
	url    string
	expect []int
}

func newHTTPProber(spec *config.HTTPProbeSpec) Prober {
	transport := &http.Transport{
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	return &httpProber{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		url:    spec.URL,
		expect: slices.Clone(spec.ExpectStatus),
	}
}

func (p *httpProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if p.accepts(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonBytes))
	_, _ = io.Copy(io.Discard, resp.Body)
	if body := strings.Join(strings.Fields(string(snippet)), " "); body != "" {
		return fmt.Errorf("status=%d: %s", resp.StatusCode, body)
	}
	return fmt.Errorf("status=%d", resp.StatusCode)
}

func (p *httpProber) accepts(code int) bool {
	if len(p.expect) > 0 {
		return slices.Contains(p.expect, code)
	}
	return code >= 200 && code < 300
}
