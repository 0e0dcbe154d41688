package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/Paintersrp/sidecar/internal/api"
)

const (
	defaultAddr            = "127.0.0.1:8011"
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config controls construction of the control server.
type Config struct {
	Addr              string
	Controller        api.Controller
	Metrics           http.Handler
	Listener          net.Listener
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server exposes the backend status, a stop control and optionally the
// Prometheus metrics of a running sidecar.
type Server struct {
	ctrl            api.Controller
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("controller is required")
	}
	if v := reflect.ValueOf(cfg.Controller); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, fmt.Errorf("controller is required (got nil %T)", cfg.Controller)
	}

	s := &Server{
		ctrl:            cfg.Controller,
		listener:        cfg.Listener,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/stop", s.handleStop)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = defaultReadHeader
	}
	s.srv = &http.Server{
		Addr:              normalizeAddr(cfg.Addr),
		Handler:           noStore(mux),
		ReadHeaderTimeout: readHeader,
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}

	errCh := make(chan error, 1)
	go func() {
		if s.listener != nil {
			errCh <- s.srv.Serve(s.listener)
			return
		}
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.Stop(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	payload := map[string]any{"stop": result}
	if report, err := s.ctrl.Status(r.Context()); err == nil {
		payload["status"] = report
	}
	writeJSON(w, http.StatusOK, payload)
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	writeJSON(w, status, errorBody{
		Code:    code,
		Message: err.Error(),
		Details: map[string]any{"timestamp": time.Now().UTC()},
	})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return 499, "context_canceled"
	case errors.Is(err, stdcontext.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	case errors.Is(err, api.ErrNotStarted):
		return http.StatusConflict, "not_started"
	case errors.Is(err, api.ErrAlreadyStopped):
		return http.StatusConflict, "already_stopped"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// normalizeAddr binds to loopback when no host is given.
func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
