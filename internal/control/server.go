package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"workerd/internal/config"
	rtsup "workerd/internal/runtime/supervisor"
	logx "workerd/pkg/logx"
)

// Server runs the control API on its own listener under a restart loop.
type Server struct {
	workers Workers
	log     logx.Logger

	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor
	srv *http.Server
	// addr is the bound address once listening; ready is closed then.
	addr  string
	ready chan struct{}
}

func New(cfg Config, workers Workers, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, workers: workers, log: log.With(logx.String("comp", "control"))}
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed once the listener is bound. It is nil before Start.
func (s *Server) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Start is idempotent and does nothing when the server is disabled.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.ready = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("control.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	err = errors.Join(err, sup.Stop(ctx))
	s.log.Info("control server stopped")
	return err
}

// Reconfigure applies cfg, restarting the listener when anything the
// running server depends on changed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.Stop(stopCtx)
		cancel()
		if err != nil {
			s.log.Warn("control server stop failed", logx.Err(err))
		}
		running = false
	}
	if !running && cfg.Enabled {
		s.Start(ctx)
	}
	return nil
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	ready := s.ready
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = config.DefaultControlAddr
	}
	// Refuse accidental public exposure without auth.
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("control server refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr),
		)
		return fmt.Errorf("control: insecure bind %q", addr)
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("control server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:           NewHandler(cur, s.workers, s.log),
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	if cur.Pprof && srv.WriteTimeout > 0 && srv.WriteTimeout < 60*time.Second {
		// /debug/pprof/profile streams for 30s by default
		srv.WriteTimeout = 60 * time.Second
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		_ = ln.Close()
		return context.Canceled
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	select {
	case <-ready:
	default:
		close(ready)
	}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	})
	defer stop()

	s.log.Info("control server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("control server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return config.IsLoopbackHost(h)
}
