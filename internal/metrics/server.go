package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "lightsout/internal/runtime/supervisor"
	logx "lightsout/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:9477"
	DefaultPath = "/metrics"
)

var ErrInsecureBind = errors.New("metrics: non-loopback addr requires a token")

type ServerConfig struct {
	Addr string
	Path string
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
	// Token, when set, is required as "Authorization: Bearer <token>" or ?token=.
	Token string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	c.Path = normalizePath(c.Path)
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// pprof profile defaults to 30s of sampling
		c.WriteTimeout = 45 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server exposes a gatherer over HTTP with a /health probe.
type Server struct {
	cfg      ServerConfig
	gatherer prometheus.Gatherer
	log      logx.Logger

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	srv  *http.Server
	addr string
}

func NewServer(cfg ServerConfig, g prometheus.Gatherer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg.withDefaults(), gatherer: g, log: log.With(logx.String("comp", "metrics"))}
}

// Handler builds the mux; exported for tests and embedding.
func Handler(cfg ServerConfig, g prometheus.Gatherer) http.Handler {
	cfg = cfg.withDefaults()
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle(cfg.Path, wrap(promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

// Start binds the listener and serves in the background. A bind error is
// returned; later serve errors restart the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Error("metrics refused to start", logx.String("addr", s.cfg.Addr))
		return ErrInsecureBind
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup

	first := ln
	sup.GoRestart("http.serve", func(c context.Context) error {
		l := first
		first = nil
		if l == nil {
			var err error
			if l, err = net.Listen("tcp", s.cfg.Addr); err != nil {
				return err
			}
		}
		return s.serve(c, l)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.log.Info("metrics started",
		logx.String("addr", s.addr),
		logx.String("path", s.cfg.Path),
		logx.Bool("pprof", s.cfg.Pprof),
		logx.Bool("token_set", s.cfg.Token != ""),
	)
	return nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      Handler(s.cfg, s.gatherer),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	err := sup.Wait(ctx)
	s.log.Info("metrics stopped")
	return err
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
