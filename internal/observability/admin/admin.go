// Package admin serves the optional operator endpoints: health, relay stats
// and pprof.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "roomrelay/internal/runtime/supervisor"
	logx "roomrelay/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:6060"
	pprofPrefix = "/debug/pprof/"
)

// ErrInsecureBind is returned by New for a non-loopback address without a token.
var ErrInsecureBind = errors.New("admin: non-loopback addr requires a token")

type Config struct {
	Addr  string
	Token string
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Sources supplies the data behind /healthz and /stats. Either may be nil.
type Sources struct {
	// Health returns a non-nil error when the process is unhealthy.
	Health func() error
	Stats  func() any
}

type Server struct {
	cfg Config
	src Sources
	log logx.Logger

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, src Sources, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		return nil, ErrInsecureBind
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	// pprof profile/trace stream for up to 30s by default.
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	return &Server{cfg: cfg, src: src, log: log}, nil
}

// Handler returns the routed admin mux behind the token check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /stats", s.stats)
	if s.cfg.Pprof {
		mux.HandleFunc(pprofPrefix, hpprof.Index)
		mux.HandleFunc(pprofPrefix+"cmdline", hpprof.Cmdline)
		mux.HandleFunc(pprofPrefix+"profile", hpprof.Profile)
		mux.HandleFunc(pprofPrefix+"symbol", hpprof.Symbol)
		mux.HandleFunc(pprofPrefix+"trace", hpprof.Trace)
	}
	return withAuth(s.cfg.Token, mux)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.src.Health != nil {
		if err := s.src.Health(); err != nil {
			http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	var v any = struct{}{}
	if s.src.Stats != nil {
		v = s.src.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Warn("admin stats encode failed", logx.Err(err))
	}
}

// Start runs the listener under its own supervisor so a failing admin server
// never takes the relay down. Start is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("admin.http", s.serveOnce, rtsup.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second})
}

// Stop shuts the listener down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("admin stopped")
	return err
}

// Supervisor exposes the internal supervisor for stats (nil when stopped).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listener address once serving, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	s.log.Info("admin started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", s.cfg.Pprof),
		logx.Bool("token_set", s.cfg.Token != ""),
	)
	err = srv.Serve(ln)
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	if token == "" {
		return h
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			ah := r.Header.Get("Authorization")
			if after, ok := strings.CutPrefix(ah, "Bearer "); ok {
				got = strings.TrimSpace(after)
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
