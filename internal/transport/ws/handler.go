package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomrelay/internal/relay"
	logx "roomrelay/pkg/logx"
)

// HandlerConfig configures the upgrade endpoint.
type HandlerConfig struct {
	// Path prefix; the room reference is the final segment.
	Path             string
	ReadLimit        int64
	HandshakeTimeout time.Duration
	// AllowedOrigins lists accepted Origin header values. Empty accepts any.
	AllowedOrigins []string
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/ws/chat/"
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if !strings.HasSuffix(c.Path, "/") {
		c.Path += "/"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Handler upgrades GET <path>{room}?token=... and hands the session to the relay.
type Handler struct {
	srv  *relay.Server
	cfg  HandlerConfig
	up   websocket.Upgrader
	base context.Context
	log  logx.Logger
}

// NewHandler builds the endpoint. Sessions run under base, not the request
// context, so that cancelling base ends every session.
func NewHandler(base context.Context, srv *relay.Server, cfg HandlerConfig, log logx.Logger) *Handler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{srv: srv, cfg: cfg, base: base, log: log}
	h.up = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// Pattern is the ServeMux pattern the handler expects to be mounted at.
func (h *Handler) Pattern() string { return "GET " + h.cfg.Path + "{room}" }

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) { mux.Handle(h.Pattern(), h) }

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		room = strings.TrimPrefix(r.URL.Path, h.cfg.Path)
	}
	if room == "" || strings.Contains(room, "/") {
		http.NotFound(w, r)
		return
	}

	conn, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("websocket upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}

	req := relay.ConnectRequest{
		RoomRef:    room,
		Credential: credential(r),
		RemoteAddr: r.RemoteAddr,
	}
	err = h.srv.Serve(h.base, NewConn(conn, h.cfg.ReadLimit), req)
	var ce *relay.CloseError
	switch {
	case err == nil, errors.As(err, &ce), errors.Is(err, relay.ErrServerClosed):
	default:
		h.log.Warn("session ended with error", logx.String("remote", r.RemoteAddr), logx.Err(err))
	}
}

// credential reads the token query parameter, falling back to a bearer header.
func credential(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
