package realtime

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	v1 "chatd/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

// WSGateway is the websocket entrypoint: it checks origin and subprotocol,
// then runs one Session per accepted connection.
type WSGateway struct {
	log    *slog.Logger
	deps   SessionDeps
	cfg    GatewayConfig
	origin originPolicy
}

// NewWSGateway constructs a gateway over the shared session collaborators.
func NewWSGateway(log *slog.Logger, deps SessionDeps, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Log == nil {
		deps.Log = log
	}

	cfg = cfg.withDefaults()
	return &WSGateway{
		log:    log,
		deps:   deps,
		cfg:    cfg,
		origin: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}
}

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades r and blocks until the connection is done.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origin.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.deps.Metrics.rejected("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origin.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.deps.Metrics.rejected("subprotocol")
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	g.deps.Metrics.connOpened()
	defer g.deps.Metrics.connClosed()

	c := newWSConn(r.Context(), g, conn, connID)
	c.log.Debug("ws.open", "remote", r.RemoteAddr)
	c.run()
	c.log.Debug("ws.closed")
}
