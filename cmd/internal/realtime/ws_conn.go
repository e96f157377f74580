package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "chatd/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

// wsConn is one accepted websocket. The read loop feeds the Session; the
// writer is the only goroutine that writes frames.
type wsConn struct {
	cfg     GatewayConfig
	metrics *Metrics
	log     *slog.Logger

	conn    *websocket.Conn
	client  *Client
	session *Session
	limiter *RateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	once        sync.Once
	mu          sync.Mutex
	closeCode   websocket.StatusCode
	closeReason string
}

func newWSConn(parent context.Context, g *WSGateway, conn *websocket.Conn, connID string) *wsConn {
	client := NewClient(connID, g.cfg.SendQueueSize)
	ctx, cancel := context.WithCancel(parent)
	return &wsConn{
		cfg:         g.cfg,
		metrics:     g.deps.Metrics,
		log:         g.log.With("conn_id", connID),
		conn:        conn,
		client:      client,
		session:     NewSession(g.deps, client),
		limiter:     NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow),
		ctx:         ctx,
		cancel:      cancel,
		closeCode:   websocket.StatusNormalClosure,
		closeReason: "closing",
	}
}

func (c *wsConn) run() {
	defer c.cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeatLoop()
	}()

	c.readLoop()

	// A network close goes through the same Session.Close as an explicit disconnect.
	c.session.Close()
	<-writerDone
	c.shutdown(c.closeStatus())

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// closeWith sets the status the writer closes with once it has drained.
func (c *wsConn) closeWith(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	c.closeCode, c.closeReason = code, reason
	c.mu.Unlock()
}

func (c *wsConn) closeStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// shutdown is idempotent and leaves client.Send open.
func (c *wsConn) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.session.Close()
		_ = c.conn.Close(code, reason)
		c.cancel()
	})
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.client.Done():
			// Disconnect or registry shutdown: flush the queue before closing.
			c.drain()
			c.shutdown(c.closeStatus())
			return
		case env := <-c.client.Send:
			if err := writeEnvelope(c.ctx, c.conn, env, c.cfg.WriteTimeout); err != nil {
				c.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *wsConn) drain() {
	for {
		select {
		case env := <-c.client.Send:
			if err := writeEnvelope(c.ctx, c.conn, env, c.cfg.WriteTimeout); err != nil {
				c.log.Debug("ws.drain.fail", "err", err)
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) heartbeatLoop() {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.client.Done():
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HeartbeatTimeout)
		err := c.conn.Ping(ctx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		c.log.Info("ws.ping.fail", "failures", failures, "err", err)
		if failures >= maxPingFailures {
			c.shutdown(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

func (c *wsConn) readLoop() {
	for {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ReadIdleTimeout)
		env, err := readEnvelope(ctx, c.conn)
		cancel()

		if err != nil {
			kind := classifyReadErr(err)
			if kind == readErrBadJSON {
				c.pushError("bad_json", "invalid JSON")
				continue
			}
			c.shutdown(readErrStatus(kind, err, c.log))
			return
		}

		if !c.limiter.Allow(time.Now().UTC()) {
			c.pushError("rate_limited", "too many events")
			c.metrics.rejected("rate_limited")
			// The writer flushes the error frame, then closes with this status.
			c.closeWith(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			c.pushError("bad_envelope", err.Error())
			continue
		}

		c.session.Dispatch(c.ctx, env)
		if c.session.Phase() == PhaseClosed {
			return
		}
	}
}

func readErrStatus(kind readErrKind, err error, log *slog.Logger) (websocket.StatusCode, string) {
	switch kind {
	case readErrClose:
		return websocket.StatusNormalClosure, "peer closed"
	case readErrCtxDone:
		return websocket.StatusNormalClosure, "context done"
	case readErrConnClosed:
		return websocket.StatusAbnormalClosure, "conn closed"
	}
	log.Info("ws.read.fail", "err", err)
	return websocket.StatusAbnormalClosure, "read failed"
}

// pushError is best effort; a full queue drops the frame.
func (c *wsConn) pushError(code, msg string) {
	env, err := encodeEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = c.client.Push(env)
}
