package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"conewatch/internal/config"
	"conewatch/internal/logging"
	"conewatch/internal/notify"
)

const (
	wsWriteWait      = 10 * time.Second
	wsReadLimit      = 4096
	wsDefaultPing    = 30 * time.Second
	wsBufferFallback = 16
)

// wsHandler upgrades viewer connections and registers each one as a
// notify.Outbox subscriber for the lifetime of the connection.
type wsHandler struct {
	upgrader     websocket.Upgrader
	registry     *notify.Registry
	buffer       int
	pingInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup
}

func newWSHandler(cfg *config.Config, registry *notify.Registry, logger *slog.Logger) *wsHandler {
	h := &wsHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers are served from this daemon or opened from disk.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registry:     registry,
		buffer:       cfg.Server.SubscriberBuffer,
		pingInterval: cfg.PingInterval(),
		logger:       logging.NewComponentLogger(logger, "websocket"),
	}
	if h.buffer <= 0 {
		h.buffer = wsBufferFallback
	}
	if h.pingInterval <= 0 {
		h.pingInterval = wsDefaultPing
	}
	return h
}

// serve runs one connection until the peer goes away, delivery to it fails,
// or ctx ends.
func (h *wsHandler) serve(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", logging.String(logging.FieldRemoteAddr, r.RemoteAddr), logging.Error(err))
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conns.Add(1)
	h.mu.Unlock()
	defer h.conns.Done()

	outbox := notify.NewOutbox(h.buffer)
	ctx = logging.WithSubscriberID(ctx, outbox.ID())
	logger := logging.WithContext(ctx, h.logger)

	h.registry.Add(outbox)
	logger.Info("viewer connected",
		logging.String(logging.FieldRemoteAddr, r.RemoteAddr),
		logging.Int("active_connections", h.registry.Len()),
		logging.String(logging.FieldEventType, "subscriber_connected"),
	)

	readerDone := make(chan struct{})
	go h.readLoop(conn, readerDone)
	reason := h.writeLoop(ctx, conn, outbox, readerDone)

	h.registry.Remove(outbox.ID())
	outbox.Close()
	_ = conn.Close()
	<-readerDone

	logger.Info("viewer disconnected",
		logging.String("reason", reason),
		logging.Duration("connected_for", time.Since(outbox.ConnectedAt())),
		logging.Int("active_connections", h.registry.Len()),
		logging.String(logging.FieldEventType, "subscriber_disconnected"),
	)
}

// readLoop consumes client frames. Their content is ignored; any frame or
// pong extends the read deadline.
func (h *wsHandler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	deadline := func() time.Time { return time.Now().Add(2 * h.pingInterval) }
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(deadline())
	}
}

func (h *wsHandler) writeLoop(ctx context.Context, conn *websocket.Conn, outbox *notify.Outbox, readerDone <-chan struct{}) string {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return "shutdown"
		case <-readerDone:
			return "peer closed"
		case event, ok := <-outbox.Events():
			if !ok {
				return "delivery failed"
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return "write failed"
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return "ping failed"
			}
		}
	}
}

// wait blocks until every open connection has been torn down. Connections
// arriving meanwhile are refused.
func (h *wsHandler) wait() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.conns.Wait()
	h.mu.Lock()
	h.closing = false
	h.mu.Unlock()
}
