// Package transport exposes boards over HTTP: the websocket endpoint that
// viewers connect to plus a small admin and health surface.
package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/handlers"
	"github.com/mattfrayser/boardrelay/internal/middleware"
)

// BoardHandler upgrades GET /board/{boardID} and runs the connection's read
// loop.
type BoardHandler struct {
	dispatcher *handlers.Dispatcher
	limits     *middleware.Limits
	ipLimiter  *middleware.IPRateLimit
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewBoardHandler(
	dispatcher *handlers.Dispatcher,
	limits *middleware.Limits,
	ipLimiter *middleware.IPRateLimit,
	origins []string,
	logger *slog.Logger,
) *BoardHandler {
	return &BoardHandler{
		dispatcher: dispatcher,
		limits:     limits,
		ipLimiter:  ipLimiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// originChecker allows exactly the listed origins. An empty list allows
// any origin.
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := allowed[r.Header.Get("Origin")]
		return ok
	}
}

func (h *BoardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := middleware.ClientIP(r)
	if !h.ipLimiter.Allow(clientIP) {
		h.logger.Warn("Connection rate limit exceeded", "ip", clientIP)
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		h.logger.Debug("Websocket upgrade failed", "ip", clientIP, "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, h.logger)
	go c.writePump()
	h.track(c)
	defer h.untrack(c)

	boardID := chi.URLParam(r, "boardID")
	ctx := r.Context()

	bc, err := h.dispatcher.Open(ctx, boardID, c)
	if err != nil {
		h.logger.Info("Rejected board connection",
			"board_id", boardID,
			"code", apperrors.TypeOf(err),
			"error", err,
		)
		_ = c.Send(handlers.ErrorFrame(err))
		return
	}
	defer bc.Close()

	conn.SetReadLimit(int64(h.limits.MaxMessageSize))
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := h.limits.NewMessageLimiter()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Websocket read failed", "board_id", bc.BoardID(), "subscriber_id", bc.ID(), "error", err)
			}
			return
		}

		if !limiter.Allow() {
			if err := bc.Reject(apperrors.ValidationError("rate limit exceeded")); err != nil {
				return
			}
			continue
		}

		if err := bc.Handle(ctx, raw); err != nil {
			return
		}
	}
}

func (h *BoardHandler) track(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *BoardHandler) untrack(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

// CloseAll closes every open board socket. http.Server.Shutdown does not
// reach hijacked connections, so the server calls this on shutdown.
func (h *BoardHandler) CloseAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	return len(h.clients)
}
