package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/mntrk/observatory-backend/internal/detection"
	"github.com/mntrk/observatory-backend/internal/ratelimit"
	"github.com/mntrk/observatory-backend/internal/shared"
	"github.com/redis/go-redis/v9"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler exposes the two live-update channels. They deliver the same event
// shape over different transports on purpose: the SSE stream serves plain
// HTTP clients through the shared hub, while each WebSocket viewer owns a
// direct change-feed subscription. Redundant by design.
type Handler struct {
	hub        *Hub
	redis      *redis.Client
	limiter    *ratelimit.Limiter
	readPolicy ratelimit.Policy
	logger     *slog.Logger
}

func NewHandler(hub *Hub, redisClient *redis.Client, limiter *ratelimit.Limiter, readPolicy ratelimit.Policy, logger *slog.Logger) *Handler {
	return &Handler{
		hub:        hub,
		redis:      redisClient,
		limiter:    limiter,
		readPolicy: readPolicy,
		logger:     logger.With("handler", "feed"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/stream", h.HandleStream)
	g.GET("/feed", h.HandleFeed)
}

// HandleStream godoc
// @Summary      Live detection event stream
// @Description  Server-sent events: a connected frame on open, one detection frame per insert, keepalive pulses
// @Tags         feed
// @Produce      text/event-stream
// @Success      200
// @Failure      429  {object}  detection.RateLimitResponse
// @Router       /detections/stream [get]
func (h *Handler) HandleStream(c echo.Context) error {
	if err := h.admit(c); err != nil {
		return err
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	sub := h.hub.Register()
	defer h.hub.Unregister(sub.ID)

	conn, err := NewSSEConn(c.Response(), sub)
	if err != nil {
		h.logger.Error("failed to create SSE connection", "error", err)
		return shared.InternalError("stream_failed", "streaming unsupported")
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("viewer connected (SSE)", "viewer_id", sub.ID, "remote", c.RealIP())

	err = conn.Run(c.Request().Context())
	if err != nil && c.Request().Context().Err() == nil {
		h.logger.Warn("stream ended with error", "viewer_id", sub.ID, "error", err)
	}

	h.logger.Info("viewer disconnected (SSE)", "viewer_id", sub.ID)
	return nil
}

// HandleFeed godoc
// @Summary      Direct change-feed subscription
// @Description  WebSocket channel mirroring the live store's change feed, one subscription per viewer
// @Tags         feed
// @Success      101
// @Failure      429  {object}  detection.RateLimitResponse
// @Router       /detections/feed [get]
func (h *Handler) HandleFeed(c echo.Context) error {
	if err := h.admit(c); err != nil {
		return err
	}

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return err
	}
	defer ws.Close()

	ctx := c.Request().Context()

	pubsub := h.redis.Subscribe(ctx, detection.FeedChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Error("change feed subscription failed", "error", err)
		return nil
	}

	h.logger.Info("viewer connected (WebSocket)", "remote", c.RealIP())

	// Reader only detects the peer going away; viewers don't send data.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.writeWS(ws, NewConnectedEvent()); err != nil {
		return nil
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	events := pubsub.Channel()
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			var live detection.LiveDetection
			if err := json.Unmarshal([]byte(msg.Payload), &live); err != nil {
				h.logger.Warn("undecodable feed event, skipping", "error", err)
				continue
			}
			if err := h.writeWS(ws, NewDetectionEvent(&live)); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-closed:
			h.logger.Info("viewer disconnected (WebSocket)", "remote", c.RealIP())
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// admit mirrors the detection read endpoints: commit the contract's 429
// body with a Retry-After header, then return non-nil to stop the handler.
func (h *Handler) admit(c echo.Context) error {
	decision := h.limiter.Admit(c.RealIP(), h.readPolicy)
	if decision.Allowed {
		return nil
	}

	retryAfter := decision.RetryAfter(time.Now())
	c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
	if err := c.JSON(http.StatusTooManyRequests, detection.RateLimitResponse{
		Error:             "Rate limit exceeded",
		RetryAfterSeconds: retryAfter,
	}); err != nil {
		return err
	}
	return echo.ErrTooManyRequests
}

func (h *Handler) writeWS(ws *websocket.Conn, event Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(event)
}
