package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/dhightnm/fly-overhead/internal/queue"
)

const defaultDLQLimit = 50

// AdminHandler exposes queue introspection for operators: depth stats and
// the dead-letter lists. It carries no mutation endpoints.
type AdminHandler struct {
	queues map[string]*queue.Queue
	logger *zap.Logger
}

// NewAdminHandler creates the admin handler over the named queues.
func NewAdminHandler(ingestQ, webhookQ *queue.Queue, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		queues: map[string]*queue.Queue{
			"ingest":   ingestQ,
			"webhooks": webhookQ,
		},
		logger: logger,
	}
}

// Register binds the admin routes to the Echo instance.
func (h *AdminHandler) Register(e *echo.Echo) {
	g := e.Group("/admin")
	g.GET("/queues", h.HandleQueueStats)
	g.GET("/dlq/:queue", h.HandleDeadLetters)
}

// HandleQueueStats reports ready/delayed/dead depths for every queue.
func (h *AdminHandler) HandleQueueStats(c echo.Context) error {
	out := make(map[string]queue.Depth, len(h.queues))
	for name, q := range h.queues {
		depth, err := q.Stats(c.Request().Context())
		if err != nil {
			h.logger.Error("queue stats failed", zap.String("queue", name), zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "stats unavailable"})
		}
		out[name] = depth
	}
	return c.JSON(http.StatusOK, out)
}

// HandleDeadLetters lists the most recently parked messages of one queue.
func (h *AdminHandler) HandleDeadLetters(c echo.Context) error {
	q, ok := h.queues[c.Param("queue")]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown queue"})
	}

	limit := defaultDLQLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	parked, err := q.DeadLetters(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("dead letter read failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "dlq unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"queue":    c.Param("queue"),
		"count":    len(parked),
		"messages": parked,
	})
}
