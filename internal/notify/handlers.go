package notify

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/devsouq/devsouq/internal/auth"
)

// Handler provides HTTP endpoints for a user's notifications.
type Handler struct {
	store Store
}

// NewHandler creates a new notifications handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up auth-required notification routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.GET("/notifications/unread-count", h.UnreadCount)
	r.POST("/notifications/:id/read", h.MarkRead)
	r.POST("/notifications/read-all", h.MarkAllRead)
}

// List handles GET /v1/notifications?unread=true&limit=50
func (h *Handler) List(c *gin.Context) {
	recipient := auth.GetAuthenticatedUser(c)
	unreadOnly := c.Query("unread") == "true"

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	rows, err := h.store.ListByRecipient(c.Request.Context(), recipient, unreadOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": rows,
		"count":         len(rows),
	})
}

// UnreadCount handles GET /v1/notifications/unread-count
func (h *Handler) UnreadCount(c *gin.Context) {
	recipient := auth.GetAuthenticatedUser(c)

	count, err := h.store.CountUnread(c.Request.Context(), recipient)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// MarkRead handles POST /v1/notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	recipient := auth.GetAuthenticatedUser(c)

	n, err := h.store.MarkRead(c.Request.Context(), c.Param("id"), recipient)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "notification not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, n)
}

// MarkAllRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(c *gin.Context) {
	recipient := auth.GetAuthenticatedUser(c)

	count, err := h.store.MarkAllRead(c.Request.Context(), recipient)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"marked": count})
}
