package offers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/devsouq/devsouq/internal/auth"
	"github.com/devsouq/devsouq/internal/money"
	"github.com/devsouq/devsouq/internal/validation"
)

// Handler provides HTTP endpoints for offer operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.POST("/offers/:id/decline", h.DeclineOffer)
	r.POST("/offers/:id/withdraw", h.WithdrawOffer)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.ProjectTitle = validation.SanitizeString(req.ProjectTitle, 200)
	req.ProjectBrief = validation.SanitizeString(req.ProjectBrief, validation.MaxStringLength)

	if errs := validation.Validate(
		validation.Required("projectTitle", req.ProjectTitle),
		validation.ValidID("sellerId", req.SellerID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amountCents, ok := money.Parse(req.Amount)
	if !ok || amountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount: invalid amount format",
		})
		return
	}

	buyerID := auth.GetAuthenticatedUser(c)
	offer, err := h.service.Create(c.Request.Context(), buyerID, req.SellerID, req.ProjectTitle, req.ProjectBrief, amountCents)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrSelfOffer), errors.Is(err, ErrBadAmount):
			status = http.StatusBadRequest
			code = "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	id := c.Param("id")
	callerID := auth.GetAuthenticatedUser(c)

	offer, err := h.service.Get(c.Request.Context(), id, callerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Offer not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	callerID := auth.GetAuthenticatedUser(c)
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	offers, err := h.service.ListByUser(c.Request.Context(), callerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offers": offers,
		"count":  len(offers),
	})
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	h.respond(c, h.service.Accept)
}

// DeclineOffer handles POST /v1/offers/:id/decline
func (h *Handler) DeclineOffer(c *gin.Context) {
	h.respond(c, h.service.Decline)
}

// WithdrawOffer handles POST /v1/offers/:id/withdraw
func (h *Handler) WithdrawOffer(c *gin.Context) {
	h.respond(c, h.service.Withdraw)
}

func (h *Handler) respond(c *gin.Context, op func(ctx context.Context, id, callerID string) (*Offer, error)) {
	id := c.Param("id")
	callerID := auth.GetAuthenticatedUser(c)

	offer, err := op(c.Request.Context(), id, callerID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": offer})
}
