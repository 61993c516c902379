package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/devsouq/devsouq/internal/auth"
	"github.com/devsouq/devsouq/internal/validation"
)

// Handler provides HTTP endpoints for transaction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required transaction routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/deliver", h.Deliver)
	r.POST("/transactions/:id/review", h.SubmitReview)
	r.POST("/transactions/:id/dispute", h.Dispute)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.GET("/earnings", h.ListEarnings)
}

// respondError maps domain sentinels to HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
		code = "invalid_input"
	case errors.Is(err, ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		code = "store_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateTransactionRequest is the request body for funding an offer.
type CreateTransactionRequest struct {
	OfferID          string `json:"offerId" binding:"required"`
	PaymentMethod    string `json:"paymentMethod" binding:"required"`
	PaymentReference string `json:"paymentReference"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "offerId and paymentMethod are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("offerId", req.OfferID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	buyerID := auth.GetAuthenticatedUser(c)
	txn, err := h.service.Create(c.Request.Context(), buyerID, req.OfferID, req.PaymentMethod, req.PaymentReference)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id := c.Param("id")
	callerID := auth.GetAuthenticatedUser(c)

	detail, err := h.service.Get(c.Request.Context(), id, callerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
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

	txns, err := h.service.ListByUser(c.Request.Context(), callerID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// DeliverRequest is the request body for delivering project files.
type DeliverRequest struct {
	Files       []FileInput `json:"files" binding:"required"`
	Description string      `json:"description"`
}

// Deliver handles POST /v1/transactions/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	id := c.Param("id")
	sellerID := auth.GetAuthenticatedUser(c)

	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "files are required",
		})
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	txn, err := h.service.Deliver(c.Request.Context(), id, sellerID, req.Files, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ReviewRequest is the request body for a buyer review.
type ReviewRequest struct {
	Verdict  string `json:"verdict" binding:"required"`
	Feedback string `json:"feedback"`
}

// SubmitReview handles POST /v1/transactions/:id/review
func (h *Handler) SubmitReview(c *gin.Context) {
	id := c.Param("id")
	buyerID := auth.GetAuthenticatedUser(c)

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "verdict is required (approved or revision_requested)",
		})
		return
	}
	req.Feedback = validation.SanitizeString(req.Feedback, validation.MaxStringLength)

	txn, err := h.service.SubmitReview(c.Request.Context(), id, buyerID, Verdict(req.Verdict), req.Feedback)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// DisputeRequest is the request body for opening a dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /v1/transactions/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	id := c.Param("id")
	callerID := auth.GetAuthenticatedUser(c)

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)

	txn, err := h.service.Dispute(c.Request.Context(), id, callerID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	id := c.Param("id")
	callerID := auth.GetAuthenticatedUser(c)

	txn, err := h.service.Cancel(c.Request.Context(), id, callerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListEarnings handles GET /v1/earnings
func (h *Handler) ListEarnings(c *gin.Context) {
	sellerID := auth.GetAuthenticatedUser(c)
	status := c.Query("status")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	earnings, err := h.service.ListEarnings(c.Request.Context(), sellerID, status, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	var totalCents int64
	for _, e := range earnings {
		totalCents += e.AmountCents
	}

	c.JSON(http.StatusOK, gin.H{
		"earnings":   earnings,
		"count":      len(earnings),
		"totalCents": totalCents,
	})
}
