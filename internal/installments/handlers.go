package installments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devsouq/devsouq/internal/auth"
)

// Handler provides HTTP endpoints for installment plans.
type Handler struct {
	service *Service
}

// NewHandler creates a new installments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required installment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/installments", h.Activate)
	r.GET("/transactions/:id/installments", h.List)
	r.POST("/installments/:id/pay", h.Pay)
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidPlan):
		status = http.StatusBadRequest
		code = "invalid_plan"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrPlanExists):
		status = http.StatusConflict
		code = "plan_exists"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// ActivateRequest selects the plan type for a transaction.
type ActivateRequest struct {
	PlanType string `json:"planType" binding:"required"`
}

// Activate handles POST /v1/transactions/:id/installments
func (h *Handler) Activate(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "planType is required",
		})
		return
	}

	buyerID := auth.GetAuthenticatedUser(c)
	rows, err := h.service.Activate(c.Request.Context(), c.Param("id"), buyerID, PlanType(req.PlanType))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transactionId": c.Param("id"),
		"installments":  rows,
	})
}

// List handles GET /v1/transactions/:id/installments
func (h *Handler) List(c *gin.Context) {
	buyerID := auth.GetAuthenticatedUser(c)
	rows, err := h.service.List(c.Request.Context(), c.Param("id"), buyerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactionId": c.Param("id"),
		"installments":  rows,
		"count":         len(rows),
	})
}

// PayRequest carries the payment reference for an installment.
type PayRequest struct {
	PaymentReference string `json:"paymentReference" binding:"required"`
}

// Pay handles POST /v1/installments/:id/pay
func (h *Handler) Pay(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentReference is required",
		})
		return
	}

	buyerID := auth.GetAuthenticatedUser(c)
	inst, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"), buyerID, req.PaymentReference)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, inst)
}
