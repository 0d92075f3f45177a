package ledger

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/auth"
	"github.com/mbd888/stableflow/internal/usdc"
)

// AdjustRequest is the body of the credit and debit endpoints.
type AdjustRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// Handler provides HTTP endpoints for off-chain balance adjustments
type Handler struct {
	ledger *Ledger
	roles  auth.RoleChecker
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, roles auth.RoleChecker) *Handler {
	return &Handler{ledger: ledger, roles: roles}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/employees/:id/balance/history", h.GetHistory)
	r.POST("/employees/:id/balance/credit", auth.RequireAdmin(h.roles), h.Credit)
	r.POST("/employees/:id/balance/debit", auth.RequireAdmin(h.roles), h.Debit)
}

// GetHistory handles GET /v1/employees/:id/balance/history
func (h *Handler) GetHistory(c *gin.Context) {
	id := c.Param("id")
	if id != auth.GetActor(c) {
		ok, err := h.roles.CanReview(c.Request.Context(), auth.GetActor(c))
		if err != nil || !ok {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the employee or a reviewer can read this history.",
			})
			return
		}
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// Credit handles POST /v1/employees/:id/balance/credit
func (h *Handler) Credit(c *gin.Context) {
	h.adjust(c, h.ledger.Credit)
}

// Debit handles POST /v1/employees/:id/balance/debit
func (h *Handler) Debit(c *gin.Context) {
	h.adjust(c, h.ledger.Debit)
}

type adjustFunc func(ctx context.Context, employeeID string, amount decimal.Decimal, reference, description string) (*Balance, error)

func (h *Handler) adjust(c *gin.Context, op adjustFunc) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}
	amount, err := usdc.ParseAmount(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive USDC amount",
		})
		return
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "manual:" + auth.GetActor(c)
	}
	bal, err := op(c.Request.Context(), c.Param("id"), amount, reference, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "insufficient_balance",
				"message": err.Error(),
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": bal})
}
