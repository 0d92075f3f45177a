package payment

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stableflow/internal/auth"
	"github.com/mbd888/stableflow/internal/chain"
	"github.com/mbd888/stableflow/internal/expense"
	"github.com/mbd888/stableflow/internal/idgen"
	"github.com/mbd888/stableflow/internal/pagination"
	"github.com/mbd888/stableflow/internal/usdc"
	"github.com/mbd888/stableflow/internal/validation"
)

const maxBatchSize = 200

// BatchRequest is the body of POST /v1/settlements/batch.
type BatchRequest struct {
	ClaimIDs []string `json:"claimIds" binding:"required"`
}

// Handler provides HTTP endpoints for settlement.
type Handler struct {
	engine *Engine
	roles  auth.RoleChecker
}

// NewHandler creates a settlement handler.
func NewHandler(engine *Engine, roles auth.RoleChecker) *Handler {
	return &Handler{engine: engine, roles: roles}
}

// RegisterRoutes sets up settlement routes. The group must run identity middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	reviewer := auth.RequireReviewer(h.roles)

	r.POST("/claims/:id/settle", validation.ClaimIDParamMiddleware(), reviewer, h.SettleClaim)
	r.POST("/settlements/batch", reviewer, h.SettleBatch)
	r.POST("/settlements/approved", reviewer, h.SettleApproved)
	r.GET("/payments", auth.RequireActor(), h.ListPayments)
	r.GET("/treasury/balance", reviewer, h.GetTreasuryBalance)
}

// SettleClaim handles POST /v1/claims/:id/settle
func (h *Handler) SettleClaim(c *gin.Context) {
	s, err := h.engine.SettleSingle(c.Request.Context(), c.Param("id"), auth.GetActor(c))
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": s})
}

// SettleBatch handles POST /v1/settlements/batch
func (h *Handler) SettleBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "claimIds is required",
		})
		return
	}
	if len(req.ClaimIDs) == 0 || len(req.ClaimIDs) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "claimIds must hold between 1 and " + strconv.Itoa(maxBatchSize) + " ids",
		})
		return
	}
	for _, id := range req.ClaimIDs {
		if !idgen.IsClaimID(id) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "invalid claim id " + strconv.Quote(id),
			})
			return
		}
	}

	res := h.engine.SettleBatch(c.Request.Context(), req.ClaimIDs, auth.GetActor(c))
	c.JSON(batchStatus(res), gin.H{"result": res})
}

// SettleApproved handles POST /v1/settlements/approved
func (h *Handler) SettleApproved(c *gin.Context) {
	res, err := h.engine.SettleApproved(c.Request.Context(), auth.GetActor(c))
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(batchStatus(res), gin.H{"result": res})
}

// ListPayments handles GET /v1/payments. Non-reviewers only see their own.
func (h *Handler) ListPayments(c *gin.Context) {
	f := Filter{
		ClaimID:    c.Query("claim"),
		EmployeeID: c.Query("employee"),
		Outcome:    Outcome(strings.ToUpper(c.Query("outcome"))),
		Limit:      pagination.ParseLimit(c.Query("limit")),
	}
	if f.Outcome != "" && f.Outcome != OutcomeSuccess && f.Outcome != OutcomeFailed {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_filter",
			"message": "outcome must be SUCCESS or FAILED",
		})
		return
	}
	actor := auth.GetActor(c)
	if ok, err := h.roles.CanReview(c.Request.Context(), actor); err != nil || !ok {
		f.EmployeeID = actor
	}

	records, err := h.engine.Payments(c.Request.Context(), f)
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": records,
		"count":    len(records),
	})
}

// GetTreasuryBalance handles GET /v1/treasury/balance
func (h *Handler) GetTreasuryBalance(c *gin.Context) {
	b, err := h.engine.TreasuryBalance(c.Request.Context())
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":     b.Address,
		"initialized": b.Initialized,
		"native":      b.Native.String(),
		"usdc":        usdc.FormatAmount(b.USDC),
	})
}

// batchStatus is 200 when everything settled and 207 otherwise.
func batchStatus(res *BatchResult) int {
	if res.Success {
		return http.StatusOK
	}
	return http.StatusMultiStatus
}

// WriteError maps settlement errors to HTTP responses. Lifecycle errors
// fall through to expense.WriteError.
func WriteError(c *gin.Context, err error) {
	var (
		werr *WalletError
		cerr *chain.ChainError
	)
	switch {
	case errors.As(err, &werr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_wallet",
			"message": werr.Error(),
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrTreasuryUninitialized):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "treasury_unavailable",
			"message": "Treasury is not configured",
		})
	case errors.Is(err, ErrChainUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "chain_unavailable",
			"message": err.Error(),
		})
	case errors.As(err, &cerr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "settlement_failed",
			"message": cerr.Error(),
			"txHash":  cerr.TxHash,
		})
	default:
		expense.WriteError(c, err)
	}
}
