package expense

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/auth"
	"github.com/mbd888/stableflow/internal/pagination"
	"github.com/mbd888/stableflow/internal/validation"
)

// CreateRequest is the body of POST /v1/claims.
type CreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	ReceiptRef  string `json:"receiptRef"`
}

// TransitionRequest is the body of POST /v1/claims/:id/transition.
type TransitionRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// Handler provides HTTP endpoints for the claim lifecycle.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new claim handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up claim routes. The group must run identity middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/claims", h.CreateClaim)
	r.GET("/claims", h.ListClaims)

	byID := r.Group("/claims/:id", validation.ClaimIDParamMiddleware())
	byID.GET("", h.GetClaim)
	byID.POST("/transition", h.TransitionClaim)
	byID.POST("/cancel", h.CancelClaim)
}

// CreateClaim handles POST /v1/claims
func (h *Handler) CreateClaim(c *gin.Context) {
	actor := auth.GetActor(c)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		amount = decimal.Zero
	}

	claim, err := h.manager.Create(c.Request.Context(), actor, Fields{
		Title:       req.Title,
		Description: req.Description,
		Amount:      amount,
		Category:    Category(strings.ToUpper(strings.TrimSpace(req.Category))),
		ReceiptRef:  req.ReceiptRef,
	})
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"claim": claim})
}

// GetClaim handles GET /v1/claims/:id
func (h *Handler) GetClaim(c *gin.Context) {
	claim, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	if claim.OwnerID != auth.GetActor(c) && !h.isReviewer(c) {
		// Hide other people's claims entirely.
		WriteError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

// ListClaims handles GET /v1/claims
func (h *Handler) ListClaims(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_filter",
			"message": err.Error(),
		})
		return
	}
	if !h.isReviewer(c) {
		f.OwnerID = auth.GetActor(c)
	}

	limit := f.Limit
	f.Limit++
	claims, err := h.manager.Query(c.Request.Context(), f)
	if err != nil {
		WriteError(c, err)
		return
	}
	claims, next, more := pagination.ComputePage(claims, limit, func(cl *Claim) (time.Time, string) {
		return cl.SubmittedAt, cl.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"claims":     claims,
		"count":      len(claims),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// TransitionClaim handles POST /v1/claims/:id/transition
func (h *Handler) TransitionClaim(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required",
		})
		return
	}

	target := Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	claim, err := h.manager.Transition(c.Request.Context(), c.Param("id"), target, auth.GetActor(c), req.Reason)
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

// CancelClaim handles POST /v1/claims/:id/cancel
func (h *Handler) CancelClaim(c *gin.Context) {
	claim, err := h.manager.Cancel(c.Request.Context(), c.Param("id"), auth.GetActor(c))
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

func (h *Handler) isReviewer(c *gin.Context) bool {
	return h.manager.checkReviewer(c.Request.Context(), auth.GetActor(c)) == nil
}

// WriteError maps lifecycle errors to HTTP responses.
func WriteError(c *gin.Context, err error) {
	var (
		verr *ValidationError
		terr *InvalidTransitionError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Violations.Error(),
			"details": verr.Violations,
		})
	case errors.As(err, &terr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": terr.Error(),
			"from":    terr.From,
			"to":      terr.To,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Claim not found",
		})
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

func parseFilter(c *gin.Context) (Filter, error) {
	var f Filter
	statuses, err := ParseStatuses(c.Query("status"))
	if err != nil {
		return f, err
	}
	f.Statuses = statuses

	if cat := strings.ToUpper(strings.TrimSpace(c.Query("category"))); cat != "" {
		f.Category = Category(cat)
		if !f.Category.Valid() {
			return f, errors.New("unknown category " + cat)
		}
	}
	f.OwnerID = c.Query("owner")

	if f.From, err = parseTime(c.Query("from"), false); err != nil {
		return f, errors.New("from: " + err.Error())
	}
	if f.To, err = parseTime(c.Query("to"), true); err != nil {
		return f, errors.New("to: " + err.Error())
	}

	if f.After, err = pagination.Decode(c.Query("cursor")); err != nil {
		return f, err
	}
	f.Limit = pagination.ParseLimit(c.Query("limit"))
	return f, nil
}

// parseTime accepts RFC 3339 timestamps or bare dates. A bare date used
// as an upper bound covers the whole day.
func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
