package employee

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stableflow/internal/auth"
	"github.com/mbd888/stableflow/internal/validation"
)

// WalletRequest is the body of PUT /v1/employees/:id/wallet.
type WalletRequest struct {
	WalletAddress string `json:"walletAddress"`
}

// Handler provides HTTP endpoints for the employee directory.
type Handler struct {
	dir *Directory
}

// NewHandler creates a new directory handler.
func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterRoutes sets up directory routes. The group must require an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/employees", h.CreateEmployee)
	r.GET("/employees", auth.RequireReviewer(h.dir), h.ListEmployees)
	r.GET("/employees/:id", h.GetEmployee)
	r.PUT("/employees/:id/wallet", h.UpdateWallet)
	r.POST("/employees/:id/deactivate", auth.RequireAdmin(h.dir), h.Deactivate)
}

// CreateEmployee handles POST /v1/employees. The first employee can be
// created by anyone so a fresh install can bootstrap its admin.
func (h *Handler) CreateEmployee(c *gin.Context) {
	ctx := c.Request.Context()
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	admin, err := h.dir.IsAdmin(ctx, auth.GetActor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if !admin {
		n, err := h.dir.Count(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		if n > 0 {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only admins can add employees.",
			})
			return
		}
	}

	e, err := h.dir.Create(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"employee": e})
}

// ListEmployees handles GET /v1/employees
func (h *Handler) ListEmployees(c *gin.Context) {
	list, err := h.dir.List(c.Request.Context(), ListFilter{
		ActiveOnly: c.Query("active") == "true",
		Department: c.Query("department"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"employees": list,
		"count":     len(list),
	})
}

// GetEmployee handles GET /v1/employees/:id
func (h *Handler) GetEmployee(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if id != auth.GetActor(c) {
		ok, err := h.dir.CanReview(ctx, auth.GetActor(c))
		if err != nil {
			writeError(c, err)
			return
		}
		if !ok {
			writeError(c, ErrNotFound)
			return
		}
	}

	e, err := h.dir.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"employee": e})
}

// UpdateWallet handles PUT /v1/employees/:id/wallet
func (h *Handler) UpdateWallet(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if id != auth.GetActor(c) {
		ok, err := h.dir.IsAdmin(ctx, auth.GetActor(c))
		if err != nil {
			writeError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the employee or an admin can change the wallet.",
			})
			return
		}
	}

	var req WalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	e, err := h.dir.UpdateWallet(ctx, id, req.WalletAddress)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"employee": e})
}

// Deactivate handles POST /v1/employees/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	e, err := h.dir.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"employee": e})
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Employee not found",
		})
	case errors.Is(err, ErrExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_exists",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
