package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stableflow/internal/auth"
	"github.com/mbd888/stableflow/internal/employee"
	"github.com/mbd888/stableflow/internal/expense"
	"github.com/mbd888/stableflow/internal/usdc"
)

// Handler serves balances, statistics and coverage.
type Handler struct {
	service  *Service
	monitor  *Monitor
	coverage *CoverageCheck
	claims   ApprovedClaims
	roles    auth.RoleChecker
}

// NewHandler creates a reconciliation handler. claims backs /stats until
// the monitor has folded its first snapshot.
func NewHandler(service *Service, monitor *Monitor, coverage *CoverageCheck, claims ApprovedClaims, roles auth.RoleChecker) *Handler {
	return &Handler{
		service:  service,
		monitor:  monitor,
		coverage: coverage,
		claims:   claims,
		roles:    roles,
	}
}

// RegisterRoutes sets up reconciliation routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	reviewer := auth.RequireReviewer(h.roles)

	r.GET("/employees/:id/balance", auth.RequireActor(), h.GetBalance)
	r.GET("/stats", reviewer, h.GetStats)
	r.GET("/reconciliation/coverage", reviewer, h.GetCoverage)
}

// GetBalance handles GET /v1/employees/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	id := c.Param("id")
	if actor := auth.GetActor(c); id != actor {
		ok, err := h.roles.CanReview(c.Request.Context(), actor)
		if err != nil || !ok {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the employee or a reviewer can read this balance.",
			})
			return
		}
	}

	b, err := h.service.ComputeBalance(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, employee.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Employee not found",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "balance_unavailable",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"employeeId":    b.EmployeeID,
		"walletAddress": b.WalletAddress,
		"offChain":      usdc.FormatAmount(b.OffChain),
		"onChain":       usdc.FormatAmount(b.OnChain),
		"total":         usdc.FormatAmount(b.Total),
	})
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	if h.monitor != nil && h.monitor.Ready() {
		c.JSON(http.StatusOK, gin.H{"stats": h.monitor.Stats(), "source": "monitor"})
		return
	}

	all, err := h.claims.Query(c.Request.Context(), expense.Filter{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": ComputeStatistics(all), "source": "query"})
}

// GetCoverage handles GET /v1/reconciliation/coverage
func (h *Handler) GetCoverage(c *gin.Context) {
	res, err := h.coverage.Check(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "coverage_unavailable",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"coverage": res})
}
