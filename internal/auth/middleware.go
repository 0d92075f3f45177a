// Package auth carries the caller identity asserted by the upstream
// identity proxy and enforces directory roles on routes.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stableflow/internal/logging"
	"github.com/mbd888/stableflow/internal/validation"
)

const (
	// HeaderUserID is set by the identity proxy in front of the API.
	HeaderUserID = "X-User-ID"
	// ContextKeyActor is the key for storing the caller's user id in gin context
	ContextKeyActor = "actorId"

	maxUserIDLen = 128
)

// RoleChecker answers role questions against the employee directory.
type RoleChecker interface {
	CanReview(ctx context.Context, actorID string) (bool, error)
	IsAdmin(ctx context.Context, actorID string) (bool, error)
}

// Middleware extracts the caller id from the proxy header.
// Sets actorId in gin context and the actor on the request context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := validation.SanitizeString(c.GetHeader(HeaderUserID), maxUserIDLen)
		if id != "" && !strings.ContainsAny(id, " \t/") {
			c.Set(ContextKeyActor, id)
			c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), id))
		}
		c.Next()
	}
}

// RequireActor rejects requests without a caller id
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetActor(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required. The identity proxy must set " + HeaderUserID + ".",
			})
			return
		}
		c.Next()
	}
}

// RequireReviewer allows only active managers and admins
func RequireReviewer(roles RoleChecker) gin.HandlerFunc {
	return requireRole(roles.CanReview, "Only managers and admins can do this.")
}

// RequireAdmin allows only active admins
func RequireAdmin(roles RoleChecker) gin.HandlerFunc {
	return requireRole(roles.IsAdmin, "Only admins can do this.")
}

func requireRole(check func(context.Context, string) (bool, error), message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := GetActor(c)
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required.",
			})
			return
		}
		ok, err := check(c.Request.Context(), actor)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resolve caller role",
			})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": message,
			})
			return
		}
		c.Next()
	}
}

// GetActor returns the caller's user id, or "" when unauthenticated
func GetActor(c *gin.Context) string {
	return c.GetString(ContextKeyActor)
}
