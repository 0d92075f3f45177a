// Package validation provides input rules and request middleware shared by
// the claim, employee and settlement APIs.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/stableflow/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a syntactically valid EVM address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// SanitizeString trims whitespace, strips null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// SanitizeAddress normalizes an EVM address to lowercase with 0x prefix
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// ValidationError is a single violated rule
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is every rule a candidate violated, in rule order
type ValidationErrors []ValidationError

// Error joins all violations so callers can show them at once
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Message
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the violated fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, v := range e {
		out[i] = v.Field
	}
	return out
}

// Rule checks one constraint and returns nil when it holds
type Rule func() *ValidationError

// Validate runs every rule and collects all violations
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, r := range rules {
		if err := r(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-blank
func Required(field, value, message string) Rule {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: message}
		}
		return nil
	}
}

// MinLength checks the trimmed rune length of a field
func MinLength(field, value string, min int, message string) Rule {
	return func() *ValidationError {
		if utf8.RuneCountInString(strings.TrimSpace(value)) < min {
			return &ValidationError{Field: field, Message: message}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes
func MaxLength(field, value string, max int) Rule {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: field + " exceeds maximum length"}
		}
		return nil
	}
}

// Positive checks amount > 0
func Positive(field string, amount decimal.Decimal, message string) Rule {
	return func() *ValidationError {
		if !amount.IsPositive() {
			return &ValidationError{Field: field, Message: message}
		}
		return nil
	}
}

// AtMost checks amount <= ceiling. Non-positive amounts are left to Positive.
func AtMost(field string, amount, ceiling decimal.Decimal, message string) Rule {
	return func() *ValidationError {
		if amount.IsPositive() && amount.GreaterThan(ceiling) {
			return &ValidationError{Field: field, Message: message}
		}
		return nil
	}
}

// OneOf checks that a non-empty value is in the allowed set
func OneOf(field, value string, allowed []string, message string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: message}
	}
}

// ValidAddress checks a non-empty field is an EVM address
func ValidAddress(field, value string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: field + " must be a valid wallet address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ClaimIDParamMiddleware rejects malformed :id parameters on claim routes
func ClaimIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !idgen.IsClaimID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_claim_id",
				"message": "claim id must look like EXP-XXXXXXXX-XXXXXX",
			})
			return
		}
		c.Next()
	}
}
