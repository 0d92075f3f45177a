// Package idgen provides random identifiers for claims, payment records and events.
package idgen

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const base36 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// New returns a random RFC 4122 v4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless UUID (e.g. "pay_", "evt_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Sortable returns a time-ordered UUIDv7 so lexical order follows creation order.
func Sortable() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ClaimID returns an expense claim id of the form EXP-<base36 millis>-<6 random>.
// The timestamp component keeps ids roughly sortable by submission time.
func ClaimID() string {
	return claimIDAt(time.Now())
}

func claimIDAt(t time.Time) string {
	ts := strings.ToUpper(strconv.FormatInt(t.UnixMilli(), 36))
	return "EXP-" + ts + "-" + randomBase36(6)
}

// IsClaimID reports whether s has the shape produced by ClaimID.
func IsClaimID(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0] != "EXP" || parts[1] == "" || len(parts[2]) != 6 {
		return false
	}
	for _, p := range parts[1:] {
		for _, r := range p {
			if !strings.ContainsRune(base36, r) {
				return false
			}
		}
	}
	return true
}

func randomBase36(n int) string {
	max := big.NewInt(int64(len(base36)))
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		sb.WriteByte(base36[v.Int64()])
	}
	return sb.String()
}
