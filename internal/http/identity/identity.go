// Package identity reads the verified caller identity that the upstream
// authentication gateway attaches to every request.
package identity

import (
	"estatebid/internal/services/auction"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"

	ctxKey = "estatebid.identity"
)

// Middleware stores the caller (possibly anonymous) on the gin context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		b := auction.Bidder{
			ID:          strings.TrimSpace(c.GetHeader(HeaderUserID)),
			DisplayName: strings.TrimSpace(c.GetHeader(HeaderUserName)),
		}
		if b.DisplayName == "" {
			b.DisplayName = b.ID
		}
		c.Set(ctxKey, b)
		c.Next()
	}
}

// FromContext returns the caller; ID is empty for anonymous requests.
func FromContext(c *gin.Context) auction.Bidder {
	if v, ok := c.Get(ctxKey); ok {
		if b, ok := v.(auction.Bidder); ok {
			return b
		}
	}
	return auction.Bidder{}
}

// Require aborts anonymous requests with 401.
func Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if FromContext(c).ID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":       auction.ErrUnauthorized.Error(),
				"reason_code": auction.ReasonUnauthorized,
			})
			return
		}
		c.Next()
	}
}

// Header builds request headers carrying b, for clients and tests.
func Header(b auction.Bidder) http.Header {
	h := http.Header{}
	if b.ID != "" {
		h.Set(HeaderUserID, b.ID)
	}
	if b.DisplayName != "" {
		h.Set(HeaderUserName, b.DisplayName)
	}
	return h
}
