package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// PasswordHeader carries the access password.
	PasswordHeader = "X-Access-Password"
	// PasswordQuery carries it on WebSocket upgrades, where browsers
	// cannot set headers.
	PasswordQuery = "password"

	contextKeyCaps = "authCapabilities"
)

// Middleware authenticates the caller and stores its capabilities. A bad
// password is rejected with 401; no password yields an empty set.
func Middleware(g Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		password := c.GetHeader(PasswordHeader)
		if password == "" {
			password = c.Query(PasswordQuery)
		}

		caps, err := g.Authenticate(password)
		if err != nil && password != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid access password",
			})
			return
		}
		if caps == nil {
			caps = Capabilities{}
		}
		c.Set(contextKeyCaps, caps)
		c.Next()
	}
}

// FromContext returns the capabilities set by Middleware.
func FromContext(c *gin.Context) Capabilities {
	if v, ok := c.Get(contextKeyCaps); ok {
		if caps, ok := v.(Capabilities); ok {
			return caps
		}
	}
	return Capabilities{}
}

// Require rejects callers lacking capability.
func Require(capability Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		caps := FromContext(c)
		if caps.Has(capability) {
			c.Next()
			return
		}
		status := http.StatusForbidden
		if len(caps) == 0 {
			status = http.StatusUnauthorized
		}
		c.AbortWithStatusJSON(status, gin.H{
			"error":   "forbidden",
			"message": "Missing capability: " + string(capability),
		})
	}
}
