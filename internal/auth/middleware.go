package auth

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/validation"
)

const (
	HeaderAddress   = "X-Agent-Address"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// ContextKeyAgentAddr is the key for storing the authenticated address
	// (lowercase hex) in the gin context.
	ContextKeyAgentAddr = "authAgentAddr"
)

// Middleware verifies signed requests and sets authAgentAddr when the
// signature is valid. Requests without auth headers pass through
// unauthenticated; requests with bad auth headers are rejected.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		addrHeader := c.GetHeader(HeaderAddress)
		sig := c.GetHeader(HeaderSignature)
		if addrHeader == "" && sig == "" {
			c.Next()
			return
		}

		addr, err := validation.ParseAddress(addrHeader)
		if err != nil || sig == "" {
			reject(c, ErrMissingHeaders)
			return
		}
		ts, err := strconv.ParseInt(c.GetHeader(HeaderTimestamp), 10, 64)
		if err != nil {
			reject(c, ErrInvalidTimestamp)
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "invalid_request",
					"message": "Request body could not be read",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		if err := v.Verify(addr, c.Request.Method, c.Request.URL.Path, ts, body, sig); err != nil {
			reject(c, err)
			return
		}

		c.Set(ContextKeyAgentAddr, strings.ToLower(addr.Hex()))
		c.Request = c.Request.WithContext(logging.WithCaller(c.Request.Context(), strings.ToLower(addr.Hex())))
		c.Next()
	}
}

func reject(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": err.Error(),
	})
}

// RequireAuth rejects requests that Middleware did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetAuthenticatedAgent(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required. Include X-Agent-Address, X-Timestamp and X-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// GetAuthenticatedAgent returns the authenticated agent's address
func GetAuthenticatedAgent(c *gin.Context) string {
	return c.GetString(ContextKeyAgentAddr)
}

// Caller returns the authenticated address, if any.
func Caller(c *gin.Context) (common.Address, bool) {
	s := GetAuthenticatedAgent(c)
	if s == "" {
		return common.Address{}, false
	}
	addr, err := validation.ParseAddress(s)
	if err != nil {
		return common.Address{}, false
	}
	return addr, true
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	return GetAuthenticatedAgent(c) != ""
}
