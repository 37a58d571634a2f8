// Package security hardens the HTTP surface: response headers for a JSON and
// websocket API, CORS for browser agents that sign with a wallet, and
// request body limits.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/auth"
)

// DefaultMaxBodyBytes bounds request bodies; every write payload is small JSON.
const DefaultMaxBodyBytes = 64 << 10

// RequestIDHeader is echoed on every response and exposed to browsers.
const RequestIDHeader = "X-Request-ID"

// The API never serves a document, so nothing it returns may be framed,
// sniffed or load subresources. connect-src keeps the realtime feed open.
var apiHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
	"Content-Security-Policy": "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'",
}

// Headers sets the API response headers. hsts adds Strict-Transport-Security
// and belongs behind TLS only.
func Headers(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for k, v := range apiHeaders {
			h.Set(k, v)
		}
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		c.Next()
	}
}

var (
	corsMethods = "GET, POST, PUT, OPTIONS"
	// A signed call carries the wallet headers; a browser agent cannot
	// send them unless preflight allows them.
	corsHeaders = strings.Join([]string{
		"Content-Type", RequestIDHeader,
		auth.HeaderAddress, auth.HeaderTimestamp, auth.HeaderSignature,
	}, ", ")
)

// CORS allows cross-origin calls from origins. An empty list or "*" allows
// any origin without credentials; the wallet signature, not a cookie,
// authenticates a call. A preflight from any other origin gets 403.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	anyOrigin := len(origins) == 0 || allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		c.Writer.Header().Add("Vary", "Origin")

		ok := anyOrigin || allowed[origin]
		if ok {
			h := c.Writer.Header()
			if anyOrigin {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			h.Set("Access-Control-Expose-Headers", RequestIDHeader)
		}

		if c.Request.Method != http.MethodOptions || c.GetHeader("Access-Control-Request-Method") == "" {
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
		h.Set("Access-Control-Max-Age", "86400")
		c.AbortWithStatus(http.StatusNoContent)
	}
}

// BodyLimit rejects request bodies larger than maxBytes. A non-positive
// limit uses DefaultMaxBodyBytes. A body without a declared length is cut
// off by the reader, which the signature middleware reports as 413.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body too large",
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
