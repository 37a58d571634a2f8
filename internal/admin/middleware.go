package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/auth"
)

// RequireOwner rejects requests whose authenticated caller is not the owner.
// Mount after auth.RequireAuth.
func RequireOwner(c *Controller) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		caller, ok := auth.Caller(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required.",
			})
			return
		}
		if err := c.CheckOwner(caller); err != nil {
			apperr.Respond(ctx, err)
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// WhenNotPaused rejects requests while the platform is paused. The services
// check the same flag; this stops the request before body parsing.
func WhenNotPaused(c *Controller) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if err := c.WhenNotPaused(); err != nil {
			apperr.Respond(ctx, err)
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}
