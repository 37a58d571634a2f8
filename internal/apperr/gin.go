package apperr

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/logging"
)

// Respond writes err as a JSON error body. Internal errors are logged and
// their message is not echoed to the client.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	msg := err.Error()
	if kind == Internal {
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		msg = "internal error"
	}
	c.JSON(kind.HTTPStatus(), gin.H{
		"error":   kind.Code(),
		"message": msg,
	})
}

// BadRequest writes a validation_error body for malformed request input.
func BadRequest(c *gin.Context, msg string) {
	c.JSON(Validation.HTTPStatus(), gin.H{
		"error":   Validation.Code(),
		"message": msg,
	})
}
