package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/units"
	"github.com/mbd888/agora/internal/validation"
)

// Handler provides HTTP endpoints for account balances
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address", h.GetBalance)
	r.GET("/accounts/:address/entries", h.GetHistory)
}

// GetBalance handles GET /accounts/:address
func (h *Handler) GetBalance(c *gin.Context) {
	addr, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	balance, err := h.ledger.Balance(c.Request.Context(), addr)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": hexAddr(addr),
		"balance": units.Format(balance),
	})
}

// GetHistory handles GET /accounts/:address/entries
func (h *Handler) GetHistory(c *gin.Context) {
	addr, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.ledger.History(c.Request.Context(), addr, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
	})
}
