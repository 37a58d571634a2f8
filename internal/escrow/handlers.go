package escrow

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/pagination"
	"github.com/mbd888/agora/internal/units"
	"github.com/mbd888/agora/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/balance", h.ContractBalance)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/agents/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/claim", h.ClaimExpired)
}

// CreateEscrowRequest is the body of POST /escrows. Amount is the value
// attached to the call, in smallest units.
type CreateEscrowRequest struct {
	Payee          string `json:"payee" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	Description    string `json:"description"`
	ExpirationDays int    `json:"expirationDays"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}

	if err := validation.Validate(
		validation.ValidAddress("payee", req.Payee),
		validation.ValidAmount("amount", req.Amount),
	).Err(); err != nil {
		apperr.Respond(c, err)
		return
	}
	amount, err := units.Parse(req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), caller, CreateRequest{
		Payee:          common.HexToAddress(req.Payee),
		Amount:         amount,
		Description:    req.Description,
		ExpirationDays: req.ExpirationDays,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("escrow created", "escrow_id", escrow.ID, "amount", req.Amount)
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/agents/:address/escrows?role=payer|payee
//
// Without offset or limit the full list is returned.
func (h *Handler) ListEscrows(c *gin.Context) {
	addr, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	role := c.DefaultQuery("role", "payer")
	if role != "payer" && role != "payee" {
		apperr.BadRequest(c, "role must be payer or payee")
		return
	}

	ctx := c.Request.Context()
	if c.Query("offset") == "" && c.Query("limit") == "" {
		var all []*Escrow
		if role == "payer" {
			all, err = h.service.ListAllByPayer(ctx, addr)
		} else {
			all, err = h.service.ListAllByPayee(ctx, addr)
		}
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		if all == nil {
			all = []*Escrow{}
		}
		c.JSON(http.StatusOK, gin.H{"escrows": all, "count": len(all)})
		return
	}

	offset, limit := pagination.Parse(c.Query("offset"), c.Query("limit"))
	var page pagination.Page[*Escrow]
	if role == "payer" {
		page, err = h.service.ListByPayer(ctx, addr, offset, limit)
	} else {
		page, err = h.service.ListByPayee(ctx, addr, offset, limit)
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ContractBalance handles GET /v1/escrows/balance
func (h *Handler) ContractBalance(c *gin.Context) {
	bal, err := h.service.ContractBalance(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"custody": hexAddr(h.service.Custody()),
		"balance": units.Format(bal),
	})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.settle(c, h.service.Release)
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	h.settle(c, h.service.Refund)
}

// ClaimExpired handles POST /v1/escrows/:id/claim
func (h *Handler) ClaimExpired(c *gin.Context) {
	h.settle(c, h.service.ClaimExpired)
}

// DisputeRequest is the body of POST /escrows/:id/dispute
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "reason is required")
		return
	}

	escrow, err := h.service.Dispute(c.Request.Context(), caller, c.Param("id"), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type settleFunc func(ctx context.Context, caller common.Address, id string) (*Escrow, error)

func (h *Handler) settle(c *gin.Context, fn settleFunc) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	escrow, err := fn(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func callerOrAbort(c *gin.Context) (common.Address, bool) {
	addr, ok := auth.Caller(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Signed request required.",
		})
	}
	return addr, ok
}
