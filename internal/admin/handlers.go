package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/units"
	"github.com/mbd888/agora/internal/validation"
)

// ReconciliationReport summarizes a custody check.
type ReconciliationReport struct {
	CustodyBalance string    `json:"custodyBalance"`
	HeldTotal      string    `json:"heldTotal"`
	Diff           string    `json:"diff"`
	Healthy        bool      `json:"healthy"`
	DurationMs     int64     `json:"durationMs"`
	Timestamp      time.Time `json:"timestamp"`
}

// ReconciliationRunner runs an on-demand custody reconciliation.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*ReconciliationReport, error)
}

// Minter credits native value to an account. Only wired in development.
type Minter interface {
	Mint(ctx context.Context, to common.Address, amount *uint256.Int) (*uint256.Int, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	ctrl       *Controller
	reconciler ReconciliationRunner
	minter     Minter
}

// NewHandler creates a new admin handler.
func NewHandler(ctrl *Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// WithReconciler sets the reconciliation runner.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithMinter enables the development funding endpoint.
func (h *Handler) WithMinter(m Minter) *Handler {
	h.minter = m
	return h
}

// RegisterRoutes sets up public admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/status", h.status)
}

// RegisterOwnerRoutes sets up owner-only routes. The group must already
// require auth and RequireOwner.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.POST("/admin/pause", h.pause)
	r.POST("/admin/unpause", h.unpause)
	r.POST("/admin/owner", h.transferOwnership)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.POST("/admin/mint", h.mint)
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"owner":  strings.ToLower(h.ctrl.Owner().Hex()),
		"paused": h.ctrl.Paused(),
	})
}

func (h *Handler) pause(c *gin.Context) {
	caller, _ := auth.Caller(c)
	if err := h.ctrl.Pause(c.Request.Context(), caller); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *Handler) unpause(c *gin.Context) {
	caller, _ := auth.Caller(c)
	if err := h.ctrl.Unpause(c.Request.Context(), caller); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// TransferOwnershipRequest names the new owner.
type TransferOwnershipRequest struct {
	NewOwner string `json:"newOwner" binding:"required"`
}

func (h *Handler) transferOwnership(c *gin.Context) {
	var req TransferOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	newOwner, err := validation.ParseAddress(req.NewOwner)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	caller, _ := auth.Caller(c)
	if err := h.ctrl.TransferOwnership(c.Request.Context(), caller, newOwner); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": strings.ToLower(newOwner.Hex())})
}

// triggerReconciliation runs an on-demand custody reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// MintRequest credits amount to address.
type MintRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func (h *Handler) mint(c *gin.Context) {
	if h.minter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "funding disabled"})
		return
	}
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	to, err := validation.ParseAddress(req.Address)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	amount, err := units.ParsePositive(req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	balance, err := h.minter.Mint(c.Request.Context(), to, amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": strings.ToLower(to.Hex()),
		"balance": units.Format(balance),
	})
}
