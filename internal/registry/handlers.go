package registry

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/pagination"
	"github.com/mbd888/agora/internal/reputation"
	"github.com/mbd888/agora/internal/validation"
)

// Handler provides HTTP handlers for the registry API
type Handler struct {
	svc *Service
}

// NewHandler creates a new registry handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up the public read routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/all", h.ListAllAgents)
	r.GET("/agents/:address", h.GetAgent)
	r.GET("/agents/:address/feedback", h.ListFeedback)
	r.GET("/agents/:address/interactions", h.ListInteractions)
	r.GET("/capabilities/:capability/agents", h.SearchByCapability)
	r.GET("/interactions/:id", h.GetInteraction)
}

// RegisterProtectedRoutes sets up routes that act for the authenticated
// caller. The group must require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.RegisterAgent)
	r.PUT("/agents/me/capabilities", h.UpdateCapabilities)
	r.PUT("/agents/me/profile", h.UpdateProfile)
	r.POST("/feedback", h.SubmitFeedback)
	r.POST("/interactions", h.InitiateInteraction)
	r.POST("/interactions/:id/complete", h.CompleteInteraction)
	r.POST("/trust/payments", h.EstablishTrust)
}

// RegisterOwnerRoutes sets up owner-only routes. The group must require the
// owner.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.PUT("/admin/agents/:address/trust", h.UpdateTrustScore)
	r.POST("/admin/agents/:address/deactivate", h.Deactivate)
}

// agentView adds the derived tier to an agent response.
type agentView struct {
	*Agent
	Tier reputation.Tier `json:"tier"`
}

func view(a *Agent) agentView {
	return agentView{Agent: a, Tier: a.Tier()}
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// ListAgents handles GET /agents?offset=&limit=
func (h *Handler) ListAgents(c *gin.Context) {
	offset, limit := pagination.Parse(c.Query("offset"), c.Query("limit"))
	page, err := h.svc.List(c.Request.Context(), offset, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListAllAgents handles GET /agents/all
func (h *Handler) ListAllAgents(c *gin.Context) {
	addrs, err := h.svc.ListAll(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": addrs, "count": len(addrs)})
}

// GetAgent handles GET /agents/:address
func (h *Handler) GetAgent(c *gin.Context) {
	addr, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	agent, err := h.svc.Get(c.Request.Context(), addr)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, view(agent))
}

// ListFeedback handles GET /agents/:address/feedback
func (h *Handler) ListFeedback(c *gin.Context) {
	addr, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	offset, limit := pagination.Parse(c.Query("offset"), c.Query("limit"))
	page, err := h.svc.GetFeedback(c.Request.Context(), addr, offset, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListInteractions handles GET /agents/:address/interactions
func (h *Handler) ListInteractions(c *gin.Context) {
	addr, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	offset, limit := pagination.Parse(c.Query("offset"), c.Query("limit"))
	page, err := h.svc.ListInteractions(c.Request.Context(), addr, offset, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// SearchByCapability handles GET /capabilities/:capability/agents
func (h *Handler) SearchByCapability(c *gin.Context) {
	capability := c.Param("capability")
	addrs, err := h.svc.SearchByCapability(c.Request.Context(), capability)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capability": capability, "agents": addrs, "count": len(addrs)})
}

// GetInteraction handles GET /interactions/:id
func (h *Handler) GetInteraction(c *gin.Context) {
	in, err := h.svc.GetInteraction(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

// -----------------------------------------------------------------------------
// Caller operations
// -----------------------------------------------------------------------------

// RegisterAgent handles POST /agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}

	agent, err := h.svc.Register(c.Request.Context(), caller, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("agent registered", "address", hexAddr(caller), "name", agent.Name)
	c.JSON(http.StatusCreated, view(agent))
}

// UpdateCapabilitiesRequest is the body of PUT /agents/me/capabilities
type UpdateCapabilitiesRequest struct {
	Capabilities []string `json:"capabilities"`
}

// UpdateCapabilities handles PUT /agents/me/capabilities
func (h *Handler) UpdateCapabilities(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req UpdateCapabilitiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	agent, err := h.svc.UpdateCapabilities(c.Request.Context(), caller, req.Capabilities)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, view(agent))
}

// UpdateProfileRequest is the body of PUT /agents/me/profile
type UpdateProfileRequest struct {
	Name     string `json:"name"`
	Metadata string `json:"metadata"`
}

// UpdateProfile handles PUT /agents/me/profile
func (h *Handler) UpdateProfile(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	agent, err := h.svc.UpdateProfile(c.Request.Context(), caller, req.Name, req.Metadata)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, view(agent))
}

// SubmitFeedbackRequest is the body of POST /feedback
type SubmitFeedbackRequest struct {
	To         string `json:"to" binding:"required"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment"`
	PaymentRef string `json:"paymentRef"`
}

// SubmitFeedback handles POST /feedback
func (h *Handler) SubmitFeedback(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req SubmitFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	to, err := validation.ParseAddress(req.To)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	ref, err := ParsePaymentRef(req.PaymentRef)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	fb, err := h.svc.SubmitFeedback(c.Request.Context(), caller, FeedbackRequest{
		To: to, Rating: req.Rating, Comment: req.Comment, PaymentRef: ref,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, fb)
}

// InitiateInteractionRequest is the body of POST /interactions
type InitiateInteractionRequest struct {
	To         string `json:"to" binding:"required"`
	Capability string `json:"capability"`
}

// InitiateInteraction handles POST /interactions
func (h *Handler) InitiateInteraction(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req InitiateInteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	to, err := validation.ParseAddress(req.To)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	in, err := h.svc.InitiateInteraction(c.Request.Context(), caller, to, req.Capability)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, in)
}

// CompleteInteraction handles POST /interactions/:id/complete
func (h *Handler) CompleteInteraction(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	in, err := h.svc.CompleteInteraction(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

// EstablishTrustRequest is the body of POST /trust/payments. TxRef is not
// verified against any payment.
type EstablishTrustRequest struct {
	Agent1 string `json:"agent1" binding:"required"`
	Agent2 string `json:"agent2" binding:"required"`
	TxRef  string `json:"txRef"`
}

// EstablishTrust handles POST /trust/payments
func (h *Handler) EstablishTrust(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req EstablishTrustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	a1, err := validation.ParseAddress(req.Agent1)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	a2, err := validation.ParseAddress(req.Agent2)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	ref, err := ParsePaymentRef(req.TxRef)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if err := h.svc.EstablishTrust(c.Request.Context(), caller, a1, a2, ref); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"established": true})
}

// -----------------------------------------------------------------------------
// Owner operations
// -----------------------------------------------------------------------------

// UpdateTrustScoreRequest is the body of PUT /admin/agents/:address/trust
type UpdateTrustScoreRequest struct {
	Score *int `json:"score" binding:"required"`
}

// UpdateTrustScore handles PUT /admin/agents/:address/trust
func (h *Handler) UpdateTrustScore(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	target, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	var req UpdateTrustScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	agent, err := h.svc.UpdateTrustScore(c.Request.Context(), caller, target, *req.Score)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, view(agent))
}

// Deactivate handles POST /admin/agents/:address/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	target, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if err := h.svc.Deactivate(c.Request.Context(), caller, target); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": hexAddr(target), "isActive": false})
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
