package events

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/apperr"
)

// Handler serves the event log over HTTP.
type Handler struct {
	log *Log
}

// NewHandler creates a new events handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up public event routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.ListEvents)
}

// ListEvents handles GET /v1/events?after=&source=&subject=&limit=
func (h *Handler) ListEvents(c *gin.Context) {
	filter := Filter{
		Source:  c.Query("source"),
		Subject: c.Query("subject"),
	}
	if v := c.Query("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			apperr.BadRequest(c, "after must be a non-negative integer")
			return
		}
		filter.After = after
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	list, err := h.log.List(c.Request.Context(), filter)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*Event{}
	}
	next := filter.After
	if len(list) > 0 {
		next = list[len(list)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "next": next})
}
