package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"polywatch/internal/repository"
)

type SignalEventHandler struct {
	Repo repository.Repository
}

func (h *SignalEventHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/signal-events")
	group.GET("", h.listEvents)
}

func (h *SignalEventHandler) listEvents(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	params := repository.ListSignalEventsParams{
		Limit:    intQuery(c, "limit", 50),
		Offset:   intQuery(c, "offset", 0),
		MarketID: uint64QueryPtr(c, "market_id"),
		Kind:     strQueryPtr(c, "kind"),
		Since:    timeQueryPtr(c, "since"),
		OrderBy:  "detected_at",
		Asc:      boolPtr(false),
	}
	items, err := h.Repo.ListSignalEvents(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountSignalEvents(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(params.Limit, params.Offset, total))
}
