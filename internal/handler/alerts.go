package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"polywatch/internal/repository"
)

type AlertHandler struct {
	Repo repository.Repository
}

func (h *AlertHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/alerts")
	group.GET("", h.listAlerts)
}

func (h *AlertHandler) listAlerts(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	params := repository.ListAlertsParams{
		Limit:    intQuery(c, "limit", 50),
		Offset:   intQuery(c, "offset", 0),
		MarketID: uint64QueryPtr(c, "market_id"),
		Kind:     strQueryPtr(c, "kind"),
		Status:   strQueryPtr(c, "status"),
		Since:    timeQueryPtr(c, "since"),
		OrderBy:  "created_at",
		Asc:      boolPtr(false),
	}
	items, err := h.Repo.ListAlerts(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountAlerts(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(params.Limit, params.Offset, total))
}
