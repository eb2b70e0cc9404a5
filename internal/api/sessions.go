package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/httprunner/FleetAgent/pkg/storage"
)

type sessionHandler struct {
	store *storage.Store
}

func (h *sessionHandler) List(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := h.store.ListSessions(c.Request.Context(), c.Query("device"), c.Query("account"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:           s.ID,
			DeviceSerial: s.DeviceSerial,
			AccountID:    s.AccountID,
			TaskID:       s.TaskID,
			StartedAt:    s.StartedAt,
			EndedAt:      s.EndedAt,
			Status:       s.Status,
			Summary:      s.Summary,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (h *sessionHandler) Actions(c *gin.Context) {
	actions, err := h.store.ListActions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]actionView, 0, len(actions))
	for _, a := range actions {
		views = append(views, actionView{Action: a.Action, Target: a.Target, Success: a.Success, Error: a.Error, CreatedAt: a.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"actions": views})
}
