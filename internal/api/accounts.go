package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/storage"
)

type accountHandler struct {
	store   *storage.Store
	windows WindowPlanner
	now     func() time.Time
}

type upsertAccountBody struct {
	Username     string         `json:"username"`
	Secret       string         `json:"secret"`
	DeviceSerial string         `json:"device_serial"`
	Windows      []fleet.Window `json:"windows"`
}

func (h *accountHandler) List(c *gin.Context) {
	accounts, err := h.store.ListAccounts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, h.view(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// Upsert keeps the status and last run time of an existing account.
func (h *accountHandler) Upsert(c *gin.Context) {
	var body upsertAccountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	ctx := c.Request.Context()
	acc := &fleet.Account{
		ID:           c.Param("id"),
		Username:     body.Username,
		Secret:       body.Secret,
		DeviceSerial: body.DeviceSerial,
		Windows:      body.Windows,
	}
	existing, err := h.store.GetAccount(ctx, acc.ID)
	switch {
	case err == nil:
		acc.Status = existing.Status
		acc.LastRunAt = existing.LastRunAt
		if acc.Secret == "" {
			acc.Secret = existing.Secret
		}
	case !errors.Is(err, fleet.ErrNotFound):
		writeError(c, err)
		return
	}
	if err := h.store.UpsertAccount(ctx, acc); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(acc))
}

func (h *accountHandler) view(a *fleet.Account) accountView {
	v := newAccountView(a)
	if h.windows == nil {
		return v
	}
	if next, ok := h.windows.NextEligible(a, h.now()); ok {
		v.NextEligibleAt = &next
	}
	return v
}
