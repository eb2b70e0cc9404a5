package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/httprunner/FleetAgent/pkg/storage"
)

type deviceHandler struct {
	store     *storage.Store
	refresher DeviceRefresher
}

func (h *deviceHandler) List(c *gin.Context) {
	devices, err := h.store.ListDevices(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": newDeviceViews(devices)})
}

func (h *deviceHandler) Refresh(c *gin.Context) {
	if h.refresher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device provider not configured"})
		return
	}
	devices, err := h.refresher.Refresh(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": newDeviceViews(devices)})
}
