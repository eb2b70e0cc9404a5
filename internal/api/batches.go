package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	fleetagent "github.com/httprunner/FleetAgent"
)

type batchHandler struct {
	coordinator        *fleetagent.BatchCoordinator
	defaultMaxParallel int
}

func (h *batchHandler) Submit(c *gin.Context) {
	var req fleetagent.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if req.MaxParallelDevices == 0 {
		req.MaxParallelDevices = h.defaultMaxParallel
	}
	id, err := h.coordinator.SubmitBatch(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": id})
}

func (h *batchHandler) Active(c *gin.Context) {
	ids := h.coordinator.ActiveBatches()
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"batches": ids})
}

func (h *batchHandler) Progress(c *gin.Context) {
	p, err := h.coordinator.Progress(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *batchHandler) Stop(c *gin.Context) {
	if err := h.coordinator.RequestStop(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stopping": c.Param("id")})
}

func (h *batchHandler) StopAll(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"stopping": h.coordinator.RequestStopAll()})
}
