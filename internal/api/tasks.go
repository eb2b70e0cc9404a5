package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/storage"
)

type taskHandler struct {
	store             *storage.Store
	defaultMaxRetries int
}

type createTasksBody struct {
	AccountIDs         []string           `json:"account_ids"`
	Type               string             `json:"type"`
	Priority           int                `json:"priority"`
	MaxRetries         *int               `json:"max_retries"`
	SecondFactorTokens map[string]string  `json:"second_factor_tokens"`
	Post               fleet.PostParams   `json:"post"`
	Warmup             fleet.WarmupParams `json:"warmup"`
}

type accountFailure struct {
	AccountID string `json:"account_id"`
	Error     string `json:"error"`
}

func (h *taskHandler) List(c *gin.Context) {
	filter := fleet.TaskFilter{
		DeviceSerial: c.Query("device"),
		AccountID:    c.Query("account"),
	}
	for _, raw := range strings.Split(c.Query("status"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		status := fleet.TaskStatus(raw)
		if !status.Valid() {
			badRequest(c, "unknown status "+raw)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	tasks, err := h.store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": newTaskViews(tasks)})
}

func (h *taskHandler) Get(c *gin.Context) {
	task, err := h.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskView(task))
}

func (h *taskHandler) Create(c *gin.Context) {
	var body createTasksBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	maxRetries := h.defaultMaxRetries
	if body.MaxRetries != nil {
		maxRetries = *body.MaxRetries
	}
	res, err := fleetagent.CreateTasksForAccounts(c.Request.Context(),
		fleetagent.TaskCreationDeps{Accounts: h.store, Tasks: h.store, Tokens: h.store},
		fleetagent.CreateTasksRequest{
			AccountIDs:         body.AccountIDs,
			Type:               fleet.TaskType(body.Type),
			Priority:           body.Priority,
			MaxRetries:         maxRetries,
			SecondFactorTokens: body.SecondFactorTokens,
			Post:               body.Post,
			Warmup:             body.Warmup,
		})
	if err != nil {
		writeError(c, err)
		return
	}
	failed := make([]accountFailure, 0, len(res.Failed))
	for _, f := range res.Failed {
		failed = append(failed, accountFailure{AccountID: f.AccountID, Error: f.Err.Error()})
	}
	status := http.StatusCreated
	if len(res.Created) == 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"created": newTaskViews(res.Created), "failed": failed})
}

func (h *taskHandler) Requeue(c *gin.Context) {
	task, err := h.store.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTaskView(task))
}

func (h *taskHandler) Delete(c *gin.Context) {
	if err := h.store.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
