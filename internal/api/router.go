// Package api exposes the operator HTTP surface of the engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/storage"
	"github.com/rs/zerolog/log"
)

// TokenTester checks a second factor token without running a task.
type TokenTester interface {
	TestToken(ctx context.Context, token string) (string, error)
}

// WindowPlanner reports when an account may next run.
type WindowPlanner interface {
	NextEligible(account *fleet.Account, now time.Time) (time.Time, bool)
}

// DeviceRefresher re-reads device states from adb.
type DeviceRefresher interface {
	Refresh(ctx context.Context) ([]fleet.Device, error)
}

// Deps wires the router.
type Deps struct {
	Store       *storage.Store
	Coordinator *fleetagent.BatchCoordinator
	// Devices and Tokens are optional; their routes answer 503 when unset.
	Devices DeviceRefresher
	Tokens  TokenTester
	// Windows adds next_eligible_at to account views when set.
	Windows WindowPlanner

	DefaultMaxRetries  int
	DefaultMaxParallel int
}

// NewRouter builds the gin engine serving /health and /v1.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/health", func(c *gin.Context) {
		if err := deps.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	v1 := r.Group("/v1")

	batches := &batchHandler{coordinator: deps.Coordinator, defaultMaxParallel: deps.DefaultMaxParallel}
	v1.POST("/batches", batches.Submit)
	v1.GET("/batches", batches.Active)
	v1.GET("/batches/:id", batches.Progress)
	v1.POST("/batches/:id/stop", batches.Stop)
	v1.POST("/stop", batches.StopAll)

	tasks := &taskHandler{store: deps.Store, defaultMaxRetries: deps.DefaultMaxRetries}
	v1.GET("/tasks", tasks.List)
	v1.POST("/tasks", tasks.Create)
	v1.GET("/tasks/:id", tasks.Get)
	v1.POST("/tasks/:id/requeue", tasks.Requeue)
	v1.DELETE("/tasks/:id", tasks.Delete)

	accounts := &accountHandler{store: deps.Store, windows: deps.Windows, now: time.Now}
	v1.GET("/accounts", accounts.List)
	v1.PUT("/accounts/:id", accounts.Upsert)

	devices := &deviceHandler{store: deps.Store, refresher: deps.Devices}
	v1.GET("/devices", devices.List)
	v1.POST("/devices/refresh", devices.Refresh)

	tokens := &tokenHandler{store: deps.Store, tester: deps.Tokens}
	v1.POST("/tokens", tokens.Upsert)
	v1.POST("/tokens/:token/test", tokens.Test)

	sessions := &sessionHandler{store: deps.Store}
	v1.GET("/sessions", sessions.List)
	v1.GET("/sessions/:id/actions", sessions.Actions)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}

// writeError maps engine errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fleet.ErrNotFound), errors.Is(err, fleet.ErrBatchNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fleet.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, fleet.ErrInvalidTransition), errors.Is(err, fleetagent.ErrNoRunnableTasks):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("api request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
