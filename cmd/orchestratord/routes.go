package main

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/workflowcore/internal/graph"
	"github.com/lyzr/workflowcore/internal/platform/errs"
	"github.com/lyzr/workflowcore/internal/realtime"
	"github.com/lyzr/workflowcore/internal/saga"
)

// jsonErr reports a wire-level error with a stable "code" independent of
// whichever component raised it.
func jsonErr(c echo.Context, status int, kind errs.Kind, message string) error {
	return c.JSON(status, map[string]string{"code": string(kind), "message": message})
}

// workflowStore guards the map of built workflows behind a mutex; handlers
// run concurrently on echo's per-request goroutines.
type workflowStore struct {
	mu sync.RWMutex
	m  map[string]*graph.Workflow
}

func newWorkflowStore() *workflowStore { return &workflowStore{m: make(map[string]*graph.Workflow)} }

func (s *workflowStore) put(w *graph.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[w.WorkflowType()] = w
}

func (s *workflowStore) get(workflowType string) (*graph.Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.m[workflowType]
	return w, ok
}

func registerRoutes(e *echo.Echo, d *deps) {
	workflows := newWorkflowStore()
	done := make(chan struct{})
	go d.router.Run(done)
	go d.manager.Run(done)

	api := e.Group("/api/v1")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api.POST("/auth/login", func(c echo.Context) error {
		var req struct {
			Subject string `json:"subject"`
		}
		if err := c.Bind(&req); err != nil || req.Subject == "" {
			return jsonErr(c, http.StatusBadRequest, errs.KindValidation, "subject is required")
		}
		now := time.Now()
		token, err := signToken(d.cfg.Auth.Secret, claims{Sub: req.Subject, IAT: now.Unix(), Exp: now.Add(24 * time.Hour).Unix()})
		if err != nil {
			return jsonErr(c, http.StatusInternalServerError, errs.KindServiceError, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]string{"token": token})
	})

	api.POST("/workflows", func(c echo.Context) error {
		var req struct {
			WorkflowType string            `json:"workflow_type"`
			Start        string            `json:"start"`
			Nodes        []graph.NodeConfig `json:"nodes"`
		}
		if err := c.Bind(&req); err != nil {
			return jsonErr(c, http.StatusBadRequest, errs.KindValidation, err.Error())
		}
		w, err := graph.Build(req.WorkflowType, req.Start, req.Nodes, d.registry)
		if err != nil {
			return jsonErr(c, http.StatusUnprocessableEntity, errs.KindValidation, err.Error())
		}
		workflows.put(w)
		return c.JSON(http.StatusCreated, map[string]string{"workflow_type": w.WorkflowType()})
	})

	api.POST("/workflows/:type/run", func(c echo.Context) error {
		w, ok := workflows.get(c.Param("type"))
		if !ok {
			return jsonErr(c, http.StatusNotFound, errs.KindNotFound, "unknown workflow type")
		}
		var eventData map[string]interface{}
		if err := c.Bind(&eventData); err != nil {
			return jsonErr(c, http.StatusBadRequest, errs.KindDeserialization, err.Error())
		}
		tc, err := w.Run(c.Request().Context(), eventData)
		if err != nil {
			return jsonErr(c, http.StatusUnprocessableEntity, errs.KindProcessingError, err.Error())
		}
		return c.JSON(http.StatusOK, tc)
	})

	api.POST("/sagas", func(c echo.Context) error {
		var req struct {
			Definition    saga.Definition        `json:"definition"`
			InputContext  map[string]interface{} `json:"input_context"`
		}
		if err := c.Bind(&req); err != nil {
			return jsonErr(c, http.StatusBadRequest, errs.KindValidation, err.Error())
		}
		sagaID, err := d.orch.StartSaga(c.Request().Context(), req.Definition, req.InputContext)
		if err != nil {
			return jsonErr(c, http.StatusUnprocessableEntity, errs.KindValidation, err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]string{"saga_id": sagaID.String()})
	})

	api.GET("/sagas/:id", func(c echo.Context) error {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return jsonErr(c, http.StatusBadRequest, errs.KindValidation, "malformed saga_id")
		}
		exec, ok := d.orch.Get(id)
		if !ok {
			return jsonErr(c, http.StatusNotFound, errs.KindNotFound, "unknown saga_id")
		}
		return c.JSON(http.StatusOK, exec)
	})

	api.GET("/sagas/:id/summary", func(c echo.Context) error {
		row, ok := d.sagaSummary.Get(c.Param("id"))
		if !ok {
			return jsonErr(c, http.StatusNotFound, errs.KindNotFound, "no projected summary for saga_id")
		}
		return c.JSON(http.StatusOK, row)
	})

	api.POST("/projections/:name/rebuild", func(c echo.Context) error {
		name := c.Param("name")
		if err := d.projections.Rebuild(c.Request().Context(), name); err != nil {
			return jsonErr(c, http.StatusNotFound, errs.KindNotFound, err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]string{"projection": name, "state": string(d.projections.State(name))})
	})

	api.GET("/realtime/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, d.router.GetStats())
	})

	api.GET("/realtime/history/:conversation", func(c echo.Context) error {
		before := time.Now()
		if raw := c.QueryParam("before"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return jsonErr(c, http.StatusBadRequest, errs.KindValidation, "before must be RFC3339")
			}
			before = parsed
		}
		limit := 50
		if raw := c.QueryParam("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				return jsonErr(c, http.StatusBadRequest, errs.KindValidation, "limit must be a positive integer")
			}
			limit = parsed
		}
		messages, err := d.persister.History(c.Request().Context(), c.Param("conversation"), before, limit)
		if err != nil {
			return jsonErr(c, http.StatusServiceUnavailable, errs.KindServiceError, err.Error())
		}
		return c.JSON(http.StatusOK, messages)
	})

	api.GET("/realtime/ws", func(c echo.Context) error {
		connID := uuid.New().String()
		userID := subjectFrom(c)
		err := realtime.Upgrade(c.Response(), c.Request(), connID, userID, d.rtCfg, d.router, d.manager, d.log)
		if err != nil {
			d.log.Warn("websocket upgrade failed", "error", err)
		}
		return nil
	})
}
