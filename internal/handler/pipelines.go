package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/labstack/echo/v4"
)

const (
	defaultRunsPerPage int64 = 20
	maxRunsPerPage     int64 = 100
)

func SetupPipelineRoutes(e *echo.Echo, pipelineService PipelineServicer, apiKey string) {
	h := NewPipelineHandler(pipelineService)
	api := e.Group("/api", APIKeyMiddleware(apiKey))
	api.GET("/targets", h.GetTargets)
	api.POST("/targets/:target/runs", h.PostTargetRun)
	api.GET("/targets/:target/runs", h.GetTargetRuns)
	api.DELETE("/targets/:target/lease", h.DeleteTargetLease)
	api.GET("/runs/:run_id", h.GetRun)
	api.GET("/runs/:run_id/output", h.GetRunOutput)
	api.POST("/runs/:run_id/cancel", h.PostCancelRun)
	api.DELETE("/artifacts/:run_id/:name", h.DeleteArtifact)
}

type PipelineServicer interface {
	Targets() []*service.Target
	LeaseStatus(target string) (service.LeaseInfo, bool)
	Trigger(ctx context.Context, req service.TriggerRequest) (*service.RunHandle, error)
	GetRun(ctx context.Context, runID int64) (*store.Run, error)
	GetRunOutput(ctx context.Context, runID int64) (string, error)
	ListTargetRuns(ctx context.Context, target string, limit, offset int64) ([]store.Run, int64, error)
	Cancel(ctx context.Context, runID int64) error
	ReleaseLease(ctx context.Context, target string) (*service.Lease, error)
	DeleteArtifact(ctx context.Context, ref service.ArtifactRef) error
}

type PipelineHandler struct {
	pipelineService PipelineServicer
}

func NewPipelineHandler(pipelineService PipelineServicer) *PipelineHandler {
	return &PipelineHandler{pipelineService: pipelineService}
}

type TargetResponse struct {
	Name    string             `json:"name"`
	Mode    string             `json:"mode"`
	Hosting string             `json:"hosting"`
	URL     string             `json:"url,omitempty"`
	Lease   *service.LeaseInfo `json:"lease,omitempty"`
}

type TriggerResponse struct {
	RunID  int64  `json:"run_id"`
	Target string `json:"target"`
	Mode   string `json:"mode"`
	Status string `json:"status"`
}

type RunsResponse struct {
	Runs   []store.Run `json:"runs"`
	Total  int64       `json:"total"`
	Limit  int64       `json:"limit"`
	Offset int64       `json:"offset"`
}

func (h *PipelineHandler) GetTargets(c echo.Context) error {
	targets := h.pipelineService.Targets()
	res := make([]TargetResponse, 0, len(targets))
	for _, t := range targets {
		tr := TargetResponse{
			Name:    t.Name,
			Mode:    string(t.Mode),
			Hosting: t.Hosting.Kind,
			URL:     t.Hosting.URL,
		}
		if info, ok := h.pipelineService.LeaseStatus(t.Name); ok {
			tr.Lease = &info
		}
		res = append(res, tr)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) PostTargetRun(c echo.Context) error {
	tp := new(TriggerParams)
	if err := c.Bind(tp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid trigger data")
	}

	rh, err := h.pipelineService.Trigger(c.Request().Context(), service.TriggerRequest{
		Target:      tp.Target,
		Mode:        service.Mode(strings.TrimSpace(tp.Mode)),
		ArtifactRef: strings.TrimSpace(tp.ArtifactRef),
	})
	if err != nil {
		return serviceError(err)
	}

	c.Response().Header().Set(echo.HeaderLocation, fmt.Sprintf("/api/runs/%d", rh.RunID))
	return c.JSON(http.StatusAccepted, TriggerResponse{
		RunID:  rh.RunID,
		Target: rh.Target,
		Mode:   string(rh.Mode),
		Status: string(store.StatusPending),
	})
}

func (h *PipelineHandler) GetTargetRuns(c echo.Context) error {
	lp := new(ListRunsParams)
	if err := c.Bind(lp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run list parameters")
	}
	if lp.Limit <= 0 {
		lp.Limit = defaultRunsPerPage
	}
	lp.Limit = min(lp.Limit, maxRunsPerPage)
	lp.Offset = max(lp.Offset, 0)

	runs, total, err := h.pipelineService.ListTargetRuns(
		c.Request().Context(), lp.Target, lp.Limit, lp.Offset,
	)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, RunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  lp.Limit,
		Offset: lp.Offset,
	})
}

func (h *PipelineHandler) DeleteTargetLease(c echo.Context) error {
	tp := new(TargetParams)
	if err := c.Bind(tp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid target")
	}

	l, err := h.pipelineService.ReleaseLease(c.Request().Context(), tp.Target)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, service.LeaseInfo{
		ID:         l.ID,
		Group:      l.Group,
		RunID:      l.RunID,
		AcquiredOn: l.AcquiredOn,
	})
}

func (h *PipelineHandler) GetRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}

	run, err := h.pipelineService.GetRun(c.Request().Context(), rp.RunID)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *PipelineHandler) GetRunOutput(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}

	out, err := h.pipelineService.GetRunOutput(c.Request().Context(), rp.RunID)
	if err != nil {
		return serviceError(err)
	}
	return c.String(http.StatusOK, out)
}

func (h *PipelineHandler) PostCancelRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}

	if err := h.pipelineService.Cancel(c.Request().Context(), rp.RunID); err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": rp.RunID,
		"status": store.StatusCanceled,
	})
}

func (h *PipelineHandler) DeleteArtifact(c echo.Context) error {
	ap := new(ArtifactParams)
	if err := c.Bind(ap); err != nil || ap.Name == "" {
		return newError(err, http.StatusBadRequest, "invalid artifact reference")
	}

	ref := service.ArtifactRef{RunID: ap.RunID, Name: ap.Name}
	if err := h.pipelineService.DeleteArtifact(c.Request().Context(), ref); err != nil {
		return serviceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
