package reprocess

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"docsteps-backend/internal/documents"
	"docsteps-backend/internal/queue"
	"docsteps-backend/internal/shared/server/middleware"
	"docsteps-backend/internal/shared/server/respond"
	"docsteps-backend/internal/shared/telemetry"
	"docsteps-backend/internal/steps"
)

var validate = validator.New()

type pathParams struct {
	ProjectID string `uri:"projectId" validate:"required,uuid"`
	StepID    string `uri:"stepId" validate:"required,uuid"`
}

type reprocessQuery struct {
	ReprocessType string `form:"reprocess_type" validate:"omitempty,oneof=all new failed pending"`
}

type manageRequest struct {
	Action string `json:"action" validate:"required,oneof=pause resume"`
}

type Handler struct {
	Svc   *Service
	Queue queue.Client
	now   func() time.Time
}

func NewHandler(svc *Service, q queue.Client) *Handler {
	return &Handler{Svc: svc, Queue: q, now: time.Now}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/projects/:projectId/steps/:stepId")
	g.GET("/reprocess", h.reprocess)
	g.POST("/reprocess/queue", h.enqueue)
	g.GET("/progress", h.progress)
	g.POST("/manage", h.manage)
	g.GET("/results-summary", h.resultsSummary)
	g.DELETE("/results", h.clearResults)
}

func (h *Handler) params(c *gin.Context) (pathParams, bool) {
	var p pathParams
	if err := c.ShouldBindUri(&p); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid path", nil)
		return p, false
	}
	if err := validate.Struct(p); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "project and step ids must be UUIDs", fieldIssues(err))
		return p, false
	}
	c.Set("projectId", p.ProjectID)
	c.Set("stepId", p.StepID)
	return p, true
}

func (h *Handler) mode(c *gin.Context) (documents.Mode, bool) {
	var q reprocessQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid query", nil)
		return "", false
	}
	if err := validate.Struct(q); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "reprocess_type must be one of all, new, failed, pending", fieldIssues(err))
		return "", false
	}
	if q.ReprocessType == "" {
		return documents.ModeAll, true
	}
	return documents.Mode(q.ReprocessType), true
}

// reprocess claims the step and streams the run as server-sent events.
// Conflicts are answered with JSON before the stream opens.
func (h *Handler) reprocess(c *gin.Context) {
	p, ok := h.params(c)
	if !ok {
		return
	}
	mode, ok := h.mode(c)
	if !ok {
		return
	}
	if err := h.Svc.Start(c.Request.Context(), p.ProjectID, p.StepID, mode); err != nil {
		h.fail(c, err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// the run owns the step until its terminal write, so a client hanging up must not cancel it
	ctx := context.WithoutCancel(c.Request.Context())
	out := h.Svc.Run(ctx, p.ProjectID, p.StepID, mode, NewStreamSink(c.Writer))
	c.Set("statusTransition", "running->"+string(out.Status))
}

func (h *Handler) enqueue(c *gin.Context) {
	p, ok := h.params(c)
	if !ok {
		return
	}
	mode, ok := h.mode(c)
	if !ok {
		return
	}
	if h.Queue == nil {
		respond.Error(c, http.StatusServiceUnavailable, "queue_unavailable", "background processing is not configured", nil)
		return
	}
	if _, err := h.Svc.Steps.Get(c.Request.Context(), p.StepID, p.ProjectID); err != nil {
		h.fail(c, err)
		return
	}
	msg := queue.NewMessage(p.ProjectID, p.StepID, string(mode), middleware.RequestIDFromContext(c), h.now())
	if err := h.Queue.Send(c.Request.Context(), msg); err != nil {
		telemetry.Error("reprocess.enqueue_failed", map[string]any{
			"step_id":    p.StepID,
			"project_id": p.ProjectID,
			"error":      err.Error(),
		})
		respond.Error(c, http.StatusBadGateway, "queue_error", "failed to enqueue reprocess request", nil)
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{
		"status":         "queued",
		"request_id":     msg.RequestID,
		"step_id":        p.StepID,
		"reprocess_type": msg.ReprocessType,
	})
}

func (h *Handler) progress(c *gin.Context) {
	p, ok := h.params(c)
	if !ok {
		return
	}
	snap, err := h.Svc.Progress(c.Request.Context(), p.ProjectID, p.StepID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, snap)
}

func (h *Handler) manage(c *gin.Context) {
	p, ok := h.params(c)
	if !ok {
		return
	}
	var req manageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid JSON body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "action must be pause or resume", fieldIssues(err))
		return
	}

	var (
		res ManageResult
		err error
	)
	switch req.Action {
	case "pause":
		res, err = h.Svc.Pause(c.Request.Context(), p.ProjectID, p.StepID)
	default:
		res, err = h.Svc.Resume(c.Request.Context(), p.ProjectID, p.StepID)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, res)
}

func (h *Handler) resultsSummary(c *gin.Context) {
	p, ok := h.params(c)
	if !ok {
		return
	}
	report, err := h.Svc.Summary(c.Request.Context(), p.ProjectID, p.StepID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, report)
}

func (h *Handler) clearResults(c *gin.Context) {
	p, ok := h.params(c)
	if !ok {
		return
	}
	cleared, err := h.Svc.Reset(c.Request.Context(), p.ProjectID, p.StepID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, gin.H{
		"step_id":           p.StepID,
		"cleared_documents": cleared,
		"status":            string(steps.StatusIdle),
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, steps.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "step not found in project", nil)
	case errors.Is(err, ErrInvalidMode):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, ErrRunInProgress), errors.Is(err, ErrRunPaused),
		errors.Is(err, ErrNotRunning), errors.Is(err, ErrNotPaused):
		respond.Error(c, http.StatusConflict, "conflict", err.Error(), nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "unexpected error", nil)
	}
}

func fieldIssues(err error) []map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, map[string]string{"field": fe.Field(), "issue": fe.Tag()})
	}
	return out
}
