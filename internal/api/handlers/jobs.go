package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/orrn/labsync/internal/complete"
	"github.com/orrn/labsync/internal/dispatch"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/store"
)

type JobResponse struct {
	*model.Job
	OrderKey   string `json:"order_key"`
	StatusName string `json:"status_name"`
	HoldName   string `json:"hold_name"`
	Duration   *int64 `json:"duration_ms,omitempty"`
}

type ListJobsQuery struct {
	OrderID string `form:"order_id"`
	QueueID string `form:"queue_id"`
	Limit   int    `form:"limit" binding:"min=0,max=500"`
	Offset  int    `form:"offset" binding:"min=0"`
}

type JobHandler struct {
	store  *store.Store
	engine *dispatch.Engine
	prop   *complete.Propagator
}

func NewJobHandler(st *store.Store, engine *dispatch.Engine, prop *complete.Propagator) *JobHandler {
	return &JobHandler{store: st, engine: engine, prop: prop}
}

func jobToResponse(j *model.Job) JobResponse {
	resp := JobResponse{
		Job:        j,
		OrderKey:   j.OrderKey(),
		StatusName: j.Status.String(),
		HoldName:   j.Hold.String(),
	}
	if j.SentAt != nil && j.CompletedAt != nil {
		d := j.CompletedAt.Sub(*j.SentAt).Milliseconds()
		resp.Duration = &d
	}
	return resp
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, ok := parseStatus(c)
	if !ok {
		return
	}
	if query.Limit == 0 {
		query.Limit = 100
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), store.JobFilter{OrderKey: query.OrderID, Status: status})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	if query.QueueID != "" {
		jobs = lo.Filter(jobs, func(j *model.Job, _ int) bool { return j.QueueID == query.QueueID })
	}
	total := len(jobs)
	jobs = lo.Subset(jobs, query.Offset, uint(query.Limit))

	responses := lo.Map(jobs, func(j *model.Job, _ int) JobResponse { return jobToResponse(j) })
	c.JSON(http.StatusOK, gin.H{
		"jobs":   responses,
		"limit":  query.Limit,
		"offset": query.Offset,
		"count":  len(responses),
		"total":  total,
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	j, err := h.store.GetJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(j))
}

func (h *JobHandler) action(c *gin.Context, fn func(k store.Key) error, message string) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	if err := fn(store.JobKey(id)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

func (h *JobHandler) MarkJob(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	h.action(c, func(k store.Key) error { return h.engine.Mark(ctx, k, Holder) }, "job marked sent")
}

func (h *JobHandler) HoldJob(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	h.action(c, func(k store.Key) error { return h.engine.Hold(ctx, k, Holder) }, "job held")
}

func (h *JobHandler) ReleaseJob(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	h.action(c, func(k store.Key) error { return h.engine.Release(ctx, k, Holder) }, "job released")
}

func (h *JobHandler) ForgetJob(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	h.action(c, func(k store.Key) error { return h.engine.Forget(ctx, k, Holder) }, "job forgotten")
}

func (h *JobHandler) CompleteJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	ctx, cancel := lockContext(c)
	defer cancel()
	if err := h.prop.CompleteJob(ctx, id, Holder); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job completed"})
}

func (h *JobHandler) PurgeJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	ctx, cancel := lockContext(c)
	defer cancel()
	done, err := h.prop.PurgeJob(ctx, id, Holder)
	if err != nil {
		respondError(c, err)
		return
	}
	if !done {
		c.JSON(http.StatusAccepted, gin.H{"complete": false, "message": "purge incomplete, retry later"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"complete": true, "message": "job purged"})
}

