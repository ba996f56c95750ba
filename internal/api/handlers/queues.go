package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/dispatch"
	"github.com/orrn/labsync/internal/model"
	"github.com/orrn/labsync/internal/store"
)

type QueueResponse struct {
	config.QueueConfig
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Held    int `json:"held"`
}

type QueueHandler struct {
	store  *store.Store
	engine *dispatch.Engine
}

func NewQueueHandler(st *store.Store, engine *dispatch.Engine) *QueueHandler {
	return &QueueHandler{store: st, engine: engine}
}

func (h *QueueHandler) ListQueues(c *gin.Context) {
	table := h.engine.Table()
	jobs, err := h.store.ListJobs(c.Request.Context(), store.JobFilter{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	active := lo.GroupBy(lo.Filter(jobs, func(j *model.Job, _ int) bool { return j.Active() }),
		func(j *model.Job) string { return j.QueueID })

	responses := lo.Map(table.Queues(), func(q config.QueueConfig, _ int) QueueResponse {
		qj := active[q.ID]
		return QueueResponse{
			QueueConfig: q,
			Pending:     lo.CountBy(qj, func(j *model.Job) bool { return j.Status == model.JobPending }),
			Sent:        lo.CountBy(qj, func(j *model.Job) bool { return j.Status == model.JobSent }),
			Held:        lo.CountBy(qj, func(j *model.Job) bool { return j.Hold != model.HoldNone }),
		}
	})

	resp := gin.H{"queues": responses, "count": len(responses)}
	if err := table.Validate(); err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

type LockHandler struct {
	store *store.Store
}

func NewLockHandler(st *store.Store) *LockHandler {
	return &LockHandler{store: st}
}

// GetLock reports which worker holds an entity, for diagnosing stuck requests.
func (h *LockHandler) GetLock(c *gin.Context) {
	kind := c.Param("kind")
	if kind != model.KindOrder && kind != model.KindJob {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be order or job"})
		return
	}
	info, held := h.store.Holder(store.Key{Kind: kind, ID: c.Param("key")})
	resp := gin.H{"kind": kind, "key": c.Param("key"), "locked": held}
	if held {
		resp["holder"] = info.Holder
		resp["since"] = info.Since
	}
	c.JSON(http.StatusOK, resp)
}
