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

type OrderResponse struct {
	*model.Order
	Key        string `json:"key"`
	StatusName string `json:"status_name"`
	HoldName   string `json:"hold_name"`
}

type CreateJobsRequest struct {
	QueueID         string          `json:"queue_id"`
	SKUs            []string        `json:"skus"`
	Items           []model.ItemKey `json:"items"`
	Quantity        int             `json:"quantity" binding:"min=0"`
	AdjustIfPartial bool            `json:"adjust_if_partial"`
}

type OrderHandler struct {
	store  *store.Store
	engine *dispatch.Engine
	prop   *complete.Propagator
}

func NewOrderHandler(st *store.Store, engine *dispatch.Engine, prop *complete.Propagator) *OrderHandler {
	return &OrderHandler{store: st, engine: engine, prop: prop}
}

func orderToResponse(o *model.Order) OrderResponse {
	return OrderResponse{
		Order:      o,
		Key:        o.Key(),
		StatusName: o.Status.String(),
		HoldName:   o.Hold.String(),
	}
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	status, ok := parseStatus(c)
	if !ok {
		return
	}

	var (
		orders []*model.Order
		err    error
	)
	if status != nil {
		orders, err = h.store.ListOrdersByStatus(c.Request.Context(), model.OrderStatus(*status))
	} else {
		orders, err = h.store.ListOrders(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}

	responses := lo.Map(orders, func(o *model.Order, _ int) OrderResponse { return orderToResponse(o) })
	c.JSON(http.StatusOK, gin.H{
		"orders": responses,
		"count":  len(responses),
	})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	o, err := h.store.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderToResponse(o))
}

func (h *OrderHandler) ListOrderJobs(c *gin.Context) {
	key := c.Param("id")
	if _, err := h.store.GetOrder(c.Request.Context(), key); err != nil {
		respondError(c, err)
		return
	}
	jobs, err := h.store.ListJobs(c.Request.Context(), store.JobFilter{OrderKey: key})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	responses := lo.Map(jobs, func(j *model.Job, _ int) JobResponse { return jobToResponse(j) })
	c.JSON(http.StatusOK, gin.H{"jobs": responses, "count": len(responses)})
}

func (h *OrderHandler) CreateJobs(c *gin.Context) {
	var req CreateJobsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx, cancel := lockContext(c)
	defer cancel()
	jobs, err := h.engine.Create(ctx, dispatch.CreateRequest{
		OrderKey:        c.Param("id"),
		QueueID:         req.QueueID,
		SKUs:            req.SKUs,
		Items:           req.Items,
		Quantity:        req.Quantity,
		AdjustIfPartial: req.AdjustIfPartial,
		Holder:          Holder,
	})
	responses := lo.Map(jobs, func(j *model.Job, _ int) JobResponse { return jobToResponse(j) })
	if err != nil {
		status, body := errorResponse(err)
		// Jobs created before the failure stay.
		if len(responses) > 0 {
			body["jobs"] = responses
			body["count"] = len(responses)
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"jobs": responses, "count": len(responses)})
}

func (h *OrderHandler) HoldOrder(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	if err := h.engine.Hold(ctx, store.OrderKey(c.Param("id")), Holder); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order held"})
}

func (h *OrderHandler) ReleaseOrder(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	if err := h.engine.Release(ctx, store.OrderKey(c.Param("id")), Holder); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order released"})
}

func (h *OrderHandler) CompleteOrder(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	if err := h.prop.CompleteOrder(ctx, c.Param("id"), Holder); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order completed"})
}

func (h *OrderHandler) CancelOrder(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	if err := h.prop.CancelOrder(ctx, c.Param("id"), Holder); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order canceled"})
}

func (h *OrderHandler) AbortOrder(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	if err := h.prop.AbortOrder(ctx, c.Param("id"), Holder); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order aborted"})
}

func (h *OrderHandler) PurgeOrder(c *gin.Context) {
	ctx, cancel := lockContext(c)
	defer cancel()
	ok, err := h.prop.PurgeOrder(ctx, c.Param("id"), Holder)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{"complete": false, "message": "purge incomplete, retry later"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"complete": true, "message": "order purged"})
}
