package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labsync/internal/complete"
	"github.com/orrn/labsync/internal/dispatch"
	"github.com/orrn/labsync/internal/store"
)

// Holder identifies API requests in lock diagnostics.
const Holder = "api"

// lockWait bounds how long a request waits for an entity held by a worker.
const lockWait = 5 * time.Second

func lockContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), lockWait)
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorResponse(err))
}

func errorResponse(err error) (int, gin.H) {
	var (
		locked  *store.LockedError
		missing *dispatch.MissingMappingError
	)
	switch {
	case errors.As(err, &locked):
		return http.StatusConflict, gin.H{
			"error":  err.Error(),
			"holder": locked.Holder,
			"since":  locked.Since,
		}
	case errors.As(err, &missing):
		return http.StatusUnprocessableEntity, gin.H{
			"error":    err.Error(),
			"queue_id": missing.QueueID,
			"skus":     missing.SKUs,
		}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": err.Error()}
	case errors.Is(err, dispatch.ErrUnknownQueue):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, dispatch.ErrOrderState),
		errors.Is(err, dispatch.ErrJobState),
		errors.Is(err, dispatch.ErrNothingToPrint),
		errors.Is(err, complete.ErrNotPurgeable):
		return http.StatusConflict, gin.H{"error": err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}
}

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

func parseStatus(c *gin.Context) (*int, bool) {
	v := c.Query("status")
	if v == "" {
		return nil, true
	}
	status, err := strconv.Atoi(v)
	if err != nil || status < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return nil, false
	}
	return &status, true
}
