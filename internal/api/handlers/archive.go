package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labsync/internal/archive"
	"github.com/orrn/labsync/internal/store"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
	store    *store.Store
}

func NewArchiveHandler(archiver *archive.Archiver, st *store.Store) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver, store: st}
}

type ListArchivedQuery struct {
	Limit  int `form:"limit" binding:"min=0,max=500"`
	Offset int `form:"offset" binding:"min=0"`
}

func (h *ArchiveHandler) ListArchived(c *gin.Context) {
	var query ListArchivedQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = 50
	}

	orders, total, err := h.store.ListArchivedOrders(c.Request.Context(), query.Limit, query.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archived orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"limit":  query.Limit,
		"offset": query.Offset,
		"count":  len(orders),
		"total":  total,
	})
}

func (h *ArchiveHandler) RunArchive(c *gin.Context) {
	n, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": n, "archive_days": h.archiver.ArchiveDays()})
}
