package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/relay"
)

type documentResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

type saveRequest struct {
	Content string  `json:"content"`
	Version *uint64 `json:"version" binding:"required"`
}

type Documents struct {
	svc relay.Service
}

func NewDocuments(svc relay.Service) *Documents {
	return &Documents{svc: svc}
}

func (h *Documents) Register(g *gin.RouterGroup) {
	g.GET("/documents/:documentID", h.GetDocument)
	g.PUT("/documents/:documentID", h.SaveDocument)
	g.GET("/documents/:documentID/ops", h.ListOps)
}

func toResponse(s relay.Snapshot) documentResponse {
	return documentResponse{ID: s.DocumentID, Title: s.Title, Content: s.Content, Version: s.Revision}
}

func (h *Documents) GetDocument(c *gin.Context) {
	snap, err := h.svc.Load(c.Request.Context(), c.Param("documentID"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(snap))
}

// SaveDocument persists content the caller holds at a version; it is
// refused when the relay has moved on.
func (h *Documents) SaveDocument(c *gin.Context) {
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": protocol.CodeBadRequest})
		return
	}
	snap, err := h.svc.Save(c.Request.Context(), c.Param("documentID"), req.Content, *req.Version)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(snap))
}

// ListOps returns applied batches after ?since=, at most ?limit=.
func (h *Documents) ListOps(c *gin.Context) {
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad since", "code": protocol.CodeBadRequest})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	ops, err := h.svc.OpsSince(c.Request.Context(), c.Param("documentID"), since, limit)
	if err != nil {
		abort(c, err)
		return
	}
	edits := make([]protocol.FileEdit, 0, len(ops))
	for _, op := range ops {
		edits = append(edits, op.FileEdit())
	}
	c.JSON(http.StatusOK, gin.H{"ops": edits})
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func abort(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relay.ErrRevisionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": protocol.CodeRevisionConflict})
	case errors.Is(err, relay.ErrHistoryTruncated):
		c.JSON(http.StatusGone, gin.H{"error": err.Error(), "code": protocol.CodeRevisionConflict})
	case errors.Is(err, relay.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		glog.Errorf("[http] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": protocol.CodeInternal})
	}
}
