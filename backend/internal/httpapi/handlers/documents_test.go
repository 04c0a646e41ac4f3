package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/relay"
)

func newRouter(svc relay.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", Healthz)
	NewDocuments(svc).Register(r.Group("/collab"))
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDocuments_GetAndSave(t *testing.T) {
	svc := relay.NewInMemoryService()
	r := newRouter(svc)

	w := do(t, r, http.MethodPut, "/collab/documents/d1", `{"content":"hello","version":0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/collab/documents/d1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var doc documentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, documentResponse{ID: "d1", Content: "hello", Version: 0}, doc)

	_, err := svc.Submit(context.Background(), "d1", "alice", delta.Batch{OriginID: "a", ClientSeq: 1, Operations: []delta.Operation{delta.Insert(5, "!")}}, nil)
	require.NoError(t, err)

	w = do(t, r, http.MethodPut, "/collab/documents/d1", `{"content":"stale","version":0}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), protocol.CodeRevisionConflict)

	w = do(t, r, http.MethodPut, "/collab/documents/d1", `{"content":"hello!"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDocuments_ListOps(t *testing.T) {
	svc := relay.NewInMemoryService(relay.WithRingCapacity(1))
	r := newRouter(svc)
	ctx := context.Background()
	for i, text := range []string{"a", "b"} {
		_, err := svc.Submit(ctx, "d1", "alice", delta.Batch{
			OriginID:      "a",
			ClientSeq:     uint64(i + 1),
			OriginVersion: uint64(i),
			Operations:    []delta.Operation{delta.Insert(i, text)},
		}, nil)
		require.NoError(t, err)
	}

	w := do(t, r, http.MethodGet, "/collab/documents/d1/ops?since=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Ops []protocol.FileEdit `json:"ops"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Ops, 1)
	assert.Equal(t, uint64(2), body.Ops[0].Version)
	assert.Equal(t, "a", body.Ops[0].OriginID)

	// r1 fell out of the ring
	w = do(t, r, http.MethodGet, "/collab/documents/d1/ops?since=0", "")
	assert.Equal(t, http.StatusGone, w.Code)

	w = do(t, r, http.MethodGet, "/collab/documents/d1/ops?since=9", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/collab/documents/d1/ops?since=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
