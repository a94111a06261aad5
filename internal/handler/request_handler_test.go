package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
)

type extensionOpsStub struct {
	state   *models.ModuleState
	history []models.HistoryEvent
	err     error
	calls   []string
}

func (s *extensionOpsStub) EvaluateAndApply(ctx context.Context, requestID, moduleID, actorID string) (*models.ModuleState, error) {
	s.calls = append(s.calls, requestID+"/"+moduleID+"/"+actorID)
	return s.state, s.err
}

func (s *extensionOpsStub) History(ctx context.Context, requestID string) ([]models.HistoryEvent, error) {
	return s.history, s.err
}

func requestRouter(h *RequestHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/ops/requests/:id/modules/:moduleId/evaluate", h.Evaluate)
	r.GET("/ops/requests/:id/history", h.History)
	return r
}

func TestRequestHandlerEvaluate(t *testing.T) {
	stub := &extensionOpsStub{state: &models.ModuleState{RequestID: "req-1", ModuleID: "m1", Status: models.ModuleStatusApproved}}
	r := requestRouter(NewRequestHandler(stub))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/ops/requests/req-1/modules/m1/evaluate", bytes.NewBufferString(`{"actorId":"t1"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"req-1/m1/t1"}, stub.calls)
	var body struct {
		Data models.ModuleState `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.ModuleStatusApproved, body.Data.Status)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/ops/requests/req-1/modules/m1/evaluate", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, stub.calls, 1)
}

func TestRequestHandlerHistoryNotFound(t *testing.T) {
	stub := &extensionOpsStub{err: appErrors.Clone(appErrors.ErrNotFound, "extension request not found")}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/ops/requests/nope/history", nil)
	requestRouter(NewRequestHandler(stub)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}
