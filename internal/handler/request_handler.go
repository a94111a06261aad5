package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
	"github.com/noah-isme/sma-adp-extension/pkg/response"
)

type extensionOps interface {
	EvaluateAndApply(ctx context.Context, requestID, moduleID, actorID string) (*models.ModuleState, error)
	History(ctx context.Context, requestID string) ([]models.HistoryEvent, error)
}

// RequestHandler exposes operator tooling for extension requests: re-running
// the rules of a module after a rule change and reading the history.
type RequestHandler struct {
	svc extensionOps
}

// NewRequestHandler constructs the handler.
func NewRequestHandler(svc extensionOps) *RequestHandler {
	return &RequestHandler{svc: svc}
}

type evaluateRequest struct {
	ActorID string `json:"actorId" binding:"required"`
}

// Evaluate re-runs the rule tree for one module of a request.
func (h *RequestHandler) Evaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ActorID) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "actorId is required"))
		return
	}
	state, err := h.svc.EvaluateAndApply(c.Request.Context(), c.Param("id"), c.Param("moduleId"), req.ActorID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state)
}

// History lists the history of a request in append order.
func (h *RequestHandler) History(c *gin.Context) {
	events, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, map[string]interface{}{"count": len(events)})
}
