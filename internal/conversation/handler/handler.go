package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"salesagent_backend/internal/conversation/domain"
	"salesagent_backend/internal/conversation/service"
	"salesagent_backend/internal/conversation/transport"
	"salesagent_backend/platform/httpkit"
	"salesagent_backend/platform/validator"
)

// Handler handles HTTP requests for conversations.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidSessionID = "invalid session ID"
)

// New creates a new conversations handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// Create starts a conversation.
// POST /api/v1/conversations
func (h *Handler) Create(c *gin.Context) {
	var req transport.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}

	conv, err := h.svc.CreateContext(c.Request.Context(), service.CreateParams{
		SessionID:  req.SessionID,
		CustomerID: req.CustomerID,
		Language:   req.Language,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, transport.ToConversationResponse(conv))
}

// Get returns a conversation with its messages.
// GET /api/v1/conversations/:sessionId
func (h *Handler) Get(c *gin.Context) {
	sessionID, ok := mustGetSessionID(c)
	if !ok {
		return
	}

	conv, err := h.svc.GetContext(c.Request.Context(), sessionID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToConversationResponse(conv))
}

// AppendMessage adds a message to a conversation.
// POST /api/v1/conversations/:sessionId/messages
func (h *Handler) AppendMessage(c *gin.Context) {
	sessionID, ok := mustGetSessionID(c)
	if !ok {
		return
	}

	var req transport.AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}

	msg, conv, err := h.svc.AppendMessage(c.Request.Context(), service.AppendParams{
		SessionID: sessionID,
		Role:      domain.Role(req.Role),
		Content:   req.Content,
		Metadata:  req.Metadata,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, transport.AppendMessageResponse{
		Message:      transport.ToMessageResponse(msg),
		Conversation: transport.ToConversationResponse(conv),
	})
}

// SetStage moves a conversation forward.
// PUT /api/v1/conversations/:sessionId/stage
func (h *Handler) SetStage(c *gin.Context) {
	sessionID, ok := mustGetSessionID(c)
	if !ok {
		return
	}

	var req transport.SetStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}
	stage, _ := domain.ParseStage(req.Stage)

	conv, err := h.svc.SetStage(c.Request.Context(), sessionID, stage)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToConversationResponse(conv))
}

// UpdatePreferences changes language and intent.
// PATCH /api/v1/conversations/:sessionId/preferences
func (h *Handler) UpdatePreferences(c *gin.Context) {
	sessionID, ok := mustGetSessionID(c)
	if !ok {
		return
	}

	var req transport.UpdatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}

	conv, err := h.svc.UpdatePreferences(c.Request.Context(), sessionID, service.PreferencesParams{
		Language:         req.Language,
		DetectedLanguage: req.DetectedLanguage,
		CurrentIntent:    req.CurrentIntent,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToConversationResponse(conv))
}

// End closes a conversation. Repeated calls return the ended conversation.
// POST /api/v1/conversations/:sessionId/end
func (h *Handler) End(c *gin.Context) {
	sessionID, ok := mustGetSessionID(c)
	if !ok {
		return
	}

	conv, err := h.svc.EndSession(c.Request.Context(), sessionID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToConversationResponse(conv))
}

func mustGetSessionID(c *gin.Context) (string, bool) {
	sessionID := strings.TrimSpace(c.Param("sessionId"))
	if sessionID == "" || len(sessionID) > 128 {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidSessionID, nil)
		return "", false
	}
	return sessionID, true
}
