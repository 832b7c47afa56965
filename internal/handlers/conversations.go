package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/events"
	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/realtime"
	"github.com/deskwire/deskwire/internal/services"
	"github.com/deskwire/deskwire/pkg/response"
)

// ConversationHandler exposes HTTP endpoints for the conversation lifecycle.
type ConversationHandler struct {
	service *services.ConversationService
}

// NewConversationHandler constructs a conversation handler.
func NewConversationHandler(db *gorm.DB, hub *realtime.Hub, publisher events.Publisher) (*ConversationHandler, error) {
	service, err := services.NewConversationService(db, hub, publisher)
	if err != nil {
		return nil, err
	}
	return &ConversationHandler{service: service}, nil
}

// Service exposes the underlying conversation service so the hub can use it
// as its room authorizer.
func (h *ConversationHandler) Service() *services.ConversationService {
	return h.service
}

type createConversationRequest struct {
	Subject    string `json:"subject" validate:"required,notblank,max=200"`
	Department string `json:"department" validate:"max=100"`
	Priority   string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Message    string `json:"message" validate:"max=8000"`
}

type appendMessageRequest struct {
	Body        string                     `json:"body" validate:"max=8000"`
	Kind        string                     `json:"kind" validate:"omitempty,oneof=text image file audio video document"`
	Attachments []models.MessageAttachment `json:"attachments" validate:"max=10"`
}

type rateConversationRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

// Create opens a new conversation for the calling client.
func (h *ConversationHandler) Create(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	var req createConversationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	conversation, err := h.service.Create(requestContext(c), principal, services.CreateConversationInput{
		Subject:    req.Subject,
		Department: req.Department,
		Priority:   models.ConversationPriority(req.Priority),
		Message:    req.Message,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, conversation)
}

// Get returns a single conversation visible to the caller.
func (h *ConversationHandler) Get(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	conversation, err := h.service.Get(requestContext(c), principal, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, conversation)
}

// List returns conversations visible to the caller, optionally filtered by status.
func (h *ConversationHandler) List(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	limit := parseIntQuery(c, "limit", 25)
	offset := parseIntQuery(c, "offset", 0)

	items, total, err := h.service.List(requestContext(c), principal, services.ListConversationsInput{
		Status: models.ConversationStatus(strings.TrimSpace(c.Query("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, items, paginationMeta(total, limit, offset))
}

// Messages returns the transcript in chronological order.
func (h *ConversationHandler) Messages(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	limit := parseIntQuery(c, "limit", 50)
	offset := parseIntQuery(c, "offset", 0)

	items, total, err := h.service.Messages(requestContext(c), principal, strings.TrimSpace(c.Param("id")), limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, items, paginationMeta(total, limit, offset))
}

// AppendMessage posts a message to an open conversation.
func (h *ConversationHandler) AppendMessage(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	var req appendMessageRequest
	if !bindAndValidate(c, &req) {
		return
	}

	message, err := h.service.AppendMessage(requestContext(c), principal, services.AppendMessageInput{
		ConversationID: strings.TrimSpace(c.Param("id")),
		Body:           req.Body,
		Kind:           models.MessageKind(req.Kind),
		Attachments:    req.Attachments,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, message)
}

// Close ends a conversation.
func (h *ConversationHandler) Close(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	conversation, err := h.service.Close(requestContext(c), principal, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, conversation)
}

// Reopen resumes a closed conversation with its prior agent, or hands it to
// the reopener.
func (h *ConversationHandler) Reopen(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	conversation, err := h.service.Reopen(requestContext(c), principal, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, conversation)
}

// Rate records a satisfaction rating on a closed conversation.
func (h *ConversationHandler) Rate(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	var req rateConversationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	conversation, err := h.service.Rate(requestContext(c), principal, strings.TrimSpace(c.Param("id")), req.Rating, req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, conversation)
}

func paginationMeta(total int64, limit, offset int) *response.Meta {
	meta := &response.Meta{
		PerPage: limit,
		Total:   total,
	}
	if limit > 0 {
		meta.Page = offset/limit + 1
		meta.TotalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return meta
}
