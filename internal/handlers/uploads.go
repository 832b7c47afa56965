package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/deskwire/deskwire/internal/services"
	"github.com/deskwire/deskwire/internal/storage"
	"github.com/deskwire/deskwire/pkg/response"
)

// UploadHandler exposes presigned uploads, confirmation and downloads.
type UploadHandler struct {
	service *services.UploadService
}

// NewUploadHandler constructs an upload handler.
func NewUploadHandler(db *gorm.DB, store storage.Store, cfg services.UploadConfig) (*UploadHandler, error) {
	service, err := services.NewUploadService(db, store, cfg)
	if err != nil {
		return nil, err
	}
	return &UploadHandler{service: service}, nil
}

// Service exposes the upload service for maintenance wiring.
func (h *UploadHandler) Service() *services.UploadService {
	return h.service
}

type presignRequest struct {
	Name           string `json:"name" validate:"required,notblank,max=255"`
	ContentType    string `json:"content_type" validate:"required,max=150"`
	SizeBytes      int64  `json:"size_bytes" validate:"required,min=1"`
	ConversationID string `json:"conversation_id"`
}

// Presign validates an upload against tenant policy and returns a signed URL.
func (h *UploadHandler) Presign(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	var req presignRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.service.Presign(requestContext(c), principal, services.PresignInput{
		Name:           req.Name,
		ContentType:    req.ContentType,
		SizeBytes:      req.SizeBytes,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, result)
}

// Confirm marks a pending upload as committed once the object exists.
func (h *UploadHandler) Confirm(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	file, err := h.service.Confirm(requestContext(c), principal, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, file)
}

// DownloadURL returns a short-lived signed URL for a committed file.
func (h *UploadHandler) DownloadURL(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	url, err := h.service.DownloadURL(requestContext(c), principal, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"url": url})
}

// Usage reports tenant storage consumption against quota.
func (h *UploadHandler) Usage(c *gin.Context) {
	report, err := h.service.Usage(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, report)
}

// ConversationFiles lists files attached to a conversation.
func (h *UploadHandler) ConversationFiles(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	files, err := h.service.ConversationFiles(requestContext(c), principal, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, files)
}
