package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/deskwire/deskwire/internal/storage"
	"github.com/deskwire/deskwire/pkg/response"
)

// ObjectGatewayHandler serves object bytes for the filesystem-backed store.
// Every request must carry the expiry and signature minted at presign time;
// cloud deployments point presigned URLs at the bucket instead and never
// mount these routes.
type ObjectGatewayHandler struct {
	store *storage.LocalStore
}

// NewObjectGatewayHandler constructs an object gateway handler.
func NewObjectGatewayHandler(store *storage.LocalStore) *ObjectGatewayHandler {
	return &ObjectGatewayHandler{store: store}
}

// Upload receives the object bytes for a presigned PUT.
func (h *ObjectGatewayHandler) Upload(c *gin.Context) {
	key, ok := h.verify(c, http.MethodPut)
	if !ok {
		return
	}

	written, err := h.store.WriteObject(key, c.Request.Body)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"key": key, "size_bytes": written})
}

// Download streams a stored object for a signed GET.
func (h *ObjectGatewayHandler) Download(c *gin.Context) {
	key, ok := h.verify(c, http.MethodGet)
	if !ok {
		return
	}

	file, info, err := h.store.OpenObject(key)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()

	http.ServeContent(c.Writer, c.Request, info.Key, info.ModifiedAt, file)
}

func (h *ObjectGatewayHandler) verify(c *gin.Context, method string) (string, bool) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.store.VerifySignedURL(method, key, c.Query("expires"), c.Query("signature")); err != nil {
		response.Error(c, err)
		return "", false
	}
	return key, true
}
