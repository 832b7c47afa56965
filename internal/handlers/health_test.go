package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/deskwire/deskwire/internal/database/testutil"
	"github.com/deskwire/deskwire/internal/storage"
)

func newHealthRouter(t *testing.T, store *storage.MemoryStore, extras map[string]HealthCheck) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handler := NewHealthHandler(testutil.MustOpenTestDB(t), store, extras)
	router := gin.New()
	router.GET("/health/live", handler.Live)
	router.GET("/health/ready", handler.Ready)
	return router
}

func TestHealthReadyReportsOK(t *testing.T) {
	router := newHealthRouter(t, storage.NewMemoryStore(), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "ok", body.Checks["database"])
	require.Equal(t, "ok", body.Checks["storage"])
}

func TestHealthReadyDegradesOnStorageFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SetHealthy(false)
	router := newHealthRouter(t, store, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthReadyIncludesExtraChecks(t *testing.T) {
	router := newHealthRouter(t, storage.NewMemoryStore(), map[string]HealthCheck{
		"cache": func(ctx context.Context) error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "connection refused", body.Checks["cache"])
}

func TestHealthLive(t *testing.T) {
	router := newHealthRouter(t, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
