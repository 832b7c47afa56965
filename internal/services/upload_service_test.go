package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deskwire/deskwire/internal/models"
	"github.com/deskwire/deskwire/internal/storage"
	apperrors "github.com/deskwire/deskwire/pkg/errors"
)

func newUploadService(t *testing.T, f *fixture, store storage.Store) *UploadService {
	t.Helper()

	if store == nil {
		store = storage.NewMemoryStore()
	}
	svc, err := NewUploadService(f.db, store, UploadConfig{})
	require.NoError(t, err)
	return svc
}

func TestUploadPresignCreatesPendingRecord(t *testing.T) {
	f := newFixture(t)
	store := storage.NewMemoryStore()
	svc := newUploadService(t, f, store)

	result, err := svc.Presign(f.ctxA(), principalFor(f.client), PresignInput{
		Name:        "screenshot.png",
		ContentType: "image/png",
		SizeBytes:   2048,
	})
	require.NoError(t, err)
	require.Equal(t, models.UploadPending, result.File.State)
	require.True(t, strings.HasPrefix(result.File.StorageKey, models.StorageKeyPrefix(f.tenantA.ID)+"image/"))
	require.Contains(t, result.File.StorageKey, "screenshot.png")
	require.NotNil(t, result.File.PresignExpiresAt)
	require.Equal(t, "PUT", result.Upload.Method)
	require.False(t, result.QuotaWarning)
}

func TestUploadStorageKeyCategories(t *testing.T) {
	require.Equal(t, "image", storageCategory("image/png"))
	require.Equal(t, "document", storageCategory("application/pdf"))
	require.Equal(t, "document", storageCategory("text/csv"))
	require.Equal(t, "other", storageCategory("video/mp4"))
}

func TestUploadPresignEnforcesMIMEPolicy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&models.Tenant{}).
		Where("id = ?", f.tenantA.ID).
		Update("allowed_file_types", `["image/*","application/pdf"]`).Error)

	svc := newUploadService(t, f, nil)

	_, err := svc.Presign(f.ctxA(), principalFor(f.client), PresignInput{
		Name:        "tool.exe",
		ContentType: "application/x-msdownload",
		SizeBytes:   100,
	})
	require.ErrorIs(t, err, apperrors.ErrFileTypeNotAllowed)

	_, err = svc.Presign(f.ctxA(), principalFor(f.client), PresignInput{
		Name:        "photo.jpg",
		ContentType: "image/jpeg",
		SizeBytes:   100,
	})
	require.NoError(t, err)
}

func TestUploadPresignEnforcesFileSize(t *testing.T) {
	f := newFixture(t)
	svc := newUploadService(t, f, nil)

	_, err := svc.Presign(f.ctxA(), principalFor(f.client), PresignInput{
		Name:        "huge.bin",
		ContentType: "application/octet-stream",
		SizeBytes:   f.tenantA.MaxFileSizeBytes + 1,
	})
	require.ErrorIs(t, err, apperrors.ErrFileTooLarge)
}

func TestUploadPresignEnforcesQuota(t *testing.T) {
	f := newFixture(t)
	svc := newUploadService(t, f, nil)

	// Fill most of the 1 MiB quota with a committed file.
	require.NoError(t, f.db.Create(&models.File{
		TenantID:   f.tenantA.ID,
		StorageKey: models.StorageKeyPrefix(f.tenantA.ID) + "chat-files/existing.bin",
		Name:       "existing.bin",
		SizeBytes:  900 << 10,
		UploaderID: f.client.ID,
		State:      models.UploadCommitted,
	}).Error)

	_, err := svc.Presign(f.ctxA(), principalFor(f.client), PresignInput{
		Name:        "more.bin",
		ContentType: "application/octet-stream",
		SizeBytes:   200 << 10,
	})
	require.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

	// A smaller upload fits but crosses the warning threshold.
	result, err := svc.Presign(f.ctxA(), principalFor(f.client), PresignInput{
		Name:        "small.bin",
		ContentType: "application/octet-stream",
		SizeBytes:   50 << 10,
	})
	require.NoError(t, err)
	require.True(t, result.QuotaWarning)
}

func TestUploadQuotaOverageAllowed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&models.Tenant{}).
		Where("id = ?", f.tenantA.ID).
		Update("allow_storage_overage", true).Error)

	svc := newUploadService(t, f, nil)

	require.NoError(t, f.db.Create(&models.File{
		TenantID:   f.tenantA.ID,
		StorageKey: models.StorageKeyPrefix(f.tenantA.ID) + "chat-files/existing.bin",
		Name:       "existing.bin",
		SizeBytes:  1 << 20,
		UploaderID: f.client.ID,
		State:      models.UploadCommitted,
	}).Error)

	result, err := svc.Presign(f.ctxA(), principalFor(f.client), PresignInput{
		Name:        "over.bin",
		ContentType: "application/octet-stream",
		SizeBytes:   10 << 10,
	})
	require.NoError(t, err)
	require.True(t, result.QuotaWarning)
}

func TestUploadConfirmLifecycle(t *testing.T) {
	f := newFixture(t)
	store := storage.NewMemoryStore()
	svc := newUploadService(t, f, store)
	client := principalFor(f.client)

	result, err := svc.Presign(f.ctxA(), client, PresignInput{
		Name:        "doc.pdf",
		ContentType: "application/pdf",
		SizeBytes:   1000,
	})
	require.NoError(t, err)

	// Confirming before the object lands is a client error.
	_, err = svc.Confirm(f.ctxA(), client, result.File.ID)
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	store.Put(result.File.StorageKey, "application/pdf", 1234)

	confirmed, err := svc.Confirm(f.ctxA(), client, result.File.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadCommitted, confirmed.State)
	require.EqualValues(t, 1234, confirmed.SizeBytes)

	// Confirm is idempotent.
	again, err := svc.Confirm(f.ctxA(), client, result.File.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadCommitted, again.State)
}

func TestUploadConfirmRequiresUploaderOrAdmin(t *testing.T) {
	f := newFixture(t)
	store := storage.NewMemoryStore()
	svc := newUploadService(t, f, store)

	result, err := svc.Presign(f.ctxA(), principalFor(f.client), PresignInput{
		Name:        "doc.pdf",
		ContentType: "application/pdf",
		SizeBytes:   10,
	})
	require.NoError(t, err)
	store.Put(result.File.StorageKey, "application/pdf", 10)

	_, err = svc.Confirm(f.ctxA(), principalFor(f.agent), result.File.ID)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = svc.Confirm(f.ctxA(), principalFor(f.admin), result.File.ID)
	require.NoError(t, err)
}

func TestUploadDownloadURL(t *testing.T) {
	f := newFixture(t)
	store := storage.NewMemoryStore()
	svc := newUploadService(t, f, store)
	client := principalFor(f.client)

	result, err := svc.Presign(f.ctxA(), client, PresignInput{
		Name:        "doc.pdf",
		ContentType: "application/pdf",
		SizeBytes:   10,
	})
	require.NoError(t, err)

	// Pending files are not downloadable.
	_, err = svc.DownloadURL(f.ctxA(), client, result.File.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	store.Put(result.File.StorageKey, "application/pdf", 10)
	_, err = svc.Confirm(f.ctxA(), client, result.File.ID)
	require.NoError(t, err)

	url, err := svc.DownloadURL(f.ctxA(), client, result.File.ID)
	require.NoError(t, err)
	require.NotEmpty(t, url)

	// A stranger in the same tenant is denied; another tenant's request
	// is reported as the violation it is.
	_, err = svc.DownloadURL(f.ctxA(), principalFor(f.agent), result.File.ID)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = svc.DownloadURL(f.ctxB(), principalFor(f.clientB), result.File.ID)
	require.ErrorIs(t, err, apperrors.ErrCrossTenant)
}

func TestUploadDownloadRejectsForeignKey(t *testing.T) {
	f := newFixture(t)
	store := storage.NewMemoryStore()
	svc := newUploadService(t, f, store)

	// A record whose key points into another tenant's namespace must never
	// be signed, no matter how it got there.
	file := models.File{
		TenantID:   f.tenantA.ID,
		StorageKey: models.StorageKeyPrefix(f.tenantB.ID) + "chat-files/leak.bin",
		Name:       "leak.bin",
		SizeBytes:  10,
		UploaderID: f.client.ID,
		State:      models.UploadCommitted,
	}
	require.NoError(t, f.db.Create(&file).Error)
	store.Put(file.StorageKey, "application/octet-stream", 10)

	_, err := svc.DownloadURL(f.ctxA(), principalFor(f.client), file.ID)
	require.ErrorIs(t, err, apperrors.ErrCrossTenant)
}

func TestUploadUsageCountsPendingAndCommitted(t *testing.T) {
	f := newFixture(t)
	store := storage.NewMemoryStore()
	svc := newUploadService(t, f, store)
	client := principalFor(f.client)

	first, err := svc.Presign(f.ctxA(), client, PresignInput{
		Name: "a.bin", ContentType: "application/octet-stream", SizeBytes: 100,
	})
	require.NoError(t, err)
	store.Put(first.File.StorageKey, "application/octet-stream", 100)
	_, err = svc.Confirm(f.ctxA(), client, first.File.ID)
	require.NoError(t, err)

	_, err = svc.Presign(f.ctxA(), client, PresignInput{
		Name: "b.bin", ContentType: "application/octet-stream", SizeBytes: 50,
	})
	require.NoError(t, err)

	report, err := svc.Usage(f.ctxA())
	require.NoError(t, err)
	require.EqualValues(t, 150, report.UsedBytes)
	require.EqualValues(t, f.tenantA.StorageQuotaBytes, report.QuotaBytes)
	require.False(t, report.Warning)
}

func TestUploadOrphanExpired(t *testing.T) {
	f := newFixture(t)
	svc := newUploadService(t, f, nil)

	stale := models.File{
		TenantID:   f.tenantA.ID,
		StorageKey: models.StorageKeyPrefix(f.tenantA.ID) + "chat-files/stale.bin",
		Name:       "stale.bin",
		SizeBytes:  10,
		UploaderID: f.client.ID,
		State:      models.UploadPending,
	}
	require.NoError(t, f.db.Create(&stale).Error)
	require.NoError(t, f.db.Model(&models.File{}).
		Where("id = ?", stale.ID).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	fresh := models.File{
		TenantID:   f.tenantA.ID,
		StorageKey: models.StorageKeyPrefix(f.tenantA.ID) + "chat-files/fresh.bin",
		Name:       "fresh.bin",
		SizeBytes:  10,
		UploaderID: f.client.ID,
		State:      models.UploadPending,
	}
	require.NoError(t, f.db.Create(&fresh).Error)

	flagged, err := svc.OrphanExpired(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, flagged)

	var staleCheck, freshCheck models.File
	require.NoError(t, f.db.Where("id = ?", stale.ID).First(&staleCheck).Error)
	require.Equal(t, models.UploadOrphaned, staleCheck.State)
	require.NoError(t, f.db.Where("id = ?", fresh.ID).First(&freshCheck).Error)
	require.Equal(t, models.UploadPending, freshCheck.State)
}
