package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/deskwire/deskwire/pkg/errors"
)

// MemoryStore is an in-process Store used by tests. Objects become visible
// once Put is called, mirroring a client completing a presigned upload.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]ObjectInfo
	healthy bool
	now     func() time.Time
}

// NewMemoryStore returns an empty, healthy MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]ObjectInfo),
		healthy: true,
		now:     time.Now,
	}
}

// Put simulates a completed upload.
func (s *MemoryStore) Put(key, contentType string, sizeBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = ObjectInfo{
		Key:         key,
		SizeBytes:   sizeBytes,
		ContentType: contentType,
		ModifiedAt:  s.now(),
	}
}

// SetHealthy toggles the backend health reported by Healthy.
func (s *MemoryStore) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

func (s *MemoryStore) Presign(ctx context.Context, key, contentType string, sizeBytes int64, ttl time.Duration) (PresignedUpload, error) {
	if err := validateKey(key); err != nil {
		return PresignedUpload{}, err
	}
	if err := s.Healthy(ctx); err != nil {
		return PresignedUpload{}, err
	}
	return PresignedUpload{
		Key:       key,
		URL:       fmt.Sprintf("memory://upload/%s", key),
		Method:    "PUT",
		ExpiresAt: s.now().Add(ttl),
	}, nil
}

func (s *MemoryStore) SignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.Stat(ctx, key); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory://download/%s", key), nil
}

func (s *MemoryStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.healthy {
		return ObjectInfo{}, appErrors.ErrStorageUnavailable
	}
	info, ok := s.objects[key]
	if !ok {
		return ObjectInfo{}, appErrors.ErrNotFound
	}
	return info, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.healthy {
		return nil, appErrors.ErrStorageUnavailable
	}

	var objects []ObjectInfo
	for key, info := range s.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, info)
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *MemoryStore) Healthy(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.healthy {
		return appErrors.ErrStorageUnavailable
	}
	return nil
}
