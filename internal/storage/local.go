package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appErrors "github.com/deskwire/deskwire/pkg/errors"
)

// LocalConfig configures the filesystem-backed store.
type LocalConfig struct {
	// Root is the directory objects are stored under.
	Root string
	// BaseURL is the externally reachable URL of the upload gateway that
	// verifies the HMAC signatures minted here.
	BaseURL string
	// SigningSecret is shared with the upload gateway.
	SigningSecret string
	Clock         func() time.Time
}

// LocalStore serves development and single-node deployments. Objects live
// on the local filesystem behind a gateway that checks HMAC-signed URLs.
type LocalStore struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocalStore builds a LocalStore rooted at cfg.Root.
func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("storage: root directory must be provided")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, errors.New("storage: signing secret must be provided")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &LocalStore{
		root:    cfg.Root,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  []byte(cfg.SigningSecret),
		now:     now,
	}, nil
}

func (s *LocalStore) Presign(ctx context.Context, key, contentType string, sizeBytes int64, ttl time.Duration) (PresignedUpload, error) {
	if err := validateKey(key); err != nil {
		return PresignedUpload{}, err
	}

	expires := s.now().Add(ttl)
	signed := s.signURL("PUT", key, expires)

	return PresignedUpload{
		Key:    key,
		URL:    signed,
		Method: "PUT",
		Headers: map[string]string{
			"Content-Type":   contentType,
			"Content-Length": strconv.FormatInt(sizeBytes, 10),
		},
		ExpiresAt: expires,
	}, nil
}

func (s *LocalStore) SignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if _, err := s.Stat(ctx, key); err != nil {
		return "", err
	}
	return s.signURL("GET", key, s.now().Add(ttl)), nil
}

// WriteObject stores the object bytes for key, creating parent directories.
// The gateway calls this after verifying the upload signature.
func (s *LocalStore) WriteObject(key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("storage: create object dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("storage: create %s: %w", key, err)
	}
	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, fmt.Errorf("storage: write %s: %w", key, err)
	}
	return written, nil
}

// OpenObject opens the object for reading. The caller closes the file.
func (s *LocalStore) OpenObject(key string) (*os.File, ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, ObjectInfo{}, err
	}

	info, err := s.Stat(context.Background(), key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("storage: open %s: %w", key, err)
	}
	return f, info, nil
}

func (s *LocalStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return ObjectInfo{}, err
	}

	info, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, appErrors.ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("storage: stat %s: %w", key, err)
	}

	return ObjectInfo{
		Key:        key,
		SizeBytes:  info.Size(),
		ModifiedAt: info.ModTime(),
	}, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := validateKey(prefix); err != nil {
		return nil, err
	}

	var objects []ObjectInfo
	base := filepath.Join(s.root, filepath.FromSlash(prefix))
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		objects = append(objects, ObjectInfo{
			Key:        filepath.ToSlash(rel),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
	}

	return objects, nil
}

func (s *LocalStore) Healthy(ctx context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return appErrors.ErrStorageUnavailable.WithInternal(err)
	}
	return nil
}

func (s *LocalStore) signURL(method, key string, expires time.Time) string {
	exp := strconv.FormatInt(expires.Unix(), 10)
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s", method, key, exp)
	sig := hex.EncodeToString(mac.Sum(nil))

	query := url.Values{}
	query.Set("expires", exp)
	query.Set("signature", sig)

	return fmt.Sprintf("%s/objects/%s?%s", s.baseURL, key, query.Encode())
}

// VerifySignedURL checks the signature and expiry of a URL minted by signURL.
// The upload gateway calls this; exposed here so the signing scheme has a
// single owner.
func (s *LocalStore) VerifySignedURL(method, key, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return appErrors.ErrBadRequest.WithMessage("Malformed expiry")
	}
	if s.now().After(time.Unix(exp, 0)) {
		return appErrors.ErrForbidden.WithMessage("Signed URL has expired")
	}

	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s", method, key, expires)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return appErrors.ErrForbidden.WithMessage("Invalid signature")
	}
	return nil
}

// validateKey rejects keys that could escape the storage root.
func validateKey(key string) error {
	if key == "" {
		return appErrors.ErrBadRequest.WithMessage("Storage key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return appErrors.ErrBadRequest.WithMessage("Invalid storage key")
	}
	return nil
}
