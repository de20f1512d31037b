// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/jeranaias/mitar/internal/util"
)

// ObjectStore writes uploaded bytes and returns a URL that resolves to them.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// Backend names accepted by OpenStore.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Config selects and configures an ObjectStore.
type Config struct {
	Backend         string
	Dir             string // local: root directory
	BaseURL         string // local: URL prefix; file:// URLs when empty
	Bucket          string // gcs: bucket name
	CredentialsFile string // gcs: service account file; default credentials when empty
}

// OpenStore creates the ObjectStore described by cfg.
func OpenStore(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendLocal:
		return NewLocalStore(cfg.Dir, cfg.BaseURL)
	case BackendGCS:
		return NewGCSStore(ctx, cfg.Bucket, cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("unknown attachment backend %q", cfg.Backend)
	}
}

// validKey rejects keys that could escape the store root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid object key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	return nil
}

// =============================================================================
// LOCAL STORE
// =============================================================================

// LocalStore keeps objects as files under a directory.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("local attachment store needs a directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	return &LocalStore{dir: abs, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Put implements ObjectStore. The write is atomic.
func (s *LocalStore) Put(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dest := filepath.Join(s.dir, filepath.FromSlash(key))
	if _, err := util.AtomicWriteReader(dest, r, 0600); err != nil {
		return "", err
	}
	if s.baseURL != "" {
		return s.baseURL + "/" + key, nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dest)}).String(), nil
}

// Dir returns the root directory.
func (s *LocalStore) Dir() string {
	return s.dir
}

// =============================================================================
// GCS STORE
// =============================================================================

// GCSStore keeps objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore connects to GCS. With an empty credentialsFile the ambient
// application default credentials are used.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs attachment store needs a bucket")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put implements ObjectStore.
func (s *GCSStore) Put(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		// Cancel before Close: Close alone commits the partial object.
		cancel()
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return PublicURL(s.bucket, key), nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// PublicURL is the address of an object in a public bucket.
func PublicURL(bucket, key string) string {
	return "https://storage.googleapis.com/" + path.Join(bucket, key)
}
