// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attachment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/mitar/internal/model"
)

// MaxFileSize is the default upload limit (10MB).
const MaxFileSize int64 = 10 * 1024 * 1024

// AllowedTypes lists the accepted media types.
var AllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"text/csv",
	"application/json",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// extensionTypes resolves the allow-listed types without relying on the
// host mime database.
var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".md":   "text/plain",
	".csv":  "text/csv",
	".json": "application/json",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// IsAllowed reports whether mimeType is on the allow-list. Parameters such
// as charset are ignored.
func IsAllowed(mimeType string) bool {
	base := BaseType(mimeType)
	for _, t := range AllowedTypes {
		if base == t {
			return true
		}
	}
	return false
}

// BaseType strips parameters and lowercases a media type.
func BaseType(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// =============================================================================
// FILE
// =============================================================================

// File is a user file awaiting upload. Either Data or Reader supplies the
// content. Size is optional when Data is set.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Data     []byte
	Reader   io.Reader
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver validates files and stores them for one user.
type Resolver struct {
	store   ObjectStore
	userID  string
	maxSize int64

	now    func() time.Time
	random func() string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxSize overrides MaxFileSize.
func WithMaxSize(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxSize = n
		}
	}
}

// NewResolver creates a resolver uploading to store under userID.
func NewResolver(store ObjectStore, userID string, opts ...Option) *Resolver {
	r := &Resolver{
		store:   store,
		userID:  userID,
		maxSize: MaxFileSize,
		now:     time.Now,
		random:  randomToken,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxSize returns the configured limit.
func (r *Resolver) MaxSize() int64 {
	return r.maxSize
}

// Validate checks size and type without uploading.
func (r *Resolver) Validate(f File) error {
	size := f.Size
	if f.Data != nil && int64(len(f.Data)) > size {
		size = int64(len(f.Data))
	}
	if size > r.maxSize {
		return &ValidationError{Name: f.Name, Reason: "file is too large", Size: size, Limit: r.maxSize}
	}
	if !IsAllowed(f.MimeType) {
		return &UnsupportedTypeError{Name: f.Name, MimeType: f.MimeType}
	}
	return nil
}

// Resolve validates f, uploads it once and returns the attachment record.
// Validation failures return *ValidationError or *UnsupportedTypeError and
// never reach the store; storage failures return *UploadError.
func (r *Resolver) Resolve(ctx context.Context, f File) (model.Attachment, error) {
	if err := r.Validate(f); err != nil {
		return model.Attachment{}, err
	}

	data := f.Data
	if data == nil {
		if f.Reader == nil {
			return model.Attachment{}, &ValidationError{Name: f.Name, Reason: "file has no content"}
		}
		// Read one byte past the limit so oversize streams are caught.
		buf, err := io.ReadAll(io.LimitReader(f.Reader, r.maxSize+1))
		if err != nil {
			return model.Attachment{}, fmt.Errorf("read %s: %w", f.Name, err)
		}
		if int64(len(buf)) > r.maxSize {
			return model.Attachment{}, &ValidationError{Name: f.Name, Reason: "file is too large", Size: int64(len(buf)), Limit: r.maxSize}
		}
		data = buf
	}

	contentType := BaseType(f.MimeType)
	key := ObjectKey(r.userID, f.Name, contentType, r.now(), r.random())
	url, err := r.store.Put(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		log.WithError(err).WithField("name", f.Name).Warn("attachment upload failed")
		return model.Attachment{}, &UploadError{Name: f.Name, Err: err}
	}

	log.WithFields(log.Fields{"name": f.Name, "size": len(data), "type": contentType}).Debug("attachment stored")
	return model.Attachment{
		ID:        model.NewID(),
		Name:      f.Name,
		MimeType:  contentType,
		URL:       url,
		SizeBytes: int64(len(data)),
	}, nil
}

// ResolveAll resolves files in order and stops at the first failure,
// returning the attachments already stored alongside the error.
func (r *Resolver) ResolveAll(ctx context.Context, files []File) ([]model.Attachment, error) {
	out := make([]model.Attachment, 0, len(files))
	for _, f := range files {
		att, err := r.Resolve(ctx, f)
		if err != nil {
			return out, err
		}
		out = append(out, att)
	}
	return out, nil
}

// ResolvePath reads a local file and resolves it. The media type comes from
// the extension, falling back to content sniffing.
func (r *Resolver) ResolvePath(ctx context.Context, path string) (model.Attachment, error) {
	name := filepath.Base(path)
	info, err := os.Stat(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return model.Attachment{}, &ValidationError{Name: name, Reason: "is a directory"}
	}
	if info.Size() > r.maxSize {
		return model.Attachment{}, &ValidationError{Name: name, Reason: "file is too large", Size: info.Size(), Limit: r.maxSize}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("read %s: %w", name, err)
	}
	return r.Resolve(ctx, File{
		Name:     name,
		MimeType: DetectType(name, data),
		Size:     int64(len(data)),
		Data:     data,
	})
}

// DetectType guesses the media type of a file from its name and content.
func DetectType(name string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return BaseType(t)
	}
	return BaseType(http.DetectContentType(data))
}

// =============================================================================
// KEYS
// =============================================================================

// ObjectKey builds `{userID}/{unixMillis}-{random}.{ext}`. The extension is
// taken from the file name, or from the media type when the name has none.
func ObjectKey(userID, name, mimeType string, at time.Time, random string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		ext = extensionForType(mimeType)
	}
	return fmt.Sprintf("%s/%d-%s.%s", userID, at.UnixMilli(), random, ext)
}

func extensionForType(mimeType string) string {
	for ext, t := range extensionTypes {
		if t == mimeType && ext != ".jpeg" && ext != ".md" {
			return strings.TrimPrefix(ext, ".")
		}
	}
	return "bin"
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
