// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore counts Put calls and keeps the last payload.
type recordingStore struct {
	mu    sync.Mutex
	puts  int
	keys  []string
	types []string
	data  [][]byte
	err   error
}

func (s *recordingStore) Put(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.err != nil {
		return "", s.err
	}
	b, _ := io.ReadAll(r)
	s.keys = append(s.keys, key)
	s.types = append(s.types, contentType)
	s.data = append(s.data, b)
	return "https://objects.test/" + key, nil
}

func fixedResolver(store ObjectStore, opts ...Option) *Resolver {
	r := NewResolver(store, "user-1", opts...)
	r.now = func() time.Time { return time.UnixMilli(1700000000123) }
	r.random = func() string { return "abc123" }
	return r
}

func TestResolve_Stores(t *testing.T) {
	store := &recordingStore{}
	r := fixedResolver(store)

	att, err := r.Resolve(context.Background(), File{Name: "photo.PNG", MimeType: "image/png", Data: []byte("png-bytes")})
	require.NoError(t, err)

	assert.Equal(t, 1, store.puts)
	assert.Equal(t, "user-1/1700000000123-abc123.png", store.keys[0])
	assert.Equal(t, "image/png", store.types[0])
	assert.Equal(t, []byte("png-bytes"), store.data[0])

	assert.Equal(t, "photo.PNG", att.Name)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, int64(len("png-bytes")), att.SizeBytes)
	assert.Equal(t, "https://objects.test/user-1/1700000000123-abc123.png", att.URL)
	assert.NotEmpty(t, att.ID)
}

func TestResolve_TooLargeNeverUploads(t *testing.T) {
	store := &recordingStore{}
	r := fixedResolver(store)

	_, err := r.Resolve(context.Background(), File{Name: "big.pdf", MimeType: "application/pdf", Size: MaxFileSize + 1})
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, MaxFileSize, ve.Limit)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, store.puts)
}

func TestResolve_ExactLimitAccepted(t *testing.T) {
	store := &recordingStore{}
	r := fixedResolver(store, WithMaxSize(8))

	_, err := r.Resolve(context.Background(), File{Name: "a.txt", MimeType: "text/plain", Data: []byte("12345678")})
	require.NoError(t, err)
	assert.Equal(t, 1, store.puts)
}

func TestResolve_OversizeReader(t *testing.T) {
	store := &recordingStore{}
	r := fixedResolver(store, WithMaxSize(8))

	_, err := r.Resolve(context.Background(), File{Name: "a.txt", MimeType: "text/plain", Reader: strings.NewReader("123456789")})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, store.puts)
}

func TestResolve_UnsupportedType(t *testing.T) {
	store := &recordingStore{}
	r := fixedResolver(store)

	_, err := r.Resolve(context.Background(), File{Name: "run.exe", MimeType: "application/x-msdownload", Data: []byte("MZ")})
	var ute *UnsupportedTypeError
	require.True(t, errors.As(err, &ute))
	assert.Equal(t, "application/x-msdownload", ute.MimeType)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, store.puts)
}

func TestResolve_MimeParametersIgnored(t *testing.T) {
	store := &recordingStore{}
	r := fixedResolver(store)

	att, err := r.Resolve(context.Background(), File{Name: "notes.txt", MimeType: "text/plain; charset=utf-8", Data: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", att.MimeType)
}

func TestResolve_UploadFailure(t *testing.T) {
	boom := errors.New("bucket unavailable")
	store := &recordingStore{err: boom}
	r := fixedResolver(store)

	_, err := r.Resolve(context.Background(), File{Name: "a.json", MimeType: "application/json", Data: []byte("{}")})
	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, store.puts, "no retry")
}

func TestResolveAll_StopsAtFirstFailure(t *testing.T) {
	store := &recordingStore{}
	r := fixedResolver(store)

	files := []File{
		{Name: "a.txt", MimeType: "text/plain", Data: []byte("a")},
		{Name: "b.exe", MimeType: "application/octet-stream", Data: []byte("b")},
		{Name: "c.txt", MimeType: "text/plain", Data: []byte("c")},
	}
	atts, err := r.ResolveAll(context.Background(), files)
	assert.ErrorIs(t, err, ErrValidation)
	require.Len(t, atts, 1)
	assert.Equal(t, "a.txt", atts[0].Name)
	assert.Equal(t, 1, store.puts)
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0600))

	store := &recordingStore{}
	att, err := fixedResolver(store).ResolvePath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", att.MimeType)
	assert.Equal(t, "report.csv", att.Name)
	assert.True(t, strings.HasSuffix(store.keys[0], ".csv"))
}

func TestAllowList(t *testing.T) {
	for _, mt := range AllowedTypes {
		assert.True(t, IsAllowed(mt), mt)
	}
	assert.True(t, IsAllowed("IMAGE/PNG"))
	assert.False(t, IsAllowed("image/svg+xml"))
	assert.False(t, IsAllowed(""))
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", DetectType("x.docx", nil))
	assert.Equal(t, "image/jpeg", DetectType("x.JPG", nil))
	assert.Equal(t, "image/png", DetectType("noext", []byte("\x89PNG\r\n\x1a\n0000")))
}

func TestObjectKey_NoExtension(t *testing.T) {
	key := ObjectKey("u", "README", "text/plain", time.UnixMilli(5), "r")
	assert.Equal(t, "u/5-r.txt", key)
	key = ObjectKey("u", "blob", "application/x-unknown", time.UnixMilli(5), "r")
	assert.Equal(t, "u/5-r.bin", key)
}

// =============================================================================
// LOCAL STORE
// =============================================================================

func TestLocalStore_Put(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "https://files.example/")
	require.NoError(t, err)

	url, err := s.Put(context.Background(), "user-1/1-x.txt", "text/plain", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/user-1/1-x.txt", url)

	got, err := os.ReadFile(filepath.Join(dir, "user-1", "1-x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestLocalStore_FileURL(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	url, err := s.Put(context.Background(), "u/1-x.txt", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"), url)
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	for _, key := range []string{"../escape.txt", "/abs.txt", "a//b", "a/./b", ""} {
		_, err := s.Put(context.Background(), key, "text/plain", strings.NewReader("x"))
		assert.Error(t, err, key)
	}
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(context.Background(), Config{Backend: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	_, ok := s.(*LocalStore)
	assert.True(t, ok)

	_, err = OpenStore(context.Background(), Config{Backend: "ftp"})
	assert.Error(t, err)

	_, err = OpenStore(context.Background(), Config{Backend: "gcs"})
	assert.Error(t, err, "bucket required")
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t, "https://storage.googleapis.com/bkt/u/1-x.png", PublicURL("bkt", "u/1-x.png"))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "10.0 MiB", FormatSize(MaxFileSize))
}
