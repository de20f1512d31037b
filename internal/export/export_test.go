// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/mitar/internal/model"
	"github.com/jeranaias/mitar/internal/storage"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func testTranscript() *Transcript {
	created := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	conv := model.Conversation{
		ID:        "conv-1",
		UserID:    "u1",
		Title:     "Cats: a *field* guide",
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
	}
	return &Transcript{
		Conversation: conv,
		Messages: []model.Message{
			{
				ID: "m1", ConversationID: conv.ID, Role: model.RoleUser,
				Content: "What is this?", CreatedAt: created,
				Attachments: []model.Attachment{
					{ID: "a1", Name: "cat.png", MimeType: "image/png", URL: "https://files.example/cat.png", SizeBytes: 2048},
					{ID: "a2", Name: "notes.txt", MimeType: "text/plain", URL: "https://files.example/notes.txt", SizeBytes: 10},
				},
			},
			{
				ID: "m2", ConversationID: conv.ID, Role: model.RoleAssistant,
				Content: "A cat.", CreatedAt: created.Add(time.Minute),
			},
		},
	}
}

func testOptions(dir string) *Options {
	opts := DefaultOptions()
	opts.OutputDir = dir
	opts.Now = func() time.Time { return fixedNow }
	return opts
}

func TestMarkdownExporter(t *testing.T) {
	out, err := NewMarkdownExporter(testOptions("")).Export(testTranscript())
	require.NoError(t, err)
	md := string(out)

	require.True(t, strings.HasPrefix(md, "---\n"))
	end := strings.Index(md[4:], "---\n")
	require.Greater(t, end, 0)

	var fm map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(md[4:4+end]), &fm))
	assert.Equal(t, "Cats: a *field* guide", fm["title"])
	assert.Equal(t, "conv-1", fm["id"])
	assert.Equal(t, 2, fm["messages"])

	assert.Contains(t, md, "# Cats: a \\*field\\* guide\n")
	assert.Contains(t, md, "### You <sub>")
	assert.Contains(t, md, "### Assistant <sub>")
	assert.Contains(t, md, "What is this?")
	assert.Contains(t, md, "![cat.png](https://files.example/cat.png)")
	assert.Contains(t, md, "- [notes.txt](https://files.example/notes.txt)")
	assert.Contains(t, md, "*Exported from mitar on ")
}

func TestMarkdownExporter_Minimal(t *testing.T) {
	opts := testOptions("")
	opts.IncludeMetadata = false
	opts.IncludeTimestamps = false

	out, err := NewMarkdownExporter(opts).Export(testTranscript())
	require.NoError(t, err)
	md := string(out)

	assert.True(t, strings.HasPrefix(md, "# "), md)
	assert.Contains(t, md, "### You\n")
	assert.NotContains(t, md, "<sub>")
	assert.NotContains(t, md, "notes.txt")
}

func TestMarkdownExporter_Empty(t *testing.T) {
	tr := testTranscript()
	tr.Messages = nil
	out, err := NewMarkdownExporter(nil).Export(tr)
	require.NoError(t, err)
	assert.Contains(t, string(out), "*No messages.*")
}

func TestJSONExporter(t *testing.T) {
	out, err := NewJSONExporter().Export(testTranscript())
	require.NoError(t, err)

	var doc struct {
		Conversation model.Conversation `json:"conversation"`
		Messages     []map[string]any   `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "conv-1", doc.Conversation.ID)
	require.Len(t, doc.Messages, 2)
	assert.Equal(t, "user", doc.Messages[0]["role"])
	assert.NotContains(t, doc.Messages[1], "Streaming")
}

func TestYAMLExporter(t *testing.T) {
	out, err := NewYAMLExporter().Export(testTranscript())
	require.NoError(t, err)

	var back Transcript
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "Cats: a *field* guide", back.Conversation.Title)
	require.Len(t, back.Messages, 2)
	assert.Equal(t, model.RoleAssistant, back.Messages[1].Role)
	assert.Equal(t, "cat.png", back.Messages[0].Attachments[0].Name)
	assert.Equal(t, int64(2048), back.Messages[0].Attachments[0].SizeBytes)
}

func TestExportersRejectInvalid(t *testing.T) {
	for _, e := range []Exporter{NewMarkdownExporter(nil), NewJSONExporter(), NewYAMLExporter()} {
		_, err := e.Export(nil)
		assert.Error(t, err)
		_, err = e.Export(&Transcript{})
		assert.Error(t, err)
	}
}

func TestForFormat(t *testing.T) {
	cases := map[string]string{
		"markdown": ".md",
		"MD":       ".md",
		"json":     ".json",
		"yml":      ".yaml",
		"yaml":     ".yaml",
	}
	for format, ext := range cases {
		e, err := ForFormat(format, nil)
		require.NoError(t, err, format)
		assert.Equal(t, ext, e.FileExtension(), format)
	}
	_, err := ForFormat("html", nil)
	assert.Error(t, err)
}

func TestToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	opts := testOptions(dir)

	path, err := ToFile(testTranscript(), NewJSONExporter(), opts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "conversation_Cats-_a_-field-_guide_20250314_092653.json"), filepath.Clean(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"simple", "simple"},
		{"a/b\\c", "a-b-c"},
		{"with spaces", "with_spaces"},
		{"   ", "conversation"},
		{"tab\there", "tab_here"},
		{strings.Repeat("x", 80), strings.Repeat("x", 47)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFilename(tt.in), tt.in)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	defer store.Close()

	conv, err := store.Create(ctx, "u1", "Saved")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, "u1", conv.ID, model.NewUserMessage(conv.ID, "hi", nil))
	require.NoError(t, err)

	tr, err := Load(ctx, store, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Saved", tr.Conversation.Title)
	require.Len(t, tr.Messages, 1)
	assert.Equal(t, "hi", tr.Messages[0].Content)

	_, err = Load(ctx, store, "missing")
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)
}
