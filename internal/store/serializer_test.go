package store_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/MegaGrindStone/localchat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) (*store.Store, []string) {
	t.Helper()
	ctx := context.Background()
	s := newStore(t, newMemoryKV())

	var ids []string
	for _, content := range []string{"What is bbolt?", "Explain SSE"} {
		id, err := s.CreateNewChat(ctx)
		require.NoError(t, err)
		require.NoError(t, s.UpdateMessages(ctx, id, []models.Message{
			{
				ID:          "user-" + id,
				Role:        models.RoleUser,
				Content:     content,
				Timestamp:   1700000000000,
				Attachments: []models.Attachment{{Name: "notes.md", Content: "# notes", MimeType: "text/markdown", SizeBytes: 7}},
			},
			{ID: "assistant-" + id, Role: models.RoleAssistant, Content: "An answer.", Timestamp: 1700000000001},
		}))
		ids = append(ids, id)
	}
	return s, ids
}

func TestExportDocument(t *testing.T) {
	s, ids := seededStore(t)

	doc, err := s.ExportDocument()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc, []byte("[\n  {")), "pretty printed array")

	var chats []map[string]any
	require.NoError(t, json.Unmarshal(doc, &chats))
	require.Len(t, chats, 2)
	assert.Equal(t, ids[1], chats[0]["id"])
	assert.Contains(t, chats[0], "createdAt")
	assert.Contains(t, chats[0], "updatedAt")

	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf))
	assert.Equal(t, doc, buf.Bytes())
}

func TestExportEmptyStore(t *testing.T) {
	s := newStore(t, newMemoryKV())
	doc, err := s.ExportDocument()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(doc))
}

func TestExportFileName(t *testing.T) {
	assert.Equal(t, "localchat-history-1700000000123.json", store.ExportFileName(time.UnixMilli(1700000000123)))
}

func TestImportReplaceRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, _ := seededStore(t)
	doc, err := src.ExportDocument()
	require.NoError(t, err)

	dst, _ := seededStore(t)
	_, err = dst.CreateNewChat(ctx)
	require.NoError(t, err)

	n, err := dst.Import(ctx, doc, store.ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, dst.CurrentID(), "replace clears the selection")
	assert.Equal(t, src.Chats(), dst.Chats())

	again, err := dst.ExportDocument()
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(again))
}

func TestImportMerge(t *testing.T) {
	ctx := context.Background()
	s, ids := seededStore(t)
	require.NoError(t, s.SelectChat(ctx, ids[0]))

	doc := []byte(`[
		{"id":"chat-imported","title":"Imported","messages":[{"id":"u","role":"user","content":"Imported","timestamp":5}],"createdAt":5,"updatedAt":6},
		{"id":"` + ids[1] + `","title":"Clash","messages":[],"createdAt":1,"updatedAt":1}
	]`)

	n, err := s.Import(ctx, doc, store.ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "existing ids are skipped")
	assert.Equal(t, ids[0], s.CurrentID(), "merge keeps the selection")

	chats := s.Chats()
	require.Len(t, chats, 3)
	assert.Equal(t, "chat-imported", chats[0].ID)
	assert.Equal(t, ids[1], chats[1].ID)
	assert.Equal(t, "Explain SSE", chats[1].Title, "existing chat is not overwritten")
	assert.Equal(t, ids[0], chats[2].ID)
}

func TestImportRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "Object at top level", doc: `{"id":"chat-1","title":"x","messages":[]}`},
		{name: "Not JSON", doc: `[{"id":`},
		{name: "Empty", doc: "  "},
		{name: "Array of strings", doc: `["chat-1"]`},
		{name: "Missing id", doc: `[{"title":"x","messages":[]}]`},
		{name: "Duplicate ids", doc: `[{"id":"a"},{"id":"a"}]`},
		{name: "Unknown role", doc: `[{"id":"a","messages":[{"id":"m","role":"system","content":"x"}]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, ids := seededStore(t)
			before, err := s.ExportDocument()
			require.NoError(t, err)

			for _, policy := range []store.ImportPolicy{store.ImportReplace, store.ImportMerge} {
				_, err := s.Import(ctx, []byte(tt.doc), policy)
				var formatErr *store.ImportFormatError
				require.ErrorAs(t, err, &formatErr)
			}

			after, err := s.ExportDocument()
			require.NoError(t, err)
			assert.Equal(t, before, after, "store is untouched")
			assert.Equal(t, ids[1], s.CurrentID())
		})
	}
}

func TestImportFailedPointerWriteChangesNothing(t *testing.T) {
	ctx := context.Background()
	kv := newMemoryKV()
	s := newStore(t, kv)
	id, err := s.CreateNewChat(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpdateMessages(ctx, id, []models.Message{userMessage("keep me")}))
	before := s.Chats()
	persisted := string(kv.values[store.HistoriesKey])

	kv.failKey = store.CurrentChatKey
	doc := []byte(`[{"id":"chat-imported","title":"Imported","messages":[],"createdAt":1,"updatedAt":1}]`)
	n, err := s.Import(ctx, doc, store.ImportReplace)
	require.Error(t, err)
	assert.Zero(t, n)

	assert.Equal(t, before, s.Chats())
	assert.Equal(t, id, s.CurrentID())
	_, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, persisted, string(kv.values[store.HistoriesKey]))
}

func TestParseImportPolicy(t *testing.T) {
	p, err := store.ParseImportPolicy("merge")
	require.NoError(t, err)
	assert.Equal(t, store.ImportMerge, p)

	_, err = store.ParseImportPolicy("append")
	require.Error(t, err)

	_, err = newStore(t, newMemoryKV()).Import(context.Background(), []byte("[]"), "append")
	require.Error(t, err)
}
