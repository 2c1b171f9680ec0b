package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/MegaGrindStone/localchat/internal/services"
	"github.com/MegaGrindStone/localchat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryKV struct {
	mu     sync.Mutex
	values map[string][]byte
	err    error
	// failKey, if set, makes writes to that key alone fail.
	failKey string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: map[string][]byte{}}
}

func (m *memoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if key == m.failKey {
		return errors.New("write failed")
	}
	m.values[key] = append([]byte{}, value...)
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if key == m.failKey {
		return errors.New("delete failed")
	}
	delete(m.values, key)
	return nil
}

func (m *memoryKV) Close() error { return nil }

func newStore(t *testing.T, kv store.KV) *store.Store {
	t.Helper()
	s, err := store.New(context.Background(), kv, zap.NewNop())
	require.NoError(t, err)
	return s
}

func userMessage(content string) models.Message {
	return models.Message{ID: "user-" + content, Role: models.RoleUser, Content: content, Timestamp: 1}
}

func TestCreateNewChat(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newMemoryKV())

	first, err := s.CreateNewChat(ctx)
	require.NoError(t, err)
	second, err := s.CreateNewChat(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, "chat-"))
	assert.Equal(t, second, s.CurrentID())

	chats := s.Chats()
	require.Len(t, chats, 2)
	assert.Equal(t, second, chats[0].ID, "newest first")
	assert.Equal(t, first, chats[1].ID)
	assert.Equal(t, models.DefaultChatTitle, chats[0].Title)
	assert.Empty(t, chats[0].Messages)
	assert.Equal(t, chats[0].CreatedAt, chats[0].UpdatedAt)
}

func TestUpdateMessagesTitle(t *testing.T) {
	long := strings.Repeat("a", 60)
	exact := strings.Repeat("b", 50)
	unicode := strings.Repeat("é", 55)

	tests := []struct {
		name     string
		messages []models.Message
		want     string
	}{
		{name: "No messages", messages: nil, want: "New Chat"},
		{name: "Short user message", messages: []models.Message{userMessage("Hello there")}, want: "Hello there"},
		{name: "Exactly fifty", messages: []models.Message{userMessage(exact)}, want: exact},
		{name: "Longer than fifty", messages: []models.Message{userMessage(long)}, want: strings.Repeat("a", 50) + "..."},
		{name: "Counts characters not bytes", messages: []models.Message{userMessage(unicode)}, want: strings.Repeat("é", 50) + "..."},
		{
			name:     "Leading assistant message",
			messages: []models.Message{{ID: "a", Role: models.RoleAssistant, Content: "Hi, how can I help?"}, userMessage("x")},
			want:     "New Chat",
		},
		{
			name:     "Only the first message counts",
			messages: []models.Message{userMessage("first"), {ID: "a", Role: models.RoleAssistant, Content: "reply"}, userMessage("second")},
			want:     "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, newMemoryKV())
			id, err := s.CreateNewChat(ctx)
			require.NoError(t, err)

			require.NoError(t, s.UpdateMessages(ctx, id, tt.messages))

			chat, ok := s.Chat(id)
			require.True(t, ok)
			assert.Equal(t, tt.want, chat.Title)
			assert.Len(t, chat.Messages, len(tt.messages))
		})
	}
}

func TestUpdateMessagesReplacesAndRefreshes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newMemoryKV())
	id, err := s.CreateNewChat(ctx)
	require.NoError(t, err)
	before, _ := s.Chat(id)

	messages := []models.Message{userMessage("one"), {ID: "a1", Role: models.RoleAssistant, Content: "two"}}
	require.NoError(t, s.UpdateMessages(ctx, id, messages))
	require.NoError(t, s.UpdateMessages(ctx, id, messages[:1]))

	// Mutating the caller's slice must not leak into the store.
	messages[0].Content = "mutated"

	chat, _ := s.Chat(id)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "one", chat.Messages[0].Content)
	assert.GreaterOrEqual(t, chat.UpdatedAt, before.UpdatedAt)
	assert.Equal(t, before.CreatedAt, chat.CreatedAt)

	require.NoError(t, s.UpdateMessages(ctx, "chat-unknown", messages), "unknown chat is ignored")
	assert.Len(t, s.Chats(), 1)
}

func TestDeleteChat(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newMemoryKV())

	a, err := s.CreateNewChat(ctx)
	require.NoError(t, err)
	b, err := s.CreateNewChat(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SelectChat(ctx, a))
	require.NoError(t, s.DeleteChat(ctx, b))
	assert.Equal(t, a, s.CurrentID(), "deleting another chat keeps the pointer")

	require.NoError(t, s.DeleteChat(ctx, a))
	assert.Empty(t, s.CurrentID(), "deleting the current chat clears the pointer")
	_, ok := s.Current()
	assert.False(t, ok)
	assert.Empty(t, s.Chats())
}

func TestSelectChat(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newMemoryKV())
	id, err := s.CreateNewChat(ctx)
	require.NoError(t, err)

	require.NoError(t, s.ClearSelection(ctx))
	assert.Empty(t, s.CurrentID())

	require.NoError(t, s.SelectChat(ctx, id))
	current, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, id, current.ID)

	err = s.SelectChat(ctx, "chat-missing")
	require.ErrorIs(t, err, store.ErrChatNotFound)
	assert.Equal(t, id, s.CurrentID())
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newMemoryKV())
	_, err := s.CreateNewChat(ctx)
	require.NoError(t, err)

	require.NoError(t, s.ClearAll(ctx))
	assert.Empty(t, s.Chats())
	assert.Empty(t, s.CurrentID())
}

func TestFailedWriteLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	kv := newMemoryKV()
	s := newStore(t, kv)
	id, err := s.CreateNewChat(ctx)
	require.NoError(t, err)

	kv.err = errors.New("disk full")
	require.Error(t, s.UpdateMessages(ctx, id, []models.Message{userMessage("lost")}))

	chat, _ := s.Chat(id)
	assert.Empty(t, chat.Messages)
	assert.Equal(t, models.DefaultChatTitle, chat.Title)
}

func TestFailedPointerWriteRestoresChats(t *testing.T) {
	ctx := context.Background()
	kv := newMemoryKV()
	s := newStore(t, kv)
	first, err := s.CreateNewChat(ctx)
	require.NoError(t, err)
	persisted := string(kv.values[store.HistoriesKey])

	kv.failKey = store.CurrentChatKey

	_, err = s.CreateNewChat(ctx)
	require.Error(t, err)
	assert.Len(t, s.Chats(), 1)
	assert.Equal(t, first, s.CurrentID())
	assert.Equal(t, persisted, string(kv.values[store.HistoriesKey]))

	require.Error(t, s.DeleteChat(ctx, first))
	_, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, persisted, string(kv.values[store.HistoriesKey]))

	require.Error(t, s.ClearAll(ctx))
	assert.Len(t, s.Chats(), 1)
	assert.Equal(t, first, s.CurrentID())
}

func TestClearSelectionRemovesPointer(t *testing.T) {
	ctx := context.Background()
	kv := newMemoryKV()
	s := newStore(t, kv)
	_, err := s.CreateNewChat(ctx)
	require.NoError(t, err)
	require.Contains(t, kv.values, store.CurrentChatKey)

	require.NoError(t, s.ClearSelection(ctx))
	assert.Empty(t, s.CurrentID())
	assert.NotContains(t, kv.values, store.CurrentChatKey)

	s = newStore(t, kv)
	assert.Empty(t, s.CurrentID())
}

func TestPersistenceAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	db, err := services.NewBoltDB(path)
	require.NoError(t, err)
	s := newStore(t, db)

	id, err := s.CreateNewChat(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpdateMessages(ctx, id, []models.Message{userMessage("remember me")}))
	require.NoError(t, s.Close())

	db, err = services.NewBoltDB(path)
	require.NoError(t, err)
	s = newStore(t, db)
	defer s.Close()

	assert.Equal(t, id, s.CurrentID())
	chat, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "remember me", chat.Title)
	assert.Equal(t, "remember me", chat.Messages[0].Content)
}

func TestHydrateClearsDanglingPointer(t *testing.T) {
	kv := newMemoryKV()
	kv.values[store.HistoriesKey] = []byte(`[{"id":"chat-1","title":"New Chat","messages":[],"createdAt":1,"updatedAt":1}]`)
	kv.values[store.CurrentChatKey] = []byte(`"chat-gone"`)

	s := newStore(t, kv)
	assert.Empty(t, s.CurrentID())
	assert.NotContains(t, kv.values, store.CurrentChatKey)
	assert.Len(t, s.Chats(), 1)
}

func TestHydrateDropsDuplicateIDs(t *testing.T) {
	kv := newMemoryKV()
	kv.values[store.HistoriesKey] = []byte(`[{"id":"chat-1","title":"first"},{"id":"chat-1","title":"second"}]`)

	s := newStore(t, kv)
	chats := s.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "first", chats[0].Title)
}
