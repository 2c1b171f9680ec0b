// Package store keeps the durable collection of conversations and the pointer to the current one.
//
// The whole collection lives in memory and is written through to a key/value backend on every
// mutation: the chats are stored as one JSON array under HistoriesKey and the current pointer as a
// JSON string under CurrentChatKey, absent when no chat is selected. A mutation that fails to persist
// leaves the in-memory state as it was.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// HistoriesKey holds the JSON array of every chat.
	HistoriesKey = "chat-histories"
	// CurrentChatKey holds the id of the current chat. It is absent when no chat is selected.
	CurrentChatKey = "current-chat-id"
)

// ErrChatNotFound is returned when selecting a chat that doesn't exist.
var ErrChatNotFound = errors.New("chat not found")

// KV is a durable key/value backend. Get returns nil without an error for absent keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Store owns the chat collection, most recent first, and the current chat pointer. It is safe for
// concurrent use; writes are last-write-wins.
type Store struct {
	kv     KV
	logger *zap.Logger
	now    func() int64

	mu        sync.Mutex
	chats     []models.ChatHistory
	currentID string
}

// New hydrates a Store from kv. A current pointer that references no chat is cleared.
func New(ctx context.Context, kv KV, logger *zap.Logger) (*Store, error) {
	s := &Store{
		kv:     kv,
		logger: logger.With(zap.String("module", "store")),
		now:    models.NowMillis,
	}

	raw, err := kv.Get(ctx, HistoriesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &s.chats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chats: %w", err)
		}
	}
	s.chats = dedupe(s.chats, s.logger)

	raw, err = kv.Get(ctx, CurrentChatKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load current chat: %w", err)
	}
	var currentID *string
	if raw != nil {
		if err := json.Unmarshal(raw, &currentID); err != nil {
			return nil, fmt.Errorf("failed to unmarshal current chat: %w", err)
		}
	}
	if currentID != nil {
		if s.indexLocked(*currentID) == -1 {
			s.logger.Warn("Clearing dangling current chat", zap.String("chatID", *currentID))
			if err := s.persistCurrent(ctx, ""); err != nil {
				return nil, err
			}
		} else {
			s.currentID = *currentID
		}
	}

	s.logger.Debug("Store hydrated", zap.Int("chats", len(s.chats)), zap.String("current", s.currentID))
	return s, nil
}

// Close closes the backend. Every mutation is already persisted when it returns, so there is nothing
// left to flush.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Close()
}

// Chats returns a copy of every chat, most recent first.
func (s *Store) Chats() []models.ChatHistory {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats := make([]models.ChatHistory, len(s.chats))
	for i, c := range s.chats {
		chats[i] = c.Clone()
	}
	return chats
}

// Chat returns a copy of the chat with id.
func (s *Store) Chat(id string) (models.ChatHistory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx == -1 {
		return models.ChatHistory{}, false
	}
	return s.chats[idx].Clone(), true
}

// CurrentID returns the id of the current chat, or "" if none is selected.
func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Current returns a copy of the current chat.
func (s *Store) Current() (models.ChatHistory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(s.currentID)
	if idx == -1 {
		return models.ChatHistory{}, false
	}
	return s.chats[idx].Clone(), true
}

// CreateNewChat inserts an empty chat at the front of the collection, makes it current and returns
// its id.
func (s *Store) CreateNewChat(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := fmt.Sprintf("chat-%d", now)
	if s.indexLocked(id) != -1 {
		id = fmt.Sprintf("%s-%s", id, uuid.NewString()[:8])
	}

	chat := models.ChatHistory{
		ID:        id,
		Title:     models.DefaultChatTitle,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	chats := slices.Insert(slices.Clone(s.chats), 0, chat)
	if err := s.commitLocked(ctx, chats, id); err != nil {
		return "", err
	}

	s.logger.Debug("Chat created", zap.String("chatID", id))
	return id, nil
}

// UpdateMessages replaces the messages of the chat with chatID, recomputes its title and refreshes
// updatedAt. An unknown chatID is ignored.
func (s *Store) UpdateMessages(ctx context.Context, chatID string, messages []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(chatID)
	if idx == -1 {
		return nil
	}

	chat := s.chats[idx]
	chat.Messages = models.CloneMessages(messages)
	if chat.Messages == nil {
		chat.Messages = []models.Message{}
	}
	chat.Title = models.DeriveTitle(chat.Messages)
	chat.UpdatedAt = max(s.now(), chat.UpdatedAt)

	chats := slices.Clone(s.chats)
	chats[idx] = chat
	if err := s.persistChats(ctx, chats); err != nil {
		return err
	}
	s.chats = chats
	return nil
}

// DeleteChat removes the chat with chatID, clearing the current pointer if it pointed to it.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(chatID)
	if idx == -1 {
		return nil
	}

	currentID := s.currentID
	if currentID == chatID {
		currentID = ""
	}
	chats := slices.Delete(slices.Clone(s.chats), idx, idx+1)
	if err := s.commitLocked(ctx, chats, currentID); err != nil {
		return err
	}

	s.logger.Debug("Chat deleted", zap.String("chatID", chatID))
	return nil
}

// SelectChat makes the chat with chatID current. The chat must exist.
func (s *Store) SelectChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(chatID) == -1 {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	if err := s.persistCurrent(ctx, chatID); err != nil {
		return err
	}
	s.currentID = chatID
	return nil
}

// ClearSelection unsets the current pointer.
func (s *Store) ClearSelection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistCurrent(ctx, ""); err != nil {
		return err
	}
	s.currentID = ""
	return nil
}

// ClearAll removes every chat and unsets the current pointer.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(ctx, nil, "")
}

// commitLocked persists chats and the current pointer, then makes them the in-memory state. When the
// pointer write fails the previous collection is written back.
func (s *Store) commitLocked(ctx context.Context, chats []models.ChatHistory, currentID string) error {
	if err := s.persistChats(ctx, chats); err != nil {
		return err
	}
	if currentID != s.currentID {
		if err := s.persistCurrent(ctx, currentID); err != nil {
			if rbErr := s.persistChats(context.WithoutCancel(ctx), s.chats); rbErr != nil {
				s.logger.Error("Failed to restore chats", zap.Error(rbErr))
				return errors.Join(err, rbErr)
			}
			return err
		}
	}
	s.chats = chats
	s.currentID = currentID
	return nil
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.chats, func(c models.ChatHistory) bool { return c.ID == id })
}

func (s *Store) persistChats(ctx context.Context, chats []models.ChatHistory) error {
	if chats == nil {
		chats = []models.ChatHistory{}
	}
	v, err := json.Marshal(chats)
	if err != nil {
		return fmt.Errorf("failed to marshal chats: %w", err)
	}
	if err := s.kv.Put(ctx, HistoriesKey, v); err != nil {
		return fmt.Errorf("failed to persist chats: %w", err)
	}
	return nil
}

func (s *Store) persistCurrent(ctx context.Context, id string) error {
	if id == "" {
		if err := s.kv.Delete(ctx, CurrentChatKey); err != nil {
			return fmt.Errorf("failed to clear current chat: %w", err)
		}
		return nil
	}
	v, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal current chat: %w", err)
	}
	if err := s.kv.Put(ctx, CurrentChatKey, v); err != nil {
		return fmt.Errorf("failed to persist current chat: %w", err)
	}
	return nil
}

// dedupe drops chats whose id was already seen, keeping the first (most recent) one.
func dedupe(chats []models.ChatHistory, logger *zap.Logger) []models.ChatHistory {
	seen := make(map[string]struct{}, len(chats))
	return slices.DeleteFunc(chats, func(c models.ChatHistory) bool {
		if _, ok := seen[c.ID]; ok {
			logger.Warn("Dropping duplicate chat", zap.String("chatID", c.ID))
			return true
		}
		seen[c.ID] = struct{}{}
		return false
	})
}
