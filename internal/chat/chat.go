// Package chat runs one conversation turn end to end: attachments are inlined into the user message,
// a current chat is ensured, the model streams a reply and the finished turn is persisted.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/MegaGrindStone/localchat/internal/attachment"
	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/MegaGrindStone/localchat/internal/session"
	"github.com/MegaGrindStone/localchat/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CanceledMarker is appended to the partial text of a reply whose generation was canceled.
const CanceledMarker = "[cancelled]"

// ErrEmptyMessage is returned when a turn has neither text nor attachments.
var ErrEmptyMessage = errors.New("message is required")

// Generator streams replies from the model session.
type Generator interface {
	Status() models.ModelStatus
	Generate(ctx context.Context, history []models.Message, onChunk func(string)) (string, error)
	ResetSession(ctx context.Context) error
}

// Store persists chats.
type Store interface {
	Chat(id string) (models.ChatHistory, bool)
	CurrentID() string
	CreateNewChat(ctx context.Context) (string, error)
	UpdateMessages(ctx context.Context, chatID string, messages []models.Message) error
}

// Service runs conversation turns against a Generator and persists them in a Store.
type Service struct {
	generator Generator
	store     Store
	logger    *zap.Logger

	// busy is set while a turn is between its readiness check and its final write.
	busy atomic.Bool
}

// SendRequest is one user turn. An empty ChatID targets the current chat, and a new chat is created
// when none is selected.
type SendRequest struct {
	ChatID  string
	Text    string
	Uploads []attachment.Upload
}

// Result is the persisted outcome of a turn.
type Result struct {
	ChatID    string
	User      models.Message
	Assistant models.Message
}

// NewService creates a Service.
func NewService(generator Generator, store Store, logger *zap.Logger) *Service {
	return &Service{
		generator: generator,
		store:     store,
		logger:    logger.With(zap.String("module", "chat")),
	}
}

// Callbacks observe a turn in progress. Started is called once the user message and the empty assistant
// placeholder are persisted, before generation starts. Chunk is called with the assistant message
// holding the cumulative text so far. Both are optional.
type Callbacks struct {
	Started func(res Result)
	Chunk   func(chatID string, assistant models.Message)
}

// Send runs one turn. Validation failures (empty message, rejected attachments, unknown chat, model not
// ready, another turn in progress) return an error before anything is persisted. Once generation starts the turn is always
// persisted: on success with the reply, on cancellation with the partial reply followed by
// CanceledMarker, and on failure with an "Error: ..." placeholder. In the last two cases the returned
// Result is valid alongside the error.
func (s *Service) Send(ctx context.Context, req SendRequest, cb Callbacks) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Uploads) == 0 {
		return Result{}, ErrEmptyMessage
	}

	attachments, err := attachment.Decode(req.Uploads)
	if err != nil {
		return Result{}, err
	}

	if !s.busy.CompareAndSwap(false, true) {
		return Result{}, session.ErrNotReady
	}
	defer s.busy.Store(false)

	if s.generator.Status() != models.StatusReady {
		return Result{}, session.ErrNotReady
	}

	chat, err := s.ensureChat(ctx, req.ChatID)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		ChatID: chat.ID,
		User: models.Message{
			ID:          "user-" + uuid.NewString(),
			Role:        models.RoleUser,
			Content:     text,
			Timestamp:   models.NowMillis(),
			Attachments: attachments,
		},
		Assistant: models.Message{
			ID:        "assistant-" + uuid.NewString(),
			Role:      models.RoleAssistant,
			Timestamp: models.NowMillis(),
		},
	}
	if len(res.User.Attachments) == 0 {
		res.User.Attachments = nil
	}

	history := append(models.CloneMessages(chat.Messages), res.User)
	if err := s.store.UpdateMessages(ctx, chat.ID, append(history, res.Assistant)); err != nil {
		return Result{}, fmt.Errorf("failed to save user message: %w", err)
	}
	if cb.Started != nil {
		cb.Started(res)
	}

	assistant := res.Assistant
	final, genErr := s.generator.Generate(ctx, history, func(cumulative string) {
		assistant.Content = cumulative
		if cb.Chunk != nil {
			cb.Chunk(chat.ID, assistant)
		}
	})

	switch {
	case genErr == nil:
		res.Assistant.Content = final
	case errors.Is(genErr, session.ErrCanceled):
		res.Assistant.Content = canceledContent(final)
		s.logger.Info("Generation canceled", zap.String("chatID", chat.ID))
	default:
		res.Assistant.Content = "Error: " + failureMessage(genErr)
		s.logger.Error("Generation failed", zap.String("chatID", chat.ID), zap.Error(genErr))
	}

	// The turn is persisted even if the request context is gone.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.UpdateMessages(persistCtx, chat.ID, append(history, res.Assistant)); err != nil {
		return res, errors.Join(genErr, fmt.Errorf("failed to save assistant message: %w", err))
	}
	return res, genErr
}

// ClearConversation resets the engine context and removes every message of the chat.
func (s *Service) ClearConversation(ctx context.Context, chatID string) error {
	if err := s.generator.ResetSession(ctx); err != nil {
		return err
	}
	if err := s.store.UpdateMessages(ctx, chatID, nil); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

func (s *Service) ensureChat(ctx context.Context, chatID string) (models.ChatHistory, error) {
	if chatID == "" {
		chatID = s.store.CurrentID()
	}
	if chatID == "" {
		id, err := s.store.CreateNewChat(ctx)
		if err != nil {
			return models.ChatHistory{}, fmt.Errorf("failed to create chat: %w", err)
		}
		chatID = id
	}

	chat, ok := s.store.Chat(chatID)
	if !ok {
		return models.ChatHistory{}, fmt.Errorf("%w: %s", store.ErrChatNotFound, chatID)
	}
	return chat, nil
}

func canceledContent(partial string) string {
	if partial == "" {
		return CanceledMarker
	}
	return partial + "\n\n" + CanceledMarker
}

func failureMessage(err error) string {
	var genErr *session.GenerationError
	if errors.As(err, &genErr) {
		return genErr.Err.Error()
	}
	return err.Error()
}
