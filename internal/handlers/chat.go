package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/MegaGrindStone/localchat/internal/attachment"
	"github.com/MegaGrindStone/localchat/internal/chat"
	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/MegaGrindStone/localchat/internal/session"
	"github.com/MegaGrindStone/localchat/internal/store"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

const maxUploadMemory = 8 << 20

// HandleChats sends a user message through HTTP POST requests. It accepts the text in the "message" form
// field, an optional "chat_id" and any number of "files" attachments. When no chat is given the current
// chat is used, and a new one is created if none is selected.
//
// The handler responds once the user message and the empty assistant placeholder are persisted,
// rendering both with the user_message and ai_message templates. The X-Chat-ID and X-Message-ID headers
// name the chat and the assistant message, whose reply then streams through Server-Sent Events on the
// topic of that message.
//
// Validation failures are returned before anything is persisted: 400 for an empty message or rejected
// attachments, 404 for an unknown chat and 409 while the model is not ready.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", zap.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		m.logger.Error("Failed to parse form", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	uploads, err := formUploads(r)
	if err != nil {
		m.logger.Error("Failed to read uploads", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := chat.SendRequest{
		ChatID:  r.FormValue("chat_id"),
		Text:    r.FormValue("message"),
		Uploads: uploads,
	}

	// The reply keeps streaming after this request returns, until it finishes or is stopped.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	started := make(chan chat.Result, 1)
	rejected := make(chan error, 1)
	go m.chat(ctx, cancel, req, started, rejected)

	var res chat.Result
	select {
	case res = <-started:
	case err := <-rejected:
		m.logger.Error("Failed to send message", zap.Error(err))
		http.Error(w, err.Error(), sendErrorStatus(err))
		return
	}

	w.Header().Set("X-Chat-ID", res.ChatID)
	w.Header().Set("X-Message-ID", res.Assistant.ID)

	err = m.templates.ExecuteTemplate(w, "user_message", newMessageView(res.ChatID, res.User, "ended"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = m.templates.ExecuteTemplate(w, "ai_message", newMessageView(res.ChatID, res.Assistant, "loading"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// chat runs one turn. Exactly one of started and rejected receives a value: started once the turn is
// persisted and generation begins, rejected if the turn failed validation.
func (m Main) chat(
	ctx context.Context,
	cancel context.CancelFunc,
	req chat.SendRequest,
	started chan<- chat.Result,
	rejected chan<- error,
) {
	defer cancel()

	messageID := ""
	res, err := m.chats.Send(ctx, req, chat.Callbacks{
		Started: func(res chat.Result) {
			messageID = res.Assistant.ID
			m.streams.start(messageID, res.ChatID, cancel)
			m.publishChats()
			started <- res
		},
		Chunk: func(chatID string, assistant models.Message) {
			m.streams.update(assistant.ID, assistant.Content)
			m.publishMessage(chatID, assistant)
		},
	})
	if messageID == "" {
		rejected <- err
		return
	}

	m.streams.finish(messageID)
	if err != nil {
		m.logger.Warn("Turn ended with error", zap.String("chatID", res.ChatID), zap.Error(err))
	}

	m.publishMessage(res.ChatID, res.Assistant)
	m.publishChats()

	e := &sse.Message{Type: sse.Type("closeMessage")}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e, messageIDTopic(messageID))
}

func (m Main) publishMessage(chatID string, assistant models.Message) {
	content, err := renderMarkdown(assistant.Content)
	if err != nil {
		m.logger.Error("Failed to render message",
			zap.String("chatID", chatID),
			zap.String("messageID", assistant.ID),
			zap.Error(err))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(string(content))
	if err := m.sseSrv.Publish(&msg, messageIDTopic(assistant.ID)); err != nil {
		m.logger.Debug("Failed to publish message", zap.String("messageID", assistant.ID), zap.Error(err))
	}
}

// HandleMessage renders the current content of a message as HTML. A client subscribing to a reply
// after it started streaming uses it to catch up. The X-Streaming header tells whether the reply is
// still being generated.
func (m Main) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	messageID := r.URL.Query().Get("message_id")
	content, streaming := m.streams.content(messageID)
	if !streaming {
		ch, ok := m.store.Chat(r.URL.Query().Get("chat_id"))
		if !ok {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		found := false
		for _, msg := range ch.Messages {
			if msg.ID == messageID {
				content, found = msg.Content, true
				break
			}
		}
		if !found {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
	}

	html, err := renderMarkdown(content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Streaming", fmt.Sprint(streaming))
	_, _ = io.WriteString(w, string(html))
}

// HandleStop cancels the reply named by the "message_id" form field, or every reply of "chat_id". The
// partial reply is kept and marked as cancelled.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	messageID, chatID := r.FormValue("message_id"), r.FormValue("chat_id")
	if messageID == "" && chatID == "" {
		http.Error(w, "message_id or chat_id is required", http.StatusBadRequest)
		return
	}
	if !m.streams.stop(messageID, chatID) {
		http.Error(w, "No generation in progress", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleNewChat creates an empty chat and makes it current.
func (m Main) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := m.store.CreateNewChat(r.Context()); err != nil {
		m.logger.Error("Failed to create new chat", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.publishChats()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleSelectChat makes the chat named by "chat_id" current.
func (m Main) HandleSelectChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.store.SelectChat(r.Context(), r.FormValue("chat_id")); err != nil {
		m.logger.Error("Failed to select chat", zap.Error(err))
		http.Error(w, err.Error(), storeErrorStatus(err))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleDeleteChat stops any reply of the chat named by "chat_id" and deletes it.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	m.streams.stop("", chatID)

	if err := m.store.DeleteChat(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to delete chat", zap.String("chatID", chatID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.publishChats()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleClearChat resets the model context and removes every message of the chat named by "chat_id",
// or of the current chat.
func (m Main) HandleClearChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		chatID = m.store.CurrentID()
	}
	if _, ok := m.store.Chat(chatID); !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	// A canceled turn still writes its partial reply, so it has to land before the chat is cleared.
	if err := m.streams.stopChat(r.Context(), chatID); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if err := m.chats.ClearConversation(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to clear chat", zap.String("chatID", chatID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.publishChats()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleClearAll stops every reply and removes all chats.
func (m Main) HandleClearAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.streams.cancelAll()
	if err := m.store.ClearAll(r.Context()); err != nil {
		m.logger.Error("Failed to clear chats", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.publishChats()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleSSE streams chat list and status updates, or the reply of a single message when the
// "message_id" query parameter is set.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func formUploads(r *http.Request) ([]attachment.Upload, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}

	var uploads []attachment.Upload
	for _, fh := range r.MultipartForm.File["files"] {
		upload, err := readUpload(fh)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, upload)
	}
	return uploads, nil
}

func readUpload(fh *multipart.FileHeader) (attachment.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return attachment.Upload{}, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	// One byte over the limit is enough for the size check to reject it.
	data, err := io.ReadAll(io.LimitReader(f, attachment.MaxSizeBytes+1))
	if err != nil {
		return attachment.Upload{}, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
	}
	return attachment.Upload{
		Name:     fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

func sendErrorStatus(err error) int {
	var rejected *attachment.RejectedError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.As(err, &rejected):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict
	default:
		return storeErrorStatus(err)
	}
}

func storeErrorStatus(err error) int {
	if errors.Is(err, store.ErrChatNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
