package handlers

import (
	"net/http"
	"time"

	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/MegaGrindStone/localchat/internal/session"
	"go.uber.org/zap"
)

type chatView struct {
	ID     string
	Title  string
	Date   string
	Active bool
}

type messageView struct {
	ID          string
	ChatID      string
	Role        string
	Content     string
	Attachments []models.Attachment
	Timestamp   time.Time

	StreamingState string
}

type homePageData struct {
	Chats         []chatView
	CurrentChatID string
	Messages      []messageView
	Status        session.Snapshot
	ImportPolicy  string
}

func newChatView(ch models.ChatHistory, currentID string) chatView {
	return chatView{
		ID:     ch.ID,
		Title:  ch.Title,
		Date:   models.RelativeDate(ch.UpdatedAt, time.Now()),
		Active: ch.ID == currentID,
	}
}

func newMessageView(chatID string, msg models.Message, streamingState string) messageView {
	return messageView{
		ID:             msg.ID,
		ChatID:         chatID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Attachments:    msg.Attachments,
		Timestamp:      time.UnixMilli(msg.Timestamp),
		StreamingState: streamingState,
	}
}

// HandleHome renders the chat page: the chat list, the messages of the current chat and the model
// status. Assistant messages that are still streaming are rendered with their latest content.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", zap.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	currentID := m.store.CurrentID()

	chats := m.store.Chats()
	data := homePageData{
		Chats:         make([]chatView, 0, len(chats)),
		CurrentChatID: currentID,
		Status:        m.session.Snapshot(),
		ImportPolicy:  string(m.importPolicy),
	}
	for _, ch := range chats {
		data.Chats = append(data.Chats, newChatView(ch, currentID))
	}

	if current, ok := m.store.Chat(currentID); ok {
		for _, msg := range current.Messages {
			state := "ended"
			if content, streaming := m.streams.content(msg.ID); streaming {
				msg.Content = content
				state = "loading"
			}
			data.Messages = append(data.Messages, newMessageView(current.ID, msg, state))
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
