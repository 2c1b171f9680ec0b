package handlers

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/localchat"
	"github.com/MegaGrindStone/localchat/internal/chat"
	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/MegaGrindStone/localchat/internal/session"
	"github.com/MegaGrindStone/localchat/internal/store"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

// Session exposes the model session lifecycle to the web interface.
type Session interface {
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot))
	Initialize(ctx context.Context) error
}

// Store defines the chat collection operations the web interface needs. Reads return copies, and
// every mutation is persisted before it returns.
type Store interface {
	Chats() []models.ChatHistory
	Chat(id string) (models.ChatHistory, bool)
	CurrentID() string

	CreateNewChat(ctx context.Context) (string, error)
	DeleteChat(ctx context.Context, chatID string) error
	SelectChat(ctx context.Context, chatID string) error
	ClearAll(ctx context.Context) error

	ExportDocument() ([]byte, error)
	Import(ctx context.Context, raw []byte, policy store.ImportPolicy) (int, error)
}

// ChatService runs conversation turns.
type ChatService interface {
	Send(ctx context.Context, req chat.SendRequest, cb chat.Callbacks) (chat.Result, error)
	ClearConversation(ctx context.Context, chatID string) error
}

// Main serves the web interface: the chat page, the form actions, and the server-sent events that
// stream model status and assistant replies to the browser.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	session      Session
	store        Store
	chats        ChatService
	importPolicy store.ImportPolicy

	streams *streams
	logger  *zap.Logger
}

// streams tracks in-flight generations by assistant message id, so a late subscriber can catch up and
// a stop request can cancel them.
type streams struct {
	mu      sync.Mutex
	entries map[string]*stream
}

type stream struct {
	chatID  string
	content string
	cancel  context.CancelFunc
	// done is closed by finish, once the turn is persisted.
	done chan struct{}
}

const (
	chatsSSETopic  = "chats"
	statusSSETopic = "status"
)

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
	statusSSEType   = sse.Type("status")
)

// NewMain creates the web interface. It parses the embedded templates and subscribes to the session
// so every status and progress change is broadcast to connected browsers.
func NewMain(sess Session, st Store, chats ChatService, importPolicy store.ImportPolicy, logger *zap.Logger) (Main, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"markdown":     renderMarkdown,
		"relativeDate": func(ms int64) string { return models.RelativeDate(ms, time.Now()) },
		"percent":      func(f float64) int { return int(f) },
	}).ParseFS(
		localchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(_ http.ResponseWriter, r *http.Request) ([]string, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic, statusSSETopic}

				// A client streaming a reply subscribes to that message only.
				if messageID := r.URL.Query().Get("message_id"); messageID != "" {
					topics = []string{sse.DefaultTopic, messageIDTopic(messageID)}
				}
				return topics, true
			},
		},
		templates:    tmpl,
		session:      sess,
		store:        st,
		chats:        chats,
		importPolicy: importPolicy,
		streams:      &streams{entries: make(map[string]*stream)},
		logger:       logger.With(zap.String("module", "handlers")),
	}

	sess.Subscribe(m.publishStatus)

	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// Shutdown cancels every in-flight generation and gracefully terminates the SSE server. It broadcasts a
// close message to all connected clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.streams.cancelAll()

	e := &sse.Message{Type: sse.Type("closeChat")}
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (m Main) publishStatus(snap session.Snapshot) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "status", snap); err != nil {
		m.logger.Error("Failed to render status", zap.Error(err))
		return
	}

	msg := sse.Message{Type: statusSSEType}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, statusSSETopic); err != nil {
		m.logger.Debug("Failed to publish status", zap.Error(err))
	}
}

func (m Main) publishChats() {
	divs, err := m.chatDivs()
	if err != nil {
		m.logger.Error("Failed to render chats", zap.Error(err))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Debug("Failed to publish chats", zap.Error(err))
	}
}

func (m Main) chatDivs() (string, error) {
	var sb strings.Builder
	if err := m.renderChatList(&sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (m Main) renderChatList(w io.Writer) error {
	currentID := m.store.CurrentID()
	for _, ch := range m.store.Chats() {
		if err := m.templates.ExecuteTemplate(w, "chat_title", newChatView(ch, currentID)); err != nil {
			return fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return nil
}

func (s *streams) start(messageID, chatID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[messageID] = &stream{chatID: chatID, cancel: cancel, done: make(chan struct{})}
}

func (s *streams) update(messageID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[messageID]; ok {
		e.content = content
	}
}

func (s *streams) content(messageID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[messageID]
	if !ok {
		return "", false
	}
	return e.content, true
}

func (s *streams) finish(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[messageID]; ok {
		e.cancel()
		close(e.done)
		delete(s.entries, messageID)
	}
}

// stop cancels the generation of messageID, or every generation of chatID when messageID is empty.
// It reports whether anything was canceled.
func (s *streams) stop(messageID, chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stopped := false
	for id, e := range s.entries {
		if id == messageID || (messageID == "" && e.chatID == chatID) {
			e.cancel()
			stopped = true
		}
	}
	return stopped
}

// stopChat cancels every generation of chatID and waits until each has persisted its final message.
func (s *streams) stopChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	var pending []chan struct{}
	for _, e := range s.entries {
		if e.chatID == chatID {
			e.cancel()
			pending = append(pending, e.done)
		}
	}
	s.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *streams) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.cancel()
	}
}
