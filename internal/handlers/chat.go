package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nebula-studio/nebula/internal/chat"
	"github.com/nebula-studio/nebula/internal/models"
	"github.com/tmaxmax/go-sse"
)

type chatEntry struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID          string
	ChatID      string
	Role        string
	Content     template.HTML
	Attachments []models.Attachment
	Citations   []models.Citation
	IsError     bool
	Timestamp   time.Time

	StreamingState string
}

type homePageData struct {
	CurrentChatID string
	Chats         []chatEntry
	Messages      []message
	Models        []models.ModelInfo
	CurrentModel  string
	Tools         models.Capabilities
	Attachments   attachmentsData
}

// chatIDHeader names the chat a request created or touched, so clients can follow a chat started
// without an ID.
const chatIDHeader = "X-Chat-ID"

const (
	streamingStateLoading   = "loading"
	streamingStateStreaming = "streaming"
	streamingStateEnded     = "ended"
)

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
)

// HandleSSE serves the server-sent events stream. Clients pass message_id to follow one assistant
// message.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// HandleHome renders the chat surface for the session named by the chat_id query parameter. A missing
// or unknown chat_id renders an empty chat; the session itself is created by the first send.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := homePageData{
		Models:       m.llm.Models(),
		CurrentModel: m.llm.DefaultModel(),
	}

	if s, ok := m.sessions.Get(r.URL.Query().Get("chat_id")); ok {
		msgs, err := m.messages(s)
		if err != nil {
			m.logger.Error("Failed to render messages",
				slog.String("chatID", s.ID()),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.CurrentChatID = s.ID()
		data.Messages = msgs
		data.CurrentModel = s.Model()
		data.Tools = s.Tools()
		data.Attachments = attachmentsData{ChatID: s.ID(), Attachments: s.Attachments()}
	}
	data.Chats = m.chatEntries(data.CurrentChatID)

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleChats accepts a user send through an HTTP POST request. It expects the form fields "chat_id"
// and "message", and optionally "model", "search" and "thinking" to select the model and toggle the
// tools for this send. Staged attachments of the session are sent along with the message. An empty
// chat_id starts a new chat, which is registered only once its first send is accepted.
//
// On success it renders the user message and the loading assistant message, names the chat in the
// X-Chat-ID header, and streams the response in the background through Server-Sent Events on the
// assistant message topic. It answers 400 when there is nothing to send and 409 while the previous
// response is still streaming. A rejected send leaves the chat untouched.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, isNew, ok := m.sessionOrNew(w, r)
	if !ok {
		return
	}

	model := r.FormValue("model")
	if _, known := models.FindModel(m.llm.Models(), model); !known {
		model = ""
	}
	tools := models.Capabilities{
		Search:   formBool(r, "search"),
		Thinking: formBool(r, "thinking"),
	}

	isNewChat := s.Title() == ""

	turn, err := s.SendWith(r.FormValue("message"), model, tools)
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	case errors.Is(err, chat.ErrBusy):
		http.Error(w, "A response is still streaming", http.StatusConflict)
		return
	case err != nil:
		m.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if isNew {
		m.sessions.Add(s)
	}
	w.Header().Set(chatIDHeader, s.ID())

	m.logger.Debug("Turn accepted",
		slog.String("chatID", s.ID()),
		slog.String("model", turn.Request.Model),
		slog.Bool("search", turn.Request.Search),
		slog.Bool("thinking", turn.Request.Thinking),
		slog.Int("attachments", len(turn.Request.Attachments)),
		slog.Int("history", len(turn.Request.History)))

	go m.chat(s, turn)

	if isNewChat {
		m.publishChats(s.ID())
	}

	um, err := m.messageView(s.ID(), turn.User)
	if err != nil {
		m.logger.Error("Failed to render user message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "user_message", um); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	am, err := m.messageView(s.ID(), turn.Assistant)
	if err != nil {
		m.logger.Error("Failed to render ai message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", am); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleMessage renders the current state of one message. Clients call it right after subscribing to
// the message topic so that updates published before the subscription are not lost.
func (m Main) HandleMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := m.session(w, r)
	if !ok {
		return
	}

	msg, ok := s.Message(r.FormValue("message_id"))
	if !ok {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}

	view, err := m.messageView(s.ID(), msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Streaming-State", view.StreamingState)
	if err := m.templates.ExecuteTemplate(w, "ai_message_body", view); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleCancel aborts the response being streamed in the session, keeping its partial text.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.session(w, r)
	if !ok {
		return
	}

	msg, ok := s.Cancel()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	m.logger.Info("Response canceled", slog.String("chatID", s.ID()), slog.String("messageID", msg.ID))
	m.publishMessage(s.ID(), msg)
	w.WriteHeader(http.StatusNoContent)
}

// sessionOrNew resolves chat_id like session, except that an empty chat_id yields a fresh, unregistered
// session.
func (m Main) sessionOrNew(w http.ResponseWriter, r *http.Request) (*chat.Session, bool, bool) {
	if r.FormValue("chat_id") == "" {
		return m.sessions.New(), true, true
	}
	s, ok := m.session(w, r)
	return s, false, ok
}

func (m Main) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return nil, false
	}
	s, ok := m.sessions.Get(chatID)
	if !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (m Main) chat(s *chat.Session, turn chat.Turn) {
	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: closeMessageSSEType}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, messageIDTopic(turn.ID))
	}()

	err := chat.Drive(m.streamCtx, s, m.llm, turn, chat.ListenerFunc(m.publishMessage))
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrCanceled):
		m.logger.Debug("Stream stopped", slog.String("chatID", s.ID()), slog.String("messageID", turn.ID))
	default:
		m.logger.Error("Error from llm provider",
			slog.String("chatID", s.ID()),
			slog.String("messageID", turn.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishMessage(chatID string, msg models.Message) {
	view, err := m.messageView(chatID, msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "ai_message_body", view); err != nil {
		m.logger.Error("Failed to execute ai_message_body template", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(sb.String())
	if err := m.sseSrv.Publish(&e, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishChats(activeID string) {
	divs, err := m.chatDivs(activeID)
	if err != nil {
		m.logger.Error("Failed to generate chat divs", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) chatEntries(activeID string) []chatEntry {
	summaries := m.sessions.List()
	entries := make([]chatEntry, len(summaries))
	for i, s := range summaries {
		entries[i] = chatEntry{ID: s.ID, Title: s.Title, Active: s.ID == activeID}
	}
	return entries
}

func (m Main) chatDivs(activeID string) (string, error) {
	var sb strings.Builder
	for _, ch := range m.chatEntries(activeID) {
		if err := m.templates.ExecuteTemplate(&sb, "chat_title", ch); err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

func (m Main) messages(s *chat.Session) ([]message, error) {
	msgs := s.Messages()
	views := make([]message, len(msgs))
	for i, msg := range msgs {
		v, err := m.messageView(s.ID(), msg)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}
	return views, nil
}

func (m Main) messageView(chatID string, msg models.Message) (message, error) {
	content, err := m.renderer.RenderString(msg.Text)
	if err != nil {
		return message{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
	}

	state := streamingStateEnded
	if !msg.Complete {
		state = streamingStateStreaming
		if msg.Text == "" {
			state = streamingStateLoading
		}
	}

	return message{
		ID:             msg.ID,
		ChatID:         chatID,
		Role:           string(msg.Role),
		Content:        content,
		Attachments:    msg.Attachments,
		Citations:      msg.Citations,
		IsError:        msg.IsError,
		Timestamp:      msg.Timestamp,
		StreamingState: state,
	}, nil
}

func formBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.FormValue(key)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}
