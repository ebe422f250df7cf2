// Package chat holds the chat surface state machine. A Session owns the message list, the staged
// attachments and the tool toggles; Drive streams a backend response into the in-progress assistant
// message.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nebula-studio/nebula/internal/models"
)

// State is the state of a Session.
type State int

const (
	// StateIdle accepts new sends.
	StateIdle State = iota
	// StateAwaitingResponse has exactly one in-progress assistant message.
	StateAwaitingResponse
)

// FailureNotice is appended to an assistant message whose response failed.
const FailureNotice = "Sorry, something went wrong while generating this response. Please try again."

const titleMaxRunes = 40

var (
	// ErrBusy is returned by Send while a response is streaming.
	ErrBusy = errors.New("a response is still streaming")
	// ErrEmptyInput is returned by Send when there is neither text nor a staged attachment.
	ErrEmptyInput = errors.New("message text or an attachment is required")
	// ErrNoAttachment is returned when removing a staged attachment that doesn't exist.
	ErrNoAttachment = errors.New("attachment not found")
)

// Session is one conversation of the chat surface. It is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id        string
	title     string
	createdAt time.Time

	model       string
	useSearch   bool
	useThinking bool

	messages []models.Message
	pending  []models.Attachment

	state  State
	turnID string
	cancel context.CancelFunc
}

// Turn is the result of an accepted send.
type Turn struct {
	// ID identifies the turn; it equals the assistant message ID.
	ID        string
	Request   models.TurnRequest
	User      models.Message
	Assistant models.Message
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting-response"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// NewSession creates an idle session using the given model.
func NewSession(id, model string) *Session {
	return &Session{
		id:        id,
		model:     model,
		createdAt: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Title returns the session title, derived from its first user message.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the message list.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = cloneMessage(m)
	}
	return msgs
}

// Message returns a copy of the message with the given ID.
func (s *Session) Message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		return models.Message{}, false
	}
	return cloneMessage(s.messages[idx]), true
}

// Model returns the selected model.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Tools returns the current tool toggles.
func (s *Session) Tools() models.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Capabilities{Search: s.useSearch, Thinking: s.useThinking}
}

// StageAttachment appends an attachment to the pending input.
func (s *Session) StageAttachment(a models.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, a)
}

// RemoveAttachment drops the staged attachment at index i.
func (s *Session) RemoveAttachment(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.pending) {
		return fmt.Errorf("%w: index %d of %d", ErrNoAttachment, i, len(s.pending))
	}
	s.pending = slices.Delete(s.pending, i, i+1)
	return nil
}

// Attachments returns the staged attachments in selection order.
func (s *Session) Attachments() []models.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// Send accepts the user's input. It appends the user message and an empty assistant message, moves the
// staged attachments into the user message and enters StateAwaitingResponse. The returned Turn carries
// the request to stream. Send has no effect when it returns an error.
func (s *Session) Send(text string) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.send(text, s.model, models.Capabilities{Search: s.useSearch, Thinking: s.useThinking})
}

// SendWith is Send with the model and tools chosen for this send. They are kept on the session only
// when the send is accepted. An empty model keeps the current one.
func (s *Session) SendWith(text, model string, tools models.Capabilities) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if model == "" {
		model = s.model
	}
	return s.send(text, model, tools)
}

func (s *Session) send(text, model string, tools models.Capabilities) (Turn, error) {
	if s.state == StateAwaitingResponse {
		return Turn{}, ErrBusy
	}
	text = strings.TrimSpace(text)
	if text == "" && len(s.pending) == 0 {
		return Turn{}, ErrEmptyInput
	}

	attachments := s.pending
	s.pending = nil
	s.model = model
	s.useSearch, s.useThinking = tools.Search, tools.Thinking

	req := models.TurnRequest{
		History:      s.history(),
		Text:         text,
		Attachments:  attachments,
		Model:        model,
		Capabilities: tools,
	}

	now := time.Now()
	um := models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleUser,
		Text:        text,
		Attachments: attachments,
		Timestamp:   now,
		Complete:    true,
	}
	am := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: now,
	}
	s.messages = append(s.messages, um, am)

	if s.title == "" {
		s.title = title(text, attachments)
	}

	s.state = StateAwaitingResponse
	s.turnID = am.ID

	return Turn{
		ID:        am.ID,
		Request:   req,
		User:      cloneMessage(um),
		Assistant: cloneMessage(am),
	}, nil
}

// Apply appends a fragment to the in-progress assistant message. Citations are appended as they
// arrive, without de-duplication. It reports false when turnID is not the streaming turn.
func (s *Session) Apply(turnID string, f models.Fragment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.inProgress(turnID)
	if m == nil {
		return false
	}
	m.Text += f.Text
	m.Citations = append(m.Citations, f.Citations...)
	return true
}

// Complete marks the in-progress assistant message immutable and returns to StateIdle.
func (s *Session) Complete(turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.inProgress(turnID)
	if m == nil {
		return false
	}
	m.Complete = true
	s.finish()
	return true
}

// Fail flags the in-progress assistant message as failed. Text streamed before the failure is kept
// and the failure notice is appended to it.
func (s *Session) Fail(turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.inProgress(turnID)
	if m == nil {
		return false
	}
	if m.Text != "" {
		m.Text += "\n\n"
	}
	m.Text += FailureNotice
	m.IsError = true
	m.Complete = true
	s.finish()
	return true
}

// Cancel aborts the streaming response, if any. The partial text is kept, the message is marked
// complete and the session returns to StateIdle; fragments arriving afterwards are discarded.
func (s *Session) Cancel() (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.inProgress(s.turnID)
	if m == nil {
		return models.Message{}, false
	}
	if s.cancel != nil {
		s.cancel()
	}
	m.Complete = true
	s.finish()
	return cloneMessage(*m), true
}

// bind registers the cancel function of the stream serving turnID. It reports false when the turn
// already ended.
func (s *Session) bind(turnID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inProgress(turnID) == nil {
		return false
	}
	s.cancel = cancel
	return true
}

func (s *Session) inProgress(turnID string) *models.Message {
	if s.state != StateAwaitingResponse || turnID == "" || turnID != s.turnID || len(s.messages) == 0 {
		return nil
	}
	return &s.messages[len(s.messages)-1]
}

func (s *Session) finish() {
	s.state = StateIdle
	s.turnID = ""
	s.cancel = nil
}

// history converts the completed messages into turns. Failed responses are left out so the model
// doesn't see the failure notice.
func (s *Session) history() []models.Turn {
	turns := make([]models.Turn, 0, len(s.messages))
	for _, m := range s.messages {
		if !m.Complete || m.IsError {
			continue
		}
		if m.Text == "" && len(m.Attachments) == 0 {
			continue
		}
		turns = append(turns, models.Turn{
			Role:        m.Role,
			Text:        m.Text,
			Attachments: m.Attachments,
		})
	}
	return turns
}

func title(text string, attachments []models.Attachment) string {
	if text == "" {
		if len(attachments) > 0 && attachments[0].Name != "" {
			return attachments[0].Name
		}
		return "Attachment"
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	r := []rune(text)
	return string(r[:titleMaxRunes]) + "…"
}

func cloneMessage(m models.Message) models.Message {
	m.Attachments = slices.Clone(m.Attachments)
	m.Citations = slices.Clone(m.Citations)
	return m
}
