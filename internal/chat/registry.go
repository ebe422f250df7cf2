package chat

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Registry keeps the sessions of the running process in memory.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	model    string
}

// Summary is the sidebar entry of a session.
type Summary struct {
	ID    string
	Title string
}

// NewRegistry creates an empty registry whose new sessions use defaultModel.
func NewRegistry(defaultModel string) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		model:    defaultModel,
	}
}

// New creates an idle session with the default model. The session is not registered: callers Add it
// once it holds something worth keeping, so page views alone don't accumulate sessions.
func (r *Registry) New() *Session {
	return NewSession(uuid.New().String(), r.model)
}

// Add registers s. Adding a registered session again is a no-op.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the sessions that have at least one message, newest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return b.createdAt.Compare(a.createdAt)
	})

	var summaries []Summary
	for _, s := range sessions {
		s.mu.Lock()
		empty := len(s.messages) == 0
		t := s.title
		s.mu.Unlock()
		if empty {
			continue
		}
		summaries = append(summaries, Summary{ID: s.id, Title: t})
	}
	return summaries
}
