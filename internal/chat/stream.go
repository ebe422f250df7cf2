package chat

import (
	"context"
	"errors"
	"iter"

	"github.com/nebula-studio/nebula/internal/models"
)

// Streamer produces the assistant response for a turn as an ordered, finite sequence of fragments.
// A failure is yielded once, as the last element.
type Streamer interface {
	Chat(ctx context.Context, req models.TurnRequest) iter.Seq2[models.Fragment, error]
}

// Listener is notified after every change Drive makes to the assistant message.
type Listener interface {
	MessageUpdated(sessionID string, msg models.Message)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(sessionID string, msg models.Message)

// MessageUpdated calls f.
func (f ListenerFunc) MessageUpdated(sessionID string, msg models.Message) {
	f(sessionID, msg)
}

// Event is one element delivered by Pump: a fragment, a failure, or the end of the stream.
type Event struct {
	Fragment models.Fragment
	Err      error
	Done     bool
}

// ErrCanceled is returned by Drive when the turn was canceled before the stream ended.
var ErrCanceled = errors.New("response canceled")

// Pump runs seq on its own goroutine and delivers its elements, in order, on the returned channel.
// The last event is either a failure or Done. When ctx is canceled the producer stops and the channel
// is closed without a final event.
func Pump(ctx context.Context, seq iter.Seq2[models.Fragment, error]) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		send := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for f, err := range seq {
			if err != nil {
				send(Event{Err: err})
				return
			}
			if !send(Event{Fragment: f}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		send(Event{Done: true})
	}()

	return events
}

// Drive streams the response of turn into s, applying fragments in arrival order and notifying l after
// each change. It returns the upstream error when the stream failed and ErrCanceled when the turn was
// canceled through Session.Cancel or ctx.
func Drive(ctx context.Context, s *Session, streamer Streamer, turn Turn, l Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !s.bind(turn.ID, cancel) {
		return ErrCanceled
	}

	notify := func() {
		if l == nil {
			return
		}
		if msg, ok := s.Message(turn.ID); ok {
			l.MessageUpdated(s.ID(), msg)
		}
	}

	for ev := range Pump(ctx, streamer.Chat(ctx, turn.Request)) {
		switch {
		case ev.Err != nil:
			if s.Fail(turn.ID) {
				notify()
			}
			return ev.Err
		case ev.Done:
			if s.Complete(turn.ID) {
				notify()
			}
			return nil
		default:
			if !s.Apply(turn.ID, ev.Fragment) {
				return ErrCanceled
			}
			notify()
		}
	}

	// The producer only closes without a final event once ctx is done. A cancel that didn't come from
	// the session still has to release it.
	if _, ok := s.Cancel(); ok {
		notify()
	}
	return ErrCanceled
}
