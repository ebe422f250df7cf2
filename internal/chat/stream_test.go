package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nebula-studio/nebula/internal/chat"
	"github.com/nebula-studio/nebula/internal/models"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	updates []models.Message
	first   chan struct{}
	once    sync.Once
}

func newRecorder() *recorder {
	return &recorder{first: make(chan struct{})}
}

func (r *recorder) MessageUpdated(_ string, msg models.Message) {
	r.mu.Lock()
	r.updates = append(r.updates, msg)
	r.mu.Unlock()
	r.once.Do(func() { close(r.first) })
}

func (r *recorder) snapshot() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.updates...)
}

func TestDriveConcatenation(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
	}{
		{name: "Two fragments", texts: []string{"Hi", " there"}},
		{name: "Empty fragments in between", texts: []string{"a", "", "b", "", "c"}},
		{name: "Unicode", texts: []string{"héllo ", "wörld ", "🚀"}},
		{name: "No fragments", texts: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := chat.NewSession("s1", "m")
			turn, err := s.Send("Hello")
			require.NoError(t, err)

			err = chat.Drive(context.Background(), s, mockStreamer{fragments: textFragments(tt.texts...)}, turn, nil)
			require.NoError(t, err)

			msg, ok := s.Message(turn.ID)
			require.True(t, ok)
			require.Equal(t, strings.Join(tt.texts, ""), msg.Text)
			require.True(t, msg.Complete)
			require.Equal(t, chat.StateIdle, s.State())
		})
	}
}

func TestDriveFailureKeepsPartialText(t *testing.T) {
	s := chat.NewSession("s1", "m")
	turn, err := s.Send("Hello")
	require.NoError(t, err)

	upstream := errors.New("quota exceeded")
	rec := newRecorder()
	err = chat.Drive(context.Background(), s, mockStreamer{
		fragments: textFragments("Par"),
		err:       upstream,
	}, turn, rec)
	require.ErrorIs(t, err, upstream)

	msg, _ := s.Message(turn.ID)
	require.Equal(t, "Par\n\n"+chat.FailureNotice, msg.Text)
	require.True(t, msg.IsError)
	require.Equal(t, chat.StateIdle, s.State())

	updates := rec.snapshot()
	require.Len(t, updates, 2)
	require.Equal(t, "Par", updates[0].Text)
	require.True(t, updates[1].IsError)
}

func TestDriveFailureBeforeFirstFragment(t *testing.T) {
	s := chat.NewSession("s1", "m")
	turn, err := s.Send("Hello")
	require.NoError(t, err)

	err = chat.Drive(context.Background(), s, mockStreamer{err: errors.New("bad request")}, turn, nil)
	require.Error(t, err)

	msg, _ := s.Message(turn.ID)
	require.Equal(t, chat.FailureNotice, msg.Text)
	require.True(t, msg.IsError)

	// The session accepts a retry.
	_, err = s.Send("Hello again")
	require.NoError(t, err)
}

func TestDriveCitationsGrowMonotonically(t *testing.T) {
	s := chat.NewSession("s1", "m")
	turn, err := s.Send("news?")
	require.NoError(t, err)

	a := models.Citation{URI: "https://a.example", Title: "A"}
	b := models.Citation{URI: "https://b.example", Title: "B"}
	rec := newRecorder()
	err = chat.Drive(context.Background(), s, mockStreamer{fragments: []models.Fragment{
		{Text: "One", Citations: []models.Citation{a}},
		{Text: " two"},
		{Citations: []models.Citation{a, b}},
	}}, turn, rec)
	require.NoError(t, err)

	prev := 0
	for _, u := range rec.snapshot() {
		require.GreaterOrEqual(t, len(u.Citations), prev)
		prev = len(u.Citations)
	}

	msg, _ := s.Message(turn.ID)
	require.Equal(t, []models.Citation{a, a, b}, msg.Citations)
	require.Equal(t, "One two", msg.Text)
}

func TestDriveCancel(t *testing.T) {
	s := chat.NewSession("s1", "m")
	turn, err := s.Send("Hello")
	require.NoError(t, err)

	rec := newRecorder()
	done := make(chan error, 1)
	go func() {
		done <- chat.Drive(context.Background(), s, mockStreamer{
			fragments: textFragments("Par"),
			block:     true,
		}, turn, rec)
	}()

	<-rec.first
	_, ok := s.Cancel()
	require.True(t, ok)

	require.ErrorIs(t, <-done, chat.ErrCanceled)

	msg, _ := s.Message(turn.ID)
	require.Equal(t, "Par", msg.Text)
	require.True(t, msg.Complete)
	require.False(t, msg.IsError)
	require.Equal(t, chat.StateIdle, s.State())
}

func TestDriveContextCanceled(t *testing.T) {
	s := chat.NewSession("s1", "m")
	turn, err := s.Send("Hello")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	done := make(chan error, 1)
	go func() {
		done <- chat.Drive(ctx, s, mockStreamer{fragments: textFragments("Par"), block: true}, turn, rec)
	}()

	<-rec.first
	cancel()

	require.ErrorIs(t, <-done, chat.ErrCanceled)
	require.Equal(t, chat.StateIdle, s.State())
}

func TestDriveAfterCancelDoesNotStream(t *testing.T) {
	s := chat.NewSession("s1", "m")
	turn, err := s.Send("Hello")
	require.NoError(t, err)
	s.Cancel()

	err = chat.Drive(context.Background(), s, mockStreamer{fragments: textFragments("late")}, turn, nil)
	require.ErrorIs(t, err, chat.ErrCanceled)

	msg, _ := s.Message(turn.ID)
	require.Empty(t, msg.Text)
}

func TestPumpStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	events := chat.Pump(ctx, mockStreamer{
		fragments: textFragments("a", "b", "c"),
	}.Chat(ctx, models.TurnRequest{}))

	ev := <-events
	require.Equal(t, "a", ev.Fragment.Text)
	cancel()

	// Draining must terminate; goleak verifies the producer exits.
	for range events {
	}
}

func TestPumpOrder(t *testing.T) {
	texts := []string{"1", "2", "3", "4", "5"}
	events := chat.Pump(context.Background(), mockStreamer{fragments: textFragments(texts...)}.Chat(context.Background(), models.TurnRequest{}))

	var got []string
	var done bool
	for ev := range events {
		if ev.Done {
			done = true
			continue
		}
		got = append(got, ev.Fragment.Text)
	}
	require.True(t, done)
	require.Equal(t, texts, got)
}
