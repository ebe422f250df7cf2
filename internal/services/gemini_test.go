package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nebula-studio/nebula/internal/models"
	"github.com/nebula-studio/nebula/internal/services"
	"github.com/stretchr/testify/require"
)

type fakeGemini struct {
	mu     sync.Mutex
	bodies []string

	chunks []string
	status int
	image  string
}

type geminiRequest struct {
	Contents []struct {
		Role  string           `json:"role"`
		Parts []map[string]any `json:"parts"`
	} `json:"contents"`
}

func (f *fakeGemini) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		fmt.Fprintf(w, `{"error":{"code":%d,"message":"boom","status":"INTERNAL"}}`, f.status)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, ":streamGenerateContent"):
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range f.chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
	case strings.HasSuffix(r.URL.Path, ":generateContent"):
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"here"},{"inlineData":{"mimeType":"image/png","data":%q}}]}}]}`, f.image)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeGemini) lastBody(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.bodies)
	return f.bodies[len(f.bodies)-1]
}

func textChunk(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []any{
			map[string]any{"content": map[string]any{
				"role":  "model",
				"parts": []any{map[string]any{"text": text}},
			}},
		},
	})
	return string(b)
}

func groundingChunk(uri, title string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []any{
			map[string]any{"groundingMetadata": map[string]any{
				"groundingChunks": []any{
					map[string]any{"web": map[string]any{"uri": uri, "title": title}},
				},
			}},
		},
	})
	return string(b)
}

func newTestGemini(t *testing.T, f *fakeGemini) services.Gemini {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	g, err := services.NewGemini(context.Background(), services.GeminiOptions{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return g
}

func collect(seq func(func(models.Fragment, error) bool)) ([]models.Fragment, []error) {
	var fs []models.Fragment
	var errs []error
	seq(func(f models.Fragment, err error) bool {
		if err != nil {
			errs = append(errs, err)
			return true
		}
		fs = append(fs, f)
		return true
	})
	return fs, errs
}

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	_, err := services.NewGemini(context.Background(), services.GeminiOptions{}, slog.Default())
	require.Error(t, err)
}

func TestGeminiChatStreamsFragments(t *testing.T) {
	f := &fakeGemini{chunks: []string{
		textChunk("Hi"),
		groundingChunk("https://a.example", "A"),
		textChunk(" there"),
	}}
	g := newTestGemini(t, f)

	fs, errs := collect(g.Chat(context.Background(), models.TurnRequest{Text: "Hello"}))
	require.Empty(t, errs)
	require.Equal(t, []models.Fragment{
		{Text: "Hi"},
		{Citations: []models.Citation{{URI: "https://a.example", Title: "A"}}},
		{Text: " there"},
	}, fs)
}

func TestGeminiChatRequest(t *testing.T) {
	tests := []struct {
		name         string
		req          models.TurnRequest
		wantSearch   bool
		wantThinking bool
	}{
		{
			name: "No capabilities",
			req:  models.TurnRequest{Model: "gemini-3-pro-preview", Text: "Hello"},
		},
		{
			name:       "Search only",
			req:        models.TurnRequest{Model: "gemini-2.5-flash", Text: "Hello", Capabilities: models.Capabilities{Search: true}},
			wantSearch: true,
		},
		{
			name:         "Search and thinking on a thinking model",
			req:          models.TurnRequest{Model: "gemini-3-pro-preview", Text: "Hello", Capabilities: models.Capabilities{Search: true, Thinking: true}},
			wantSearch:   true,
			wantThinking: true,
		},
		{
			name: "Thinking dropped on an unsupported model",
			req:  models.TurnRequest{Model: "gemini-2.5-flash", Text: "Hello", Capabilities: models.Capabilities{Thinking: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeGemini{chunks: []string{textChunk("ok")}}
			g := newTestGemini(t, f)

			_, errs := collect(g.Chat(context.Background(), tt.req))
			require.Empty(t, errs)

			body := f.lastBody(t)
			require.Equal(t, tt.wantSearch, strings.Contains(body, "googleSearch"), body)
			require.Equal(t, tt.wantThinking, strings.Contains(body, "thinkingBudget"), body)
		})
	}
}

func TestGeminiChatPartsOrder(t *testing.T) {
	f := &fakeGemini{chunks: []string{textChunk("ok")}}
	g := newTestGemini(t, f)

	_, errs := collect(g.Chat(context.Background(), models.TurnRequest{
		History: []models.Turn{
			{Role: models.RoleUser, Text: "earlier"},
			{Role: models.RoleAssistant, Text: "reply"},
		},
		Text:        "What is this?",
		Attachments: []models.Attachment{{MIMEType: "image/png", Data: "iVBORw0KGgo="}},
	}))
	require.Empty(t, errs)

	var req geminiRequest
	require.NoError(t, json.Unmarshal([]byte(f.lastBody(t)), &req))
	require.Len(t, req.Contents, 3)
	require.Equal(t, "user", req.Contents[0].Role)
	require.Equal(t, "model", req.Contents[1].Role)

	current := req.Contents[2]
	require.Equal(t, "user", current.Role)
	require.Len(t, current.Parts, 2)
	require.Contains(t, current.Parts[0], "inlineData")
	require.Equal(t, "What is this?", current.Parts[1]["text"])
}

func TestGeminiChatUpstreamError(t *testing.T) {
	f := &fakeGemini{status: http.StatusInternalServerError}
	g := newTestGemini(t, f)

	fs, errs := collect(g.Chat(context.Background(), models.TurnRequest{Text: "Hello"}))
	require.Empty(t, fs)
	require.Len(t, errs, 1)
}

func TestGeminiChatBadAttachment(t *testing.T) {
	f := &fakeGemini{}
	g := newTestGemini(t, f)

	_, errs := collect(g.Chat(context.Background(), models.TurnRequest{
		Attachments: []models.Attachment{{MIMEType: "image/png", Data: "not base64!"}},
	}))
	require.Len(t, errs, 1)
	require.Empty(t, f.bodies, "no request is sent for a malformed turn")
}

func TestGeminiGenerateImages(t *testing.T) {
	f := &fakeGemini{image: "iVBORw0KGgo="}
	g := newTestGemini(t, f)

	images, err := g.GenerateImages(context.Background(), "a nebula", "16:9")
	require.NoError(t, err)
	require.Equal(t, []string{"data:image/png;base64,iVBORw0KGgo="}, images)
	require.Contains(t, f.lastBody(t), "16:9")

	_, err = g.GenerateImages(context.Background(), "a nebula", "4:3")
	require.True(t, errors.Is(err, services.ErrUnsupportedAspectRatio))

	_, err = g.GenerateImages(context.Background(), "   ", "1:1")
	require.ErrorIs(t, err, services.ErrEmptyPrompt)
}
