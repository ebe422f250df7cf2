package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nebula-studio/nebula/internal/models"
	"github.com/nebula-studio/nebula/internal/services"
	"github.com/stretchr/testify/require"
)

var testTurn = models.TurnRequest{
	History: []models.Turn{
		{Role: models.RoleUser, Text: "Hi"},
		{Role: models.RoleAssistant, Text: "Hello!"},
	},
	Text:        "What is this?",
	Attachments: []models.Attachment{{MIMEType: "image/png", Data: "iVBORw==", Name: "a.png"}},
	Model:       "ignored",
}

func TestOllamaChat(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string   `json:"role"`
			Content string   `json:"content"`
			Images  []string `json:"images"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, c := range []string{"It is ", "", "a dot."} {
			fmt.Fprintf(w, `{"model":"llava","message":{"role":"assistant","content":%q},"done":false}`+"\n", c)
		}
		fmt.Fprintln(w, `{"model":"llava","message":{"role":"assistant","content":""},"done":true}`)
	}))
	t.Cleanup(srv.Close)

	o, err := services.NewOllama(srv.URL, "llava", "Be nice.", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.Equal(t, "llava", o.DefaultModel())

	fs, errs := collect(o.Chat(context.Background(), testTurn))
	require.Empty(t, errs)
	require.Equal(t, []models.Fragment{{Text: "It is "}, {Text: "a dot."}}, fs)

	require.Equal(t, "llava", got.Model)
	require.Len(t, got.Messages, 4)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, "assistant", got.Messages[2].Role)
	require.Equal(t, "What is this?", got.Messages[3].Content)
	require.Len(t, got.Messages[3].Images, 1)
}

func TestOllamaChatStopReading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for i := range 50 {
			fmt.Fprintf(w, `{"model":"llava","message":{"role":"assistant","content":"chunk %d "},"done":false}`+"\n", i)
		}
		fmt.Fprintln(w, `{"model":"llava","message":{"role":"assistant","content":""},"done":true}`)
	}))
	t.Cleanup(srv.Close)

	o, err := services.NewOllama(srv.URL, "llava", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	var got []models.Fragment
	require.NotPanics(t, func() {
		for f, err := range o.Chat(context.Background(), models.TurnRequest{Text: "hi"}) {
			require.NoError(t, err)
			got = append(got, f)
			break
		}
	})
	require.Equal(t, []models.Fragment{{Text: "chunk 0 "}}, got)
}

func TestOllamaChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	o, err := services.NewOllama(srv.URL, "llava", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	fs, errs := collect(o.Chat(context.Background(), models.TurnRequest{Text: "hi"}))
	require.Empty(t, fs)
	require.Len(t, errs, 1)
}

func TestOpenAIChat(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"It is ", "a dot."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	o := services.NewOpenAI("sk-test", srv.URL+"/v1", "gpt-4o-mini", "Be nice.",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Equal(t, []models.ModelInfo{{Name: "gpt-4o-mini", Label: "gpt-4o-mini"}}, o.Models())

	fs, errs := collect(o.Chat(context.Background(), testTurn))
	require.Empty(t, errs)
	require.Equal(t, []models.Fragment{{Text: "It is "}, {Text: "a dot."}}, fs)

	require.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 4)
	require.Equal(t, "system", got.Messages[0].Role)
	// The attachment turns the last message into multi-part content.
	require.Contains(t, string(got.Messages[3].Content), "data:image/png;base64,iVBORw==")
}
