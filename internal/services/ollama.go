package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/nebula-studio/nebula/internal/models"
	"github.com/ollama/ollama/api"
)

// errStopStream ends the client's response loop once the consumer stopped reading.
var errStopStream = errors.New("stream stopped by consumer")

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// Ollama has neither search grounding nor extended reasoning, so both capabilities are dropped.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Models returns the configured model as the only choice.
func (o Ollama) Models() []models.ModelInfo {
	return []models.ModelInfo{{Name: o.model, Label: o.model}}
}

// DefaultModel returns the configured model.
func (o Ollama) DefaultModel() string {
	return o.model
}

// Chat implements the LLM interface by streaming responses from the Ollama model. Attachments are sent
// as images of the message they belong to.
func (o Ollama) Chat(ctx context.Context, req models.TurnRequest) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		msgs, err := ollamaMessages(o.systemPrompt, req)
		if err != nil {
			yield(models.Fragment{}, fmt.Errorf("error creating ollama messages: %w", err))
			return
		}

		if req.Search || req.Thinking {
			o.logger.Debug("Ollama doesn't support search or thinking, dropping them")
		}

		t := true
		chatReq := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			if res.Message.Content == "" {
				return nil
			}
			if !yield(models.Fragment{Text: res.Message.Content}, nil) {
				// The client keeps calling back for lines it already buffered unless told to stop.
				cancel()
				return errStopStream
			}
			return nil
		}); err != nil {
			if errors.Is(err, errStopStream) || errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Fragment{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}

func ollamaMessages(systemPrompt string, req models.TurnRequest) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(req.History)+2)
	if systemPrompt != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: systemPrompt})
	}

	turns := append(slices.Clone(req.History), models.Turn{
		Role:        models.RoleUser,
		Text:        req.Text,
		Attachments: req.Attachments,
	})
	for _, t := range turns {
		m := api.Message{
			Role:    string(t.Role),
			Content: t.Text,
		}
		for _, a := range t.Attachments {
			data, err := a.Bytes()
			if err != nil {
				return nil, err
			}
			m.Images = append(m.Images, api.ImageData(data))
		}
		msgs = append(msgs, m)
	}

	return msgs, nil
}
