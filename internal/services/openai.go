package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"

	"github.com/nebula-studio/nebula/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for OpenAI and OpenAI-compatible endpoints.
// Search grounding and extended reasoning are not available and are dropped.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL, model name, and system
// prompt. An empty baseURL keeps the official endpoint.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// Models returns the configured model as the only choice.
func (o OpenAI) Models() []models.ModelInfo {
	return []models.ModelInfo{{Name: o.model, Label: o.model}}
}

// DefaultModel returns the configured model.
func (o OpenAI) DefaultModel() string {
	return o.model
}

func openAIMessages(systemPrompt string, req models.TurnRequest) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.History)+2)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	turns := append(slices.Clone(req.History), models.Turn{
		Role:        models.RoleUser,
		Text:        req.Text,
		Attachments: req.Attachments,
	})
	for _, t := range turns {
		msg := goopenai.ChatCompletionMessage{Role: string(t.Role)}
		if len(t.Attachments) == 0 {
			msg.Content = t.Text
			msgs = append(msgs, msg)
			continue
		}

		// Content and MultiContent are mutually exclusive.
		for _, a := range t.Attachments {
			msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
				Type:     goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{URL: a.DataURL()},
			})
		}
		if t.Text != "" {
			msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeText,
				Text: t.Text,
			})
		}
		msgs = append(msgs, msg)
	}

	return msgs
}

// Chat is a wrapper around the OpenAI chat completion streaming API.
func (o OpenAI) Chat(ctx context.Context, req models.TurnRequest) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		if req.Search || req.Thinking {
			o.logger.Debug("OpenAI backend doesn't support search or thinking, dropping them")
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
			Model:    o.model,
			Messages: openAIMessages(o.systemPrompt, req),
			Stream:   true,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Fragment{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Fragment{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if content := response.Choices[0].Delta.Content; content != "" {
				if !yield(models.Fragment{Text: content}, nil) {
					return
				}
			}
		}
	}
}
