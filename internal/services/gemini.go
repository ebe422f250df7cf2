package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/nebula-studio/nebula/internal/models"
	"google.golang.org/genai"
)

// Gemini streams chat responses and generates images through the Gemini API. It holds no conversation
// state: every call receives the full history.
type Gemini struct {
	client *genai.Client

	catalog        []models.ModelInfo
	defaultModel   string
	imageModel     string
	systemPrompt   string
	thinkingBudget int32

	logger *slog.Logger
}

// GeminiOptions configures NewGemini. Zero values fall back to the defaults below.
type GeminiOptions struct {
	APIKey  string
	BaseURL string

	Models         []models.ModelInfo
	DefaultModel   string
	ImageModel     string
	SystemPrompt   string
	ThinkingBudget int32

	HTTPClient *http.Client
}

const (
	// DefaultGeminiImageModel is the model used by GenerateImages.
	DefaultGeminiImageModel = "gemini-2.5-flash-image"
	// DefaultThinkingBudget is the reasoning token budget requested when thinking is enabled.
	DefaultThinkingBudget int32 = 4096
)

// DefaultGeminiModels is the catalog used when none is configured. Only the Pro model declares
// extended reasoning.
var DefaultGeminiModels = []models.ModelInfo{
	{Name: "gemini-2.5-flash", Label: "Gemini 2.5 Flash"},
	{Name: "gemini-3-pro-preview", Label: "Gemini 3 Pro", Thinking: true},
}

// AspectRatios lists the aspect ratios accepted by GenerateImages.
var AspectRatios = []string{"1:1", "16:9", "9:16"}

var (
	// ErrUnsupportedAspectRatio is returned by GenerateImages for ratios outside AspectRatios.
	ErrUnsupportedAspectRatio = errors.New("unsupported aspect ratio")
	// ErrEmptyPrompt is returned by GenerateImages for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
)

// NewGemini creates a Gemini client. The API key is mandatory; BaseURL overrides the API endpoint.
func NewGemini(ctx context.Context, opts GeminiOptions, logger *slog.Logger) (Gemini, error) {
	if opts.APIKey == "" {
		return Gemini{}, errors.New("gemini api key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = opts.BaseURL
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return Gemini{}, fmt.Errorf("failed to create gemini client: %w", err)
	}

	g := Gemini{
		client:         client,
		catalog:        opts.Models,
		defaultModel:   opts.DefaultModel,
		imageModel:     opts.ImageModel,
		systemPrompt:   opts.SystemPrompt,
		thinkingBudget: opts.ThinkingBudget,
		logger:         logger.With(slog.String("module", "gemini")),
	}
	if len(g.catalog) == 0 {
		g.catalog = DefaultGeminiModels
	}
	if g.defaultModel == "" {
		g.defaultModel = g.catalog[0].Name
	}
	if g.imageModel == "" {
		g.imageModel = DefaultGeminiImageModel
	}
	if g.thinkingBudget == 0 {
		g.thinkingBudget = DefaultThinkingBudget
	}

	return g, nil
}

// Models returns the selectable chat models.
func (g Gemini) Models() []models.ModelInfo {
	return g.catalog
}

// DefaultModel returns the model used when a request doesn't name one.
func (g Gemini) DefaultModel() string {
	return g.defaultModel
}

// Chat streams the response to req. The current turn is sent as its attachments followed by its text.
// Search grounding and extended reasoning are enabled independently; reasoning is dropped for models
// whose catalog entry doesn't declare it. The sequence ends silently when ctx is canceled.
func (g Gemini) Chat(ctx context.Context, req models.TurnRequest) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		contents, err := geminiContents(req)
		if err != nil {
			yield(models.Fragment{}, fmt.Errorf("error creating gemini contents: %w", err))
			return
		}

		model := req.Model
		if model == "" {
			model = g.defaultModel
		}

		for res, err := range g.client.Models.GenerateContentStream(ctx, model, contents, g.generateConfig(model, req.Capabilities)) {
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				yield(models.Fragment{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			f := geminiFragment(res)
			if f.Text == "" && len(f.Citations) == 0 {
				continue
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// GenerateImages renders prompt with the image model and returns every generated image as a data URL.
func (g Gemini) GenerateImages(ctx context.Context, prompt, aspectRatio string) ([]string, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if aspectRatio == "" {
		aspectRatio = AspectRatios[0]
	}
	if !slices.Contains(AspectRatios, aspectRatio) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAspectRatio, aspectRatio)
	}

	res, err := g.client.Models.GenerateContent(ctx, g.imageModel,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			ImageConfig: &genai.ImageConfig{AspectRatio: aspectRatio},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error generating image: %w", err)
	}

	var images []string
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return images, nil
	}
	for _, p := range res.Candidates[0].Content.Parts {
		if p.InlineData == nil {
			continue
		}
		images = append(images, models.Attachment{
			MIMEType: p.InlineData.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
		}.DataURL())
	}

	g.logger.Debug("Generated images",
		slog.String("aspectRatio", aspectRatio),
		slog.Int("count", len(images)))

	return images, nil
}

func (g Gemini) generateConfig(model string, caps models.Capabilities) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if g.systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.systemPrompt, genai.RoleUser)
	}
	if caps.Search {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if caps.Thinking {
		if info, ok := models.FindModel(g.catalog, model); ok && info.Thinking {
			cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(g.thinkingBudget)}
		} else {
			g.logger.Debug("Model doesn't support thinking, dropping it", slog.String("model", model))
		}
	}

	return cfg
}

func geminiContents(req models.TurnRequest) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, t := range req.History {
		parts, err := geminiParts(t.Text, t.Attachments)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, geminiRole(t.Role)))
	}

	parts, err := geminiParts(req.Text, req.Attachments)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, errors.New("turn has neither text nor attachments")
	}
	return append(contents, genai.NewContentFromParts(parts, genai.RoleUser)), nil
}

// geminiParts puts the attachments before the text.
func geminiParts(text string, attachments []models.Attachment) ([]*genai.Part, error) {
	parts := make([]*genai.Part, 0, len(attachments)+1)
	for _, a := range attachments {
		data, err := a.Bytes()
		if err != nil {
			return nil, err
		}
		parts = append(parts, genai.NewPartFromBytes(data, a.MIMEType))
	}
	if text != "" {
		parts = append(parts, genai.NewPartFromText(text))
	}
	return parts, nil
}

func geminiRole(r models.Role) genai.Role {
	if r == models.RoleAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}

func geminiFragment(res *genai.GenerateContentResponse) models.Fragment {
	var f models.Fragment
	if res == nil || len(res.Candidates) == 0 {
		return f
	}

	c := res.Candidates[0]
	if c.Content != nil {
		var sb strings.Builder
		for _, p := range c.Content.Parts {
			if p.Thought {
				continue
			}
			sb.WriteString(p.Text)
		}
		f.Text = sb.String()
	}

	if c.GroundingMetadata != nil {
		for _, gc := range c.GroundingMetadata.GroundingChunks {
			if gc == nil || gc.Web == nil {
				continue
			}
			f.Citations = append(f.Citations, models.Citation{
				URI:   gc.Web.URI,
				Title: gc.Web.Title,
			})
		}
	}

	return f
}
