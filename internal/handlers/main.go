package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	nebula "github.com/nebula-studio/nebula"
	"github.com/nebula-studio/nebula/internal/chat"
	"github.com/nebula-studio/nebula/internal/markdown"
	"github.com/nebula-studio/nebula/internal/models"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model backend that streams chat responses. Besides streaming, it
// exposes the catalog of models the user can pick from.
type LLM interface {
	chat.Streamer
	Models() []models.ModelInfo
	DefaultModel() string
}

// ImageGenerator generates images from a prompt, returning them as data URLs.
type ImageGenerator interface {
	GenerateImages(ctx context.Context, prompt, aspectRatio string) ([]string, error)
}

// InquiryStore persists contact form submissions.
type InquiryStore interface {
	AddInquiry(ctx context.Context, inquiry models.Inquiry) (string, error)
}

// Main handles the core functionality of the web application, managing server-sent events, HTML
// templates, chat sessions and the interactions with the LLM, the image generator and the inquiry store.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	renderer  markdown.Renderer

	llm       LLM
	images    ImageGenerator
	inquiries InquiryStore
	sessions  *chat.Registry

	// streamCtx bounds every background stream; it is canceled on Shutdown.
	streamCtx  context.Context
	stopStream context.CancelFunc

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"
	errLoggerKey  = "err"
)

// NewMain creates a new Main instance. images may be nil when the configured backend can't generate
// images. It initializes the SSE server and parses the HTML templates from the embedded filesystem.
func NewMain(llm LLM, images ImageGenerator, inquiries InquiryStore, logger *slog.Logger) (Main, error) {
	renderer := markdown.NewRenderer("monokai")

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"markdown": renderer.RenderString,
		// Attachments and generated images are data URLs, which html/template rejects in src by default.
		"safeURL": func(s string) template.URL { return template.URL(s) },
	}).ParseFS(
		nebula.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	streamCtx, stopStream := context.WithCancel(context.Background())

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:  tmpl,
		renderer:   renderer,
		llm:        llm,
		images:     images,
		inquiries:  inquiries,
		sessions:   chat.NewRegistry(llm.DefaultModel()),
		streamCtx:  streamCtx,
		stopStream: stopStream,
		logger:     logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// Shutdown gracefully terminates the Main instance. It aborts the running streams, broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.stopStream()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
