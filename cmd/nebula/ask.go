package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/nebula-studio/nebula/internal/chat"
	"github.com/nebula-studio/nebula/internal/handlers"
	"github.com/nebula-studio/nebula/internal/models"
	"github.com/nebula-studio/nebula/internal/services"
	"github.com/spf13/cobra"
)

type askOptions struct {
	model    string
	search   bool
	thinking bool
	images   []string
	render   bool
}

func newAskCmd(configPath *string) *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Stream a single answer to the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer closeLog()

			b, err := cfg.LLM.backend(cmd.Context(), cfg.SystemPrompt, logger)
			if err != nil {
				return fmt.Errorf("error creating llm backend: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ask(ctx, b.llm, strings.Join(args, " "), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model to answer with (default from config)")
	cmd.Flags().BoolVarP(&opts.search, "search", "s", false, "ground the answer with Google Search")
	cmd.Flags().BoolVarP(&opts.thinking, "thinking", "t", false, "enable extended reasoning")
	cmd.Flags().StringArrayVarP(&opts.images, "image", "i", nil, "attach an image file (repeatable)")
	cmd.Flags().BoolVarP(&opts.render, "render", "r", false, "wait for the full answer and render it as markdown")
	return cmd
}

// ask runs one turn of a throwaway session. Fragments are written to out as they arrive, unless
// rendering is requested, in which case the final text is rendered once the stream ends.
func ask(ctx context.Context, llm handlers.LLM, prompt string, opts askOptions, out io.Writer) error {
	model := llm.DefaultModel()
	if opts.model != "" {
		if _, ok := models.FindModel(llm.Models(), opts.model); !ok {
			return fmt.Errorf("unknown model %q", opts.model)
		}
		model = opts.model
	}

	s := chat.NewSession("cli", model)

	for _, path := range opts.images {
		a, err := readAttachment(path)
		if err != nil {
			return err
		}
		s.StageAttachment(a)
	}

	turn, err := s.SendWith(prompt, model, models.Capabilities{Search: opts.search, Thinking: opts.thinking})
	if err != nil {
		return err
	}

	var written int
	listener := chat.ListenerFunc(func(_ string, msg models.Message) {
		if opts.render || len(msg.Text) <= written {
			return
		}
		_, _ = io.WriteString(out, msg.Text[written:])
		written = len(msg.Text)
	})

	driveErr := chat.Drive(ctx, s, llm, turn, listener)

	final, _ := s.Message(turn.ID)
	if opts.render {
		rendered, err := renderMarkdown(final.Text)
		if err != nil {
			return err
		}
		_, _ = io.WriteString(out, rendered)
	} else {
		_, _ = io.WriteString(out, "\n")
	}

	for i, c := range final.Citations {
		fmt.Fprintf(out, "[%d] %s %s\n", i+1, c.Label(), c.URI)
	}

	if driveErr != nil {
		return fmt.Errorf("response failed: %w", driveErr)
	}
	return nil
}

func readAttachment(path string) (models.Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("error opening attachment: %w", err)
	}
	defer f.Close()

	return services.EncodeAttachment(filepath.Base(path), "", f)
}

func renderMarkdown(text string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", fmt.Errorf("error creating markdown renderer: %w", err)
	}
	return r.Render(text)
}
