package markdown

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
)

// Renderer renders display trees to HTML. Code blocks are highlighted through goldmark.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer creates a Renderer highlighting code with the given chroma style name.
func NewRenderer(style string) Renderer {
	return Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				highlighting.NewHighlighting(highlighting.WithStyle(style)),
			),
		),
	}
}

// RenderString parses text and renders it.
func (r Renderer) RenderString(text string) (template.HTML, error) {
	return r.HTML(Parse(text))
}

// HTML renders doc. Text is always escaped and links only keep http, https and mailto targets.
func (r Renderer) HTML(doc Document) (template.HTML, error) {
	var buf bytes.Buffer
	for _, b := range doc.Blocks {
		switch b.Kind {
		case BlockCode:
			if err := r.writeCode(&buf, b); err != nil {
				return "", err
			}
		case BlockParagraph:
			buf.WriteString(`<div class="md-text">`)
			for _, l := range b.Lines {
				buf.WriteString("<p>")
				writeLine(&buf, l)
				buf.WriteString("</p>")
			}
			buf.WriteString("</div>")
		}
	}
	return template.HTML(buf.String()), nil
}

func (r Renderer) writeCode(buf *bytes.Buffer, b Block) error {
	fmt.Fprintf(buf, `<div class="md-code"><div class="md-code-lang">%s</div>`, template.HTMLEscapeString(b.Language))

	src := "```" + b.Language + "\n" + b.Code + "\n```\n"
	if err := r.md.Convert([]byte(src), buf); err != nil {
		return fmt.Errorf("failed to render %s code block: %w", b.Language, err)
	}

	buf.WriteString("</div>")
	return nil
}

func writeLine(buf *bytes.Buffer, l Line) {
	for _, s := range l {
		text := template.HTMLEscapeString(s.Text)
		switch s.Kind {
		case SpanBold:
			fmt.Fprintf(buf, "<strong>%s</strong>", text)
		case SpanLink:
			if !safeURL(s.URL) {
				buf.WriteString(text)
				continue
			}
			fmt.Fprintf(buf, `<a href="%s" target="_blank" rel="noopener noreferrer">%s</a>`,
				template.HTMLEscapeString(s.URL), text)
		default:
			buf.WriteString(text)
		}
	}
}

func safeURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "mailto":
		return true
	}
	return false
}
