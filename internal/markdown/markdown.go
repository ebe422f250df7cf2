// Package markdown turns (possibly partial) model output into a small display tree and renders that
// tree to HTML. Only fenced code blocks, bold spans and bracketed links are recognized; everything else
// is plain text split into lines.
package markdown

import (
	"regexp"
	"strings"
)

// BlockKind identifies the kind of a top-level block.
type BlockKind int

const (
	// BlockParagraph is a run of plain text lines.
	BlockParagraph BlockKind = iota
	// BlockCode is a closed fenced code block.
	BlockCode
)

// SpanKind identifies the kind of an inline span.
type SpanKind int

const (
	SpanText SpanKind = iota
	SpanBold
	SpanLink
)

// Document is the display tree of a text.
type Document struct {
	Blocks []Block
}

// Block is either a paragraph (Lines) or a code block (Language, Code).
type Block struct {
	Kind     BlockKind
	Lines    []Line
	Language string
	Code     string
}

// Line is one line of a paragraph block.
type Line []Span

// Span is an inline run of text. URL is only set for links.
type Span struct {
	Kind SpanKind
	Text string
	URL  string
}

const defaultLanguage = "text"

var (
	fencePattern    = regexp.MustCompile("(?s)```.*?```")
	languagePattern = regexp.MustCompile("^```(\\w+)")
	boldPattern     = regexp.MustCompile(`\*\*.*?\*\*`)
	linkPattern     = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// Parse builds the display tree of text. It never fails: an unterminated fence is treated as plain
// text until a later fragment closes it.
func Parse(text string) Document {
	var doc Document

	last := 0
	for _, loc := range fencePattern.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			doc.Blocks = append(doc.Blocks, paragraph(text[last:loc[0]]))
		}
		doc.Blocks = append(doc.Blocks, codeBlock(text[loc[0]:loc[1]]))
		last = loc[1]
	}
	if last < len(text) || len(doc.Blocks) == 0 {
		doc.Blocks = append(doc.Blocks, paragraph(text[last:]))
	}

	return doc
}

// Text returns the text a reader sees, with markup removed.
func (d Document) Text() string {
	var sb strings.Builder
	for _, b := range d.Blocks {
		switch b.Kind {
		case BlockCode:
			sb.WriteString(b.Code)
		case BlockParagraph:
			for i, l := range b.Lines {
				if i > 0 {
					sb.WriteByte('\n')
				}
				for _, s := range l {
					sb.WriteString(s.Text)
				}
			}
		}
	}
	return sb.String()
}

func codeBlock(raw string) Block {
	lang := defaultLanguage
	if m := languagePattern.FindStringSubmatch(raw); m != nil {
		lang = m[1]
	}

	body := raw[3 : len(raw)-3]
	// The first line of the fence body holds the language tag.
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}

	return Block{
		Kind:     BlockCode,
		Language: lang,
		Code:     strings.TrimSuffix(body, "\n"),
	}
}

func paragraph(text string) Block {
	rawLines := strings.Split(text, "\n")
	lines := make([]Line, len(rawLines))
	for i, l := range rawLines {
		lines[i] = parseLine(l)
	}
	return Block{Kind: BlockParagraph, Lines: lines}
}

func parseLine(line string) Line {
	var spans Line

	last := 0
	for _, loc := range boldPattern.FindAllStringIndex(line, -1) {
		spans = appendLinks(spans, line[last:loc[0]])
		spans = append(spans, Span{Kind: SpanBold, Text: line[loc[0]+2 : loc[1]-2]})
		last = loc[1]
	}
	return appendLinks(spans, line[last:])
}

func appendLinks(spans Line, text string) Line {
	last := 0
	for _, m := range linkPattern.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			spans = append(spans, Span{Kind: SpanText, Text: text[last:m[0]]})
		}
		spans = append(spans, Span{
			Kind: SpanLink,
			Text: text[m[2]:m[3]],
			URL:  text[m[4]:m[5]],
		})
		last = m[1]
	}
	if last < len(text) {
		spans = append(spans, Span{Kind: SpanText, Text: text[last:]})
	}
	return spans
}
