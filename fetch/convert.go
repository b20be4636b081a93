package fetch

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Subtrees never rendered as text.
var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"iframe":   true,
	"svg":      true,
	"canvas":   true,
	"head":     true,
}

// Elements that end a line of text.
var blockTags = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"div": true, "section": true, "article": true, "main": true, "header": true, "footer": true,
	"nav": true, "aside": true, "blockquote": true, "pre": true, "ul": true, "ol": true,
	"li": true, "dt": true, "dd": true, "tr": true, "table": true, "br": true, "hr": true,
	"figcaption": true, "form": true,
}

// renderer renders pages in the requested mode. It is safe for concurrent use.
type renderer struct {
	markdown *converter.Converter
	policy   *bluemonday.Policy
}

func newRenderer() *renderer {
	return &renderer{
		markdown: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

func (r *renderer) render(page, pageURL string, mode Mode) (string, error) {
	switch mode {
	case ModeText, "":
		return ExtractText(page)
	case ModeMarkdown:
		md, err := r.markdown.ConvertString(page, converter.WithDomain(pageURL))
		if err != nil {
			return "", fmt.Errorf("failed to convert page to markdown: %w", err)
		}
		return strings.TrimSpace(md), nil
	case ModeHTML:
		return r.policy.Sanitize(page), nil
	default:
		return "", fmt.Errorf("unknown fetch mode: %s", mode)
	}
}

// ExtractText returns the visible text of an HTML document. Entities are
// decoded, whitespace runs collapse to one space and block elements
// produce line breaks.
func ExtractText(page string) (string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var b strings.Builder
	var last byte
	write := func(s string) {
		b.WriteString(s)
		last = s[len(s)-1]
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skipTags[n.Data] {
				return
			}
		case html.TextNode:
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				if b.Len() > 0 && last != ' ' && last != '\n' {
					write(" ")
				}
				write(text)
			}
			return
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type == html.ElementNode && blockTags[n.Data] && b.Len() > 0 && last != '\n' {
			write("\n")
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}
