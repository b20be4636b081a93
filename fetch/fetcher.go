// Package fetch retrieves and renders web page content.
//
// Information Hiding:
// - Transport (plain HTTP or headless browser) hidden behind Fetcher
// - HTML to text/markdown conversion and sanitizing encapsulated
// - HTTP status failures reported with the numeric code in the error text

package fetch

import (
	"context"
	"fmt"
	"strings"
)

// Mode selects the representation of the fetched page.
type Mode string

const (
	// ModeText returns visible text with block elements on separate lines.
	ModeText Mode = "text"
	// ModeMarkdown returns the page converted to CommonMark.
	ModeMarkdown Mode = "markdown"
	// ModeHTML returns sanitized HTML.
	ModeHTML Mode = "html"
)

// ParseMode parses a mode name (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeText, "":
		return ModeText, nil
	case ModeMarkdown, "md":
		return ModeMarkdown, nil
	case ModeHTML:
		return ModeHTML, nil
	default:
		return "", fmt.Errorf("unknown fetch mode: %s", s)
	}
}

// Fetcher retrieves the content of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, mode Mode) (string, error)
}

// StatusError reports a page that answered with a non-success status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %s for url: %s", status, e.URL)
}
