// HTTP page fetcher.
//
// Information Hiding:
// - HTTP client configuration and request headers hidden
// - Body size capped before parsing
// - Domain allowlist enforced on parsed host names

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single page request.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 10 << 20
	// DefaultUserAgent is sent with every request unless overridden.
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// HTTPFetcher fetches pages over plain HTTP without executing scripts.
type HTTPFetcher struct {
	client         *http.Client
	userAgent      string
	maxBodyBytes   int64
	allowedDomains []string
	logger         *zap.Logger
	renderer       *renderer
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) { f.client.Timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) { f.userAgent = ua }
}

// WithMaxBodyBytes caps the response body size.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) { f.maxBodyBytes = n }
}

// WithAllowedDomains restricts fetches to the given domains and their subdomains.
func WithAllowedDomains(domains ...string) HTTPOption {
	return func(f *HTTPFetcher) { f.allowedDomains = domains }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *zap.Logger) HTTPOption {
	return func(f *HTTPFetcher) { f.logger = l }
}

// NewHTTPFetcher creates a fetcher with the given options.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:       &http.Client{Timeout: DefaultTimeout},
		userAgent:    DefaultUserAgent,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       zap.NewNop(),
		renderer:     newRenderer(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves pageURL and renders it in the given mode.
// A non-2xx answer is reported as *StatusError.
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string, mode Mode) (string, error) {
	if !f.isDomainAllowed(pageURL) {
		return "", fmt.Errorf("access to domain in '%s' is not allowed", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("request timed out after %s: %w", f.client.Timeout, err)
		}
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	f.logger.Debug("fetched page",
		zap.String("url", pageURL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{URL: pageURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if !isHTML(resp.Header.Get("Content-Type"), body) {
		return string(body), nil
	}
	return f.renderer.render(string(body), pageURL, mode)
}

func isHTML(contentType string, body []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}

// isDomainAllowed checks if the URL's domain is in the allowlist.
// Uses proper URL parsing to prevent bypass attacks.
func (f *HTTPFetcher) isDomainAllowed(urlStr string) bool {
	if len(f.allowedDomains) == 0 {
		return true
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	host := u.Hostname()
	for _, domain := range f.allowedDomains {
		// Exact match or subdomain match
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// Verify HTTPFetcher implements Fetcher
var _ Fetcher = (*HTTPFetcher)(nil)
