// Headless browser page fetcher.
//
// Information Hiding:
// - Chrome launch or remote connection managed lazily
// - Pages opened with stealth patches applied
// - Main document status captured from network events

package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// BrowserFetcher renders pages in headless Chrome, so script-built
// content is visible.
type BrowserFetcher struct {
	controlURL string
	timeout    time.Duration
	logger     *zap.Logger
	renderer   *renderer

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// BrowserOption configures a BrowserFetcher.
type BrowserOption func(*BrowserFetcher)

// WithControlURL connects to a running Chrome instead of launching one.
func WithControlURL(u string) BrowserOption {
	return func(f *BrowserFetcher) { f.controlURL = u }
}

// WithBrowserTimeout bounds navigation and load of one page.
func WithBrowserTimeout(d time.Duration) BrowserOption {
	return func(f *BrowserFetcher) { f.timeout = d }
}

// WithBrowserLogger sets the logger.
func WithBrowserLogger(l *zap.Logger) BrowserOption {
	return func(f *BrowserFetcher) { f.logger = l }
}

// NewBrowserFetcher creates a fetcher. Chrome is started on first use.
func NewBrowserFetcher(opts ...BrowserOption) *BrowserFetcher {
	f := &BrowserFetcher{
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
		renderer: newRenderer(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *BrowserFetcher) connect() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		return f.browser, nil
	}

	wsURL := f.controlURL
	if wsURL == "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		f.launcher = l
		f.logger.Info("browser: launched local chrome", zap.String("url", wsURL))
	} else {
		f.logger.Info("browser: connecting to remote", zap.String("url", wsURL))
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	f.browser = b
	return b, nil
}

// Fetch opens pageURL in a new tab, waits for load and renders the
// resulting DOM. A main document status of 400 or more is reported as
// *StatusError.
func (f *BrowserFetcher) Fetch(ctx context.Context, pageURL string, mode Mode) (string, error) {
	b, err := f.connect()
	if err != nil {
		return "", err
	}

	tab, err := stealth.Page(b)
	if err != nil {
		return "", fmt.Errorf("browser: create tab: %w", err)
	}
	defer tab.Close()

	pageCtx, cancel := context.WithTimeout(ctx, f.timeout)
	page := tab.Context(pageCtx)

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		cancel()
		return "", fmt.Errorf("browser: enable network events: %w", err)
	}

	var status atomic.Int64
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		status.Store(int64(e.Response.Status))
		return true
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	stop := func() {
		cancel()
		<-done
	}

	if err := page.Navigate(pageURL); err != nil {
		stop()
		return "", fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		f.logger.Warn("browser: wait load", zap.String("url", pageURL), zap.Error(err))
	}

	if code := int(status.Load()); code >= 400 {
		stop()
		return "", &StatusError{URL: pageURL, StatusCode: code, Status: fmt.Sprintf("%d %s", code, http.StatusText(code))}
	}

	script := `() => document.documentElement.outerHTML`
	if mode == ModeText || mode == "" {
		script = `() => document.body ? document.body.innerText : ""`
	}
	res, err := page.Eval(script)
	stop()
	if err != nil {
		return "", fmt.Errorf("browser: read page: %w", err)
	}

	content := res.Value.Str()
	if mode == ModeText || mode == "" {
		return content, nil
	}
	return f.renderer.render(content, pageURL, mode)
}

// Close shuts down the browser and any Chrome process this fetcher started.
func (f *BrowserFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	if f.launcher != nil {
		f.launcher.Kill()
		f.launcher = nil
	}
	return err
}

// Verify BrowserFetcher implements Fetcher
var _ Fetcher = (*BrowserFetcher)(nil)
