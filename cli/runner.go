// Command execution for CLI commands.
//
// Information Hiding:
// - Component wiring from settings hidden
// - Backend selection (storage, fetch, agreement) hidden
// - Output formatting hidden

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/richinex/urlverify/config"
	"github.com/richinex/urlverify/consensus"
	"github.com/richinex/urlverify/fetch"
	"github.com/richinex/urlverify/internal/logging"
	"github.com/richinex/urlverify/llm"
	"github.com/richinex/urlverify/model"
	"github.com/richinex/urlverify/server"
	"github.com/richinex/urlverify/storage"
	"github.com/richinex/urlverify/verifier"
	"go.uber.org/zap"
)

// DefaultProvider is used when neither --provider nor LLM_PROVIDER is set.
const DefaultProvider = "openai"

// Options holds CLI execution options.
type Options struct {
	Provider   string
	ConfigPath string
	Verbose    bool
}

// LoadSettings builds settings from the environment and the optional
// config file.
func LoadSettings(opts Options) (config.Settings, error) {
	provider := opts.Provider
	if provider == "" {
		provider = os.Getenv("LLM_PROVIDER")
	}
	if provider == "" {
		provider = DefaultProvider
	}

	settings, err := config.New(provider)
	if err != nil {
		return config.Settings{}, err
	}
	if opts.ConfigPath != "" {
		if err := config.LoadFile(opts.ConfigPath, &settings); err != nil {
			return config.Settings{}, err
		}
	}
	if opts.Verbose {
		settings.Log.Level = "debug"
	}
	return settings, nil
}

// Components is a wired verifier and the resources behind it.
type Components struct {
	Settings config.Settings
	Logger   *zap.Logger
	Log      storage.RecordLog
	Verifier *verifier.Verifier
	Hub      *server.Hub

	closers []func() error
}

// Close releases the fetcher and the record log.
func (c *Components) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	_ = c.Logger.Sync()
	return first
}

// Build wires every component described by settings. Commits are
// published on the returned hub.
func Build(ctx context.Context, settings config.Settings, logger *zap.Logger) (*Components, error) {
	c := &Components{Settings: settings, Logger: logger, Hub: server.NewHub()}

	log, err := OpenLog(ctx, settings.Storage)
	if err != nil {
		return nil, err
	}
	c.Log = log
	c.closers = append(c.closers, log.Close)

	provider, err := createProvider(settings)
	if err != nil {
		c.Close()
		return nil, err
	}
	client := llm.NewClient(provider)

	fetcher, closeFetcher := NewFetcher(settings.Fetch, logger)
	if closeFetcher != nil {
		c.closers = append(c.closers, closeFetcher)
	}

	c.Verifier = verifier.New(log, fetcher, client, NewAgreement(settings.Verifier, client, logger),
		verifier.WithLogger(logger),
		verifier.WithContentLimit(settings.Verifier.ContentLimit),
		verifier.WithCommitHook(c.Hub.Publish))

	logger.Debug("components ready",
		zap.String("provider", provider.Name()),
		zap.String("model", provider.Model()),
		zap.String("storage", settings.Storage.Driver),
		zap.String("fetch", settings.Fetch.Backend),
		zap.Int("validators", settings.Verifier.Validators))
	return c, nil
}

// OpenLog opens the configured record log.
func OpenLog(ctx context.Context, cfg config.StorageConfig) (storage.RecordLog, error) {
	switch cfg.Driver {
	case config.StorageMemory, "":
		return storage.NewMemoryLog(), nil
	case config.StorageRedis:
		return storage.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case config.StorageSqlite3, config.StorageSqlite, config.StoragePostgres:
		return storage.OpenSQL(cfg.Driver, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}

// NewFetcher creates the configured page fetcher. The returned close
// function is nil when the fetcher holds no resources.
func NewFetcher(cfg config.FetchConfig, logger *zap.Logger) (fetch.Fetcher, func() error) {
	if cfg.Backend == config.FetchBrowser {
		opts := []fetch.BrowserOption{fetch.WithBrowserLogger(logger)}
		if cfg.Timeout > 0 {
			opts = append(opts, fetch.WithBrowserTimeout(cfg.Timeout))
		}
		if cfg.ChromeURL != "" {
			opts = append(opts, fetch.WithControlURL(cfg.ChromeURL))
		}
		f := fetch.NewBrowserFetcher(opts...)
		return f, f.Close
	}

	opts := []fetch.HTTPOption{fetch.WithHTTPLogger(logger)}
	if cfg.Timeout > 0 {
		opts = append(opts, fetch.WithTimeout(cfg.Timeout))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, fetch.WithUserAgent(cfg.UserAgent))
	}
	return fetch.NewHTTPFetcher(opts...), nil
}

// NewAgreement creates the agreement step: the first result alone when no
// validators are configured, otherwise a comparative agreement whose
// divergent results are judged by the model.
func NewAgreement(cfg config.VerifierConfig, client *llm.Client, logger *zap.Logger) consensus.Agreement {
	if cfg.Validators <= 0 {
		return consensus.Leader{}
	}
	var judge consensus.Judge
	if client != nil {
		judge = consensus.NewLLMJudge(client)
	}
	return consensus.NewComparative(cfg.Validators, judge,
		consensus.WithMaxParallel(cfg.MaxParallel),
		consensus.WithLogger(logger))
}

// NewLogger builds the process logger from settings.
func NewLogger(settings config.Settings) (*zap.Logger, error) {
	return logging.New(settings.Log.Level, settings.Log.JSON)
}

// Serve runs the HTTP API until ctx is cancelled.
func Serve(ctx context.Context, addr string, opts Options) error {
	settings, err := LoadSettings(opts)
	if err != nil {
		return err
	}
	if addr != "" {
		settings.Server.Addr = addr
	}

	logger, err := NewLogger(settings)
	if err != nil {
		return err
	}

	c, err := Build(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	s := server.New(c.Verifier, c.Hub, server.WithLogger(logger))
	return s.ListenAndServe(ctx, settings.Server.Addr)
}

// Verify processes one URL and writes the record as JSON.
func Verify(ctx context.Context, url, query string, force bool, opts Options, w io.Writer) error {
	settings, err := LoadSettings(opts)
	if err != nil {
		return err
	}

	logger, err := NewLogger(settings)
	if err != nil {
		return err
	}

	c, err := Build(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	rec, err := c.Verifier.ProcessURL(ctx, url, query, force)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// List writes the stored records matching f as a table, or the category
// counts when summary is set.
func List(ctx context.Context, f verifier.Filter, summary bool, opts Options, w io.Writer) error {
	settings, err := LoadSettings(opts)
	if err != nil {
		return err
	}

	log, err := OpenLog(ctx, settings.Storage)
	if err != nil {
		return err
	}
	defer log.Close()

	// Listing never fetches, so no fetcher or model is wired
	v := verifier.New(log, nil, nil, nil)

	if summary {
		s, err := v.Summary(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "accessible:   %d\n", s.Accessible)
		fmt.Fprintf(w, "inaccessible: %d\n", s.Inaccessible)
		fmt.Fprintf(w, "no content:   %d\n", s.NoContent)
		fmt.Fprintf(w, "total:        %d\n", s.Total)
		return nil
	}

	records, err := v.Query(ctx, f)
	if err != nil {
		return err
	}
	printRecords(w, records)
	return nil
}

// ListProviders writes the supported provider names.
func ListProviders(w io.Writer) {
	fmt.Fprintln(w, "Supported providers:")
	for _, pt := range llm.AllProviders() {
		model, _ := config.ModelFor(pt.String())
		fmt.Fprintf(w, "  %-10s (default model: %s)\n", pt, model)
	}
}

func createProvider(settings config.Settings) (llm.Provider, error) {
	providerType, err := llm.ParseProviderType(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}

	apiKey, err := config.APIKeyFor(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}

	return providerType.
		Model(settings.LLM.Model).
		MaxTokens(settings.LLM.MaxTokens).
		Temperature(float32(settings.LLM.Temperature)).
		Build(apiKey)
}

func printRecords(w io.Writer, records []model.VerificationRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No verifications.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tCATEGORY\tSTATUS\tURL\tQUERY\tANSWER")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.Timestamp,
			verifier.Classify(rec),
			rec.StatusCode,
			rec.URL,
			truncateString(rec.Query, 40),
			truncateString(rec.ConciseAnswer, 60))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n(%d records)\n", len(records))
}

func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
