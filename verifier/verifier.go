// Package verifier checks URL accessibility and answers queries about page
// content, keeping one record per (URL, query) pair.
//
// Information Hiding:
// - Fetch, understanding and agreement collaborators injected as interfaces
// - Record commit resolves the key atomically through the record log
// - Concurrent calls for the same key share one agreement round

package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richinex/urlverify/consensus"
	"github.com/richinex/urlverify/fetch"
	"github.com/richinex/urlverify/llm"
	"github.com/richinex/urlverify/model"
	"github.com/richinex/urlverify/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Asker answers a prompt with a decoded JSON object.
type Asker interface {
	Ask(ctx context.Context, prompt string, format *llm.ResponseFormat) (map[string]any, error)
}

// Commit describes a record written by ProcessURL.
type Commit struct {
	Record   model.VerificationRecord `json:"record"`
	Index    int                      `json:"index"`
	Replaced bool                     `json:"replaced"`
}

// Verifier implements the verification operations over a record log.
type Verifier struct {
	log          storage.RecordLog
	fetcher      fetch.Fetcher
	asker        Asker
	agreement    consensus.Agreement
	logger       *zap.Logger
	now          func() time.Time
	contentLimit int
	onCommit     []func(Commit)
	group        singleflight.Group
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithClock sets the clock used when a call carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithContentLimit sets how many characters of page text reach the model.
func WithContentLimit(n int) Option {
	return func(v *Verifier) { v.contentLimit = n }
}

// WithCommitHook registers fn to run after every committed record.
func WithCommitHook(fn func(Commit)) Option {
	return func(v *Verifier) { v.onCommit = append(v.onCommit, fn) }
}

// New creates a Verifier. A nil agreement runs the verification step once.
func New(log storage.RecordLog, fetcher fetch.Fetcher, asker Asker, agreement consensus.Agreement, opts ...Option) *Verifier {
	if agreement == nil {
		agreement = consensus.Leader{}
	}
	v := &Verifier{
		log:          log,
		fetcher:      fetcher,
		asker:        asker,
		agreement:    agreement,
		logger:       zap.NewNop(),
		now:          time.Now,
		contentLimit: DefaultContentLimit,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ProcessURL returns the record for (url, query). An existing record is
// returned unchanged unless forceRefresh is set; otherwise the page is
// verified through the agreement step and the result is stored in place
// of the old record or appended.
//
// Fetch and model failures are stored as ordinary records. An agreement
// failure is returned as an error and nothing is stored.
func (v *Verifier) ProcessURL(ctx context.Context, url, query string, forceRefresh bool) (model.VerificationRecord, error) {
	key := model.RecordKey{URL: NormalizeURL(url), Query: query}

	existing, _, ok, err := v.log.Find(ctx, key)
	if err != nil {
		return model.VerificationRecord{}, fmt.Errorf("failed to look up record: %w", err)
	}
	if ok && !forceRefresh {
		v.logger.Debug("record cache hit", zap.String("url", key.URL), zap.String("query", key.Query))
		return existing, nil
	}

	timestamp := model.CallTimestamp(ctx, v.now)
	flight := flightKey(key, forceRefresh)
	res, err, shared := v.group.Do(flight, func() (interface{}, error) {
		return v.verify(ctx, key, timestamp, forceRefresh)
	})
	if err != nil {
		return model.VerificationRecord{}, err
	}
	if shared {
		v.logger.Debug("joined in-flight verification", zap.String("url", key.URL))
	}
	return res.(model.VerificationRecord), nil
}

func (v *Verifier) verify(ctx context.Context, key model.RecordKey, timestamp string, forceRefresh bool) (model.VerificationRecord, error) {
	if !forceRefresh {
		// Another call may have committed the key since the first lookup
		rec, _, ok, err := v.log.Find(ctx, key)
		if err != nil {
			return model.VerificationRecord{}, fmt.Errorf("failed to look up record: %w", err)
		}
		if ok {
			return rec, nil
		}
	}

	callID := uuid.NewString()
	logger := v.logger.With(
		zap.String("call_id", callID),
		zap.String("url", key.URL),
		zap.String("query", key.Query))
	logger.Info("verifying url", zap.Bool("force_refresh", forceRefresh))

	start := time.Now()
	agreed, err := v.agreement.Agree(ctx, v.producer(key), Principle)
	if err != nil {
		logger.Warn("verification not agreed", zap.Error(err))
		return model.VerificationRecord{}, fmt.Errorf("verification of %s failed: %w", key.URL, err)
	}
	if err := ctx.Err(); err != nil {
		return model.VerificationRecord{}, fmt.Errorf("verification of %s cancelled: %w", key.URL, err)
	}

	outcome, err := decodeOutcome(agreed)
	if err != nil {
		logger.Error("agreed result rejected", zap.Error(err))
		return model.VerificationRecord{}, err
	}

	rec := outcome.Record(key, timestamp)
	index, replaced, err := v.log.Upsert(ctx, rec)
	if err != nil {
		return model.VerificationRecord{}, fmt.Errorf("failed to store record: %w", err)
	}

	logger.Info("verification committed",
		zap.Int("index", index),
		zap.Bool("replaced", replaced),
		zap.Int("status_code", rec.StatusCode),
		zap.Bool("accessible", rec.IsAccessible),
		zap.Duration("elapsed", time.Since(start)))

	commit := Commit{Record: rec, Index: index, Replaced: replaced}
	for _, fn := range v.onCommit {
		fn(commit)
	}
	return rec, nil
}

// flightKey separates forced and unforced calls on the same key. The flag
// is a fixed-width prefix, so flight keys inherit the key's uniqueness.
func flightKey(key model.RecordKey, forceRefresh bool) string {
	if forceRefresh {
		return "F" + key.String()
	}
	return "C" + key.String()
}

// producer returns the verification step run by the agreement primitive.
// It never fails: every problem is captured in the outcome.
func (v *Verifier) producer(key model.RecordKey) consensus.Producer {
	return func(ctx context.Context) (string, error) {
		return encodeOutcome(v.attempt(ctx, key))
	}
}

func (v *Verifier) attempt(ctx context.Context, key model.RecordKey) (outcome model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("verification step panicked", zap.String("url", key.URL), zap.Any("panic", r))
			outcome = failureOutcome(fmt.Errorf("panic: %v", r))
		}
	}()

	content, err := v.fetcher.Fetch(ctx, key.URL, fetch.ModeText)
	if err != nil {
		return failureOutcome(err)
	}
	if key.Query == "" {
		return accessibleOutcome()
	}

	prompt := buildPrompt(key.Query, truncateRunes(content, v.contentLimit))
	answer, err := v.asker.Ask(ctx, prompt, answerFormat())
	if err != nil {
		return failureOutcome(err)
	}
	return answerOutcome(answer)
}

// Verifications returns every record in stored order.
func (v *Verifier) Verifications(ctx context.Context) ([]model.VerificationRecord, error) {
	records, err := v.log.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

// Lookup returns the stored record for (url, query) without fetching.
// storage.ErrNotFound is returned when there is none.
func (v *Verifier) Lookup(ctx context.Context, url, query string) (model.VerificationRecord, error) {
	key := model.RecordKey{URL: NormalizeURL(url), Query: query}
	rec, _, ok, err := v.log.Find(ctx, key)
	if err != nil {
		return model.VerificationRecord{}, fmt.Errorf("failed to look up record: %w", err)
	}
	if !ok {
		return model.VerificationRecord{}, fmt.Errorf("%s (query %q): %w", key.URL, key.Query, storage.ErrNotFound)
	}
	return rec, nil
}

// IsAgreementFailure reports whether err came from the agreement step.
func IsAgreementFailure(err error) bool {
	return errors.Is(err, consensus.ErrNoAgreement)
}
