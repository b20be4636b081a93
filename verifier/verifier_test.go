package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richinex/urlverify/consensus"
	"github.com/richinex/urlverify/fetch"
	"github.com/richinex/urlverify/llm"
	"github.com/richinex/urlverify/model"
	"github.com/richinex/urlverify/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, which starts a view worker at init
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	errs    map[string]error
	calls   atomic.Int32
	release chan struct{}
	panics  bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, mode fetch.Mode) (string, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("renderer crashed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return "", err
	}
	return f.pages[url], nil
}

type fakeAsker struct {
	mu      sync.Mutex
	answer  map[string]any
	err     error
	prompts []string
	format  *llm.ResponseFormat
}

func (a *fakeAsker) Ask(ctx context.Context, prompt string, format *llm.ResponseFormat) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
	a.format = format
	if !format.IsJSON() {
		return nil, errors.New("expected a JSON response format")
	}
	return a.answer, a.err
}

type agreementFunc func(ctx context.Context, produce consensus.Producer, principle string) (string, error)

func (f agreementFunc) Agree(ctx context.Context, produce consensus.Producer, principle string) (string, error) {
	return f(ctx, produce, principle)
}

type fixture struct {
	verifier *Verifier
	log      *storage.MemoryLog
	fetcher  *fakeFetcher
	asker    *fakeAsker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		log: storage.NewMemoryLog(),
		fetcher: &fakeFetcher{
			pages: map[string]string{
				"https://example.com":        "Example Domain. Price: $85,000.",
				"https://shop.example.com/p": "Widget costs 12 EUR.",
				"http://plain.example.com":   "Plain HTTP page.",
			},
			errs: map[string]error{},
		},
		asker: &fakeAsker{answer: map[string]any{
			"content_found":  true,
			"concise_answer": "$85,000",
			"analysis":       "The page lists the price.",
		}},
	}
	clock := func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	f.verifier = New(f.log, f.fetcher, f.asker, nil, append([]Option{WithClock(clock)}, opts...)...)
	return f
}

func (f *fixture) len(t *testing.T) int {
	t.Helper()
	n, err := f.log.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "https://example.com"},
		{" http://x.com ", "http://x.com"},
		{"https://y.com", "https://y.com"},
		{"\texample.com/path?q=1\n", "https://example.com/path?q=1"},
		{"ftp://files.example.com", "https://ftp://files.example.com"},
		{"HTTPS://upper.com", "https://HTTPS://upper.com"},
		{"", "https://"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestProcessURLEmptyQuery(t *testing.T) {
	f := newFixture(t)

	rec, err := f.verifier.ProcessURL(context.Background(), "example.com", "", false)
	require.NoError(t, err)

	assert.Equal(t, model.VerificationRecord{
		URL:           "https://example.com",
		Timestamp:     "2026-03-04T05:06:07Z",
		StatusCode:    200,
		IsAccessible:  true,
		ErrorMessage:  "",
		Query:         "",
		ContentFound:  true,
		ConciseAnswer: "Page accessible",
		Analysis:      "URL is accessible and content was retrieved.",
	}, rec)
	assert.Empty(t, f.asker.prompts, "no model call for an accessibility check")
}

func TestProcessURLWithQuery(t *testing.T) {
	f := newFixture(t)

	rec, err := f.verifier.ProcessURL(context.Background(), "example.com", "What is the price?", false)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.StatusCode)
	assert.True(t, rec.IsAccessible)
	assert.True(t, rec.ContentFound)
	assert.Equal(t, "$85,000", rec.ConciseAnswer)
	assert.Equal(t, "The page lists the price.", rec.Analysis)
	assert.Equal(t, "What is the price?", rec.Query)

	require.Len(t, f.asker.prompts, 1)
	assert.Contains(t, f.asker.prompts[0], "'What is the price?'")
	assert.Contains(t, f.asker.prompts[0], "Example Domain. Price: $85,000.")
}

func TestProcessURLAnswerDefaults(t *testing.T) {
	tests := []struct {
		name   string
		answer map[string]any
		want   model.Outcome
	}{
		{
			name:   "empty answer",
			answer: map[string]any{},
			want:   model.Outcome{StatusCode: 200, IsAccessible: true, ContentFound: false, ConciseAnswer: "Not found", Analysis: ""},
		},
		{
			name:   "null fields",
			answer: map[string]any{"content_found": nil, "concise_answer": nil, "analysis": nil},
			want:   model.Outcome{StatusCode: 200, IsAccessible: true, ContentFound: false, ConciseAnswer: "Not found", Analysis: ""},
		},
		{
			name:   "loosely typed fields",
			answer: map[string]any{"content_found": "true", "concise_answer": float64(85000), "analysis": []any{"a", "b"}},
			want:   model.Outcome{StatusCode: 200, IsAccessible: true, ContentFound: true, ConciseAnswer: "85000", Analysis: `["a","b"]`},
		},
		{
			name:   "extra fields ignored",
			answer: map[string]any{"content_found": false, "concise_answer": "Not found", "confidence": 0.2},
			want:   model.Outcome{StatusCode: 200, IsAccessible: true, ContentFound: false, ConciseAnswer: "Not found", Analysis: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.asker.answer = tt.answer

			rec, err := f.verifier.ProcessURL(context.Background(), "example.com", "price?", false)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Record(rec.Key(), rec.Timestamp), rec)
		})
	}
}

func TestProcessURLCacheHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.verifier.ProcessURL(ctx, "example.com", "price?", false)
	require.NoError(t, err)

	f.asker.answer = map[string]any{"content_found": false}
	second, err := f.verifier.ProcessURL(model.WithCallTime(ctx, "2030-01-01T00:00:00Z"), " https://example.com ", "price?", false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
	assert.Equal(t, 1, f.len(t))
}

func TestProcessURLForceRefreshReplacesInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.verifier.ProcessURL(ctx, "example.com", "price?", false)
	require.NoError(t, err)
	_, err = f.verifier.ProcessURL(ctx, "shop.example.com/p", "price?", false)
	require.NoError(t, err)

	f.asker.answer = map[string]any{"content_found": true, "concise_answer": "$90,000", "analysis": "updated"}
	refreshed, err := f.verifier.ProcessURL(model.WithCallTime(ctx, "2026-05-01T00:00:00Z"), "example.com", "price?", true)
	require.NoError(t, err)
	assert.Equal(t, "$90,000", refreshed.ConciseAnswer)
	assert.Equal(t, "2026-05-01T00:00:00Z", refreshed.Timestamp)

	records, err := f.verifier.Verifications(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, refreshed, records[0])
	assert.Equal(t, "https://shop.example.com/p", records[1].URL)
}

func TestProcessURLDistinctQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, q := range []string{"price?", "Price?", "", "price?"} {
		_, err := f.verifier.ProcessURL(ctx, "example.com", q, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.len(t), "queries are matched exactly")
}

func TestProcessURLFailureStatusSniffing(t *testing.T) {
	tests := []struct {
		errText string
		want    int
	}{
		{"HTTP 404 Not Found for url: https://example.com", 404},
		{"HTTP 403 Forbidden", 403},
		{"upstream said 503 after 404", 404},
		{"codes 502 and 500", 500},
		{"HTTP 502 Bad Gateway", 502},
		{"HTTP 503 Service Unavailable", 503},
		{"dial tcp: lookup example.com: no such host", 0},
		{"HTTP 410 Gone", 0},
	}

	for _, tt := range tests {
		t.Run(tt.errText, func(t *testing.T) {
			f := newFixture(t)
			f.fetcher.errs["https://example.com"] = errors.New(tt.errText)

			rec, err := f.verifier.ProcessURL(context.Background(), "example.com", "price?", false)
			require.NoError(t, err)

			assert.Equal(t, tt.want, rec.StatusCode)
			assert.False(t, rec.IsAccessible)
			assert.False(t, rec.ContentFound)
			assert.Equal(t, "Error", rec.ConciseAnswer)
			assert.Equal(t, "", rec.Analysis)
			assert.Equal(t, tt.errText, rec.ErrorMessage)
			assert.Equal(t, 1, f.len(t), "failures are stored as records")
		})
	}
}

func TestProcessURLStatusErrorFromFetcher(t *testing.T) {
	f := newFixture(t)
	f.fetcher.errs["https://example.com"] = &fetch.StatusError{URL: "https://example.com", StatusCode: 404, Status: "404 Not Found"}

	rec, err := f.verifier.ProcessURL(context.Background(), "example.com", "", false)
	require.NoError(t, err)
	assert.Equal(t, 404, rec.StatusCode)
	assert.Contains(t, rec.ErrorMessage, "404 Not Found")
}

func TestProcessURLAskFailure(t *testing.T) {
	f := newFixture(t)
	f.asker.err = errors.New("model returned 500 internal error")

	rec, err := f.verifier.ProcessURL(context.Background(), "example.com", "price?", false)
	require.NoError(t, err)
	assert.False(t, rec.IsAccessible)
	assert.Equal(t, 500, rec.StatusCode)
	assert.Equal(t, "Error", rec.ConciseAnswer)
}

func TestProcessURLPanicCaptured(t *testing.T) {
	f := newFixture(t)
	f.fetcher.panics = true

	rec, err := f.verifier.ProcessURL(context.Background(), "example.com", "", false)
	require.NoError(t, err)
	assert.False(t, rec.IsAccessible)
	assert.Equal(t, 0, rec.StatusCode)
	assert.Contains(t, rec.ErrorMessage, "renderer crashed")
}

func TestProcessURLContentTruncation(t *testing.T) {
	f := newFixture(t)
	f.fetcher.pages["https://example.com"] = strings.Repeat("é", 12000)

	_, err := f.verifier.ProcessURL(context.Background(), "example.com", "accents?", false)
	require.NoError(t, err)

	require.Len(t, f.asker.prompts, 1)
	assert.Equal(t, DefaultContentLimit, strings.Count(f.asker.prompts[0], "é"))
}

func TestProcessURLAgreementFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original, err := f.verifier.ProcessURL(ctx, "example.com", "price?", false)
	require.NoError(t, err)

	failing := New(f.log, f.fetcher, f.asker, agreementFunc(func(ctx context.Context, produce consensus.Producer, principle string) (string, error) {
		if _, err := produce(ctx); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: validators disagreed", consensus.ErrNoAgreement)
	}))

	_, err = failing.ProcessURL(ctx, "example.com", "price?", true)
	require.Error(t, err)
	assert.True(t, IsAgreementFailure(err))

	_, err = failing.ProcessURL(ctx, "new.example.com", "", false)
	require.Error(t, err)

	records, err := f.verifier.Verifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.VerificationRecord{original}, records)
}

func TestProcessURLMalformedAgreedValue(t *testing.T) {
	const full = `{"status_code": 200, "is_accessible": true, "error_message": "", "content_found": true, "concise_answer": "42", "analysis": "a"}`
	malformed := []string{
		"not json",
		"{}",
		`{"status_code": 200}`,
		`{"status_code": -1, "is_accessible": true, "error_message": "", "content_found": true, "concise_answer": "42", "analysis": "a"}`,
		`{"status_code": 200, "is_accessible": true, "error_message": "", "content_found": true, "concise_answer": "42", "analysis": "a", "unexpected": 1}`,
		full + ` {"status_code": 500}`,
		full + " trailing",
	}
	for _, agreed := range malformed {
		t.Run(agreed, func(t *testing.T) {
			log := storage.NewMemoryLog()
			v := New(log, &fakeFetcher{}, &fakeAsker{}, agreementFunc(func(ctx context.Context, produce consensus.Producer, principle string) (string, error) {
				return agreed, nil
			}))

			_, err := v.ProcessURL(context.Background(), "example.com", "", false)
			require.Error(t, err)
			assert.False(t, IsAgreementFailure(err))

			n, _ := log.Len(context.Background())
			assert.Equal(t, 0, n)
		})
	}
}

func TestProcessURLRequestsAnswerSchema(t *testing.T) {
	f := newFixture(t)

	_, err := f.verifier.ProcessURL(context.Background(), "example.com", "price?", false)
	require.NoError(t, err)

	require.NotNil(t, f.asker.format)
	assert.Equal(t, llm.ResponseFormatJSONSchema, f.asker.format.Type)
	require.NotNil(t, f.asker.format.JSONSchema)

	var schema struct {
		Required             []string `json:"required"`
		AdditionalProperties bool     `json:"additionalProperties"`
	}
	require.NoError(t, json.Unmarshal(f.asker.format.JSONSchema.Schema, &schema))
	assert.ElementsMatch(t, []string{"content_found", "concise_answer", "analysis"}, schema.Required)
	assert.False(t, schema.AdditionalProperties)
}

func TestDecodeOutcome(t *testing.T) {
	o, err := decodeOutcome(`  {"status_code": 404, "is_accessible": false, "error_message": "HTTP 404", "content_found": false, "concise_answer": "Not found", "analysis": ""}` + "\n")
	require.NoError(t, err)
	assert.Equal(t, model.Outcome{StatusCode: 404, ErrorMessage: "HTTP 404", ConciseAnswer: "Not found"}, o)

	_, err = decodeOutcome(`{"status_code": 200, "is_accessible": true, "error_message": "", "content_found": true, "analysis": ""}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concise_answer")
}

func TestProcessURLPrinciple(t *testing.T) {
	var got string
	v := New(storage.NewMemoryLog(), &fakeFetcher{}, &fakeAsker{}, agreementFunc(func(ctx context.Context, produce consensus.Producer, principle string) (string, error) {
		got = principle
		return produce(ctx)
	}))

	_, err := v.ProcessURL(context.Background(), "example.com", "", false)
	require.NoError(t, err)
	assert.Equal(t, Principle, got)
}

func TestProcessURLWithComparativeAgreement(t *testing.T) {
	f := newFixture(t)
	v := New(f.log, f.fetcher, f.asker, consensus.NewComparative(2, nil))

	rec, err := v.ProcessURL(context.Background(), "example.com", "price?", false)
	require.NoError(t, err)
	assert.Equal(t, "$85,000", rec.ConciseAnswer)
	assert.Equal(t, int32(3), f.fetcher.calls.Load(), "leader plus two validators")
}

func TestProcessURLConcurrentSameKey(t *testing.T) {
	f := newFixture(t)
	f.fetcher.release = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]model.VerificationRecord, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.verifier.ProcessURL(context.Background(), "example.com", "price?", false)
		}(i)
	}

	// Let every caller reach the shared flight before the fetch completes
	time.Sleep(50 * time.Millisecond)
	close(f.fetcher.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 1, f.len(t))
}

func TestProcessURLKeysWithEmbeddedNUL(t *testing.T) {
	f := newFixture(t)
	f.fetcher.release = make(chan struct{})

	pairs := []model.RecordKey{
		{URL: "https://a\x00b", Query: "c"},
		{URL: "https://a", Query: "b\x00c"},
	}
	var wg sync.WaitGroup
	results := make([]model.VerificationRecord, len(pairs))
	errs := make([]error, len(pairs))
	for i, p := range pairs {
		wg.Add(1)
		go func(i int, p model.RecordKey) {
			defer wg.Done()
			results[i], errs[i] = f.verifier.ProcessURL(context.Background(), p.URL, p.Query, false)
		}(i, p)
	}

	time.Sleep(50 * time.Millisecond)
	close(f.fetcher.release)
	wg.Wait()

	for i, p := range pairs {
		require.NoError(t, errs[i])
		assert.Equal(t, p, results[i].Key())
	}
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
	assert.Equal(t, 2, f.len(t))
}

type flakyLog struct {
	*storage.MemoryLog
	finds   atomic.Int32
	failAt  int32
	findErr error
}

func (l *flakyLog) Find(ctx context.Context, key model.RecordKey) (model.VerificationRecord, int, bool, error) {
	if l.finds.Add(1) == l.failAt {
		return model.VerificationRecord{}, -1, false, l.findErr
	}
	return l.MemoryLog.Find(ctx, key)
}

func TestProcessURLLookupErrorInsideFlight(t *testing.T) {
	boom := errors.New("connection reset")
	log := &flakyLog{MemoryLog: storage.NewMemoryLog(), failAt: 2, findErr: boom}
	fetcher := &fakeFetcher{}
	v := New(log, fetcher, &fakeAsker{}, nil)

	_, err := v.ProcessURL(context.Background(), "example.com", "", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsAgreementFailure(err))
	assert.Equal(t, int32(0), fetcher.calls.Load())

	n, _ := log.Len(context.Background())
	assert.Equal(t, 0, n)
}

func TestProcessURLCommitHook(t *testing.T) {
	var commits []Commit
	f := newFixture(t, WithCommitHook(func(c Commit) { commits = append(commits, c) }))
	ctx := context.Background()

	_, err := f.verifier.ProcessURL(ctx, "example.com", "", false)
	require.NoError(t, err)
	_, err = f.verifier.ProcessURL(ctx, "example.com", "", false)
	require.NoError(t, err)
	_, err = f.verifier.ProcessURL(ctx, "example.com", "", true)
	require.NoError(t, err)

	require.Len(t, commits, 2, "cache hits do not commit")
	assert.False(t, commits[0].Replaced)
	assert.True(t, commits[1].Replaced)
	assert.Equal(t, 0, commits[1].Index)
}

func TestProcessURLCallTimestamp(t *testing.T) {
	f := newFixture(t)

	rec, err := f.verifier.ProcessURL(model.WithCallTime(context.Background(), "2026-07-08 09:10:11"), "example.com", "", false)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-08 09:10:11", rec.Timestamp)
}

func TestLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.verifier.Lookup(ctx, "example.com", "")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	stored, err := f.verifier.ProcessURL(ctx, "example.com", "", false)
	require.NoError(t, err)

	got, err := f.verifier.Lookup(ctx, "https://example.com", "")
	require.NoError(t, err)
	assert.Equal(t, stored, got)
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "日本", truncateRunes("日本語", 2))
	assert.Equal(t, "abc", truncateRunes("abc", 0))
}
