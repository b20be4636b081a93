// Package model provides domain types shared across packages.
package model

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// VerificationRecord is the outcome of checking one URL, optionally
// against one query. At most one record exists per (URL, Query) pair.
type VerificationRecord struct {
	URL           string `json:"url"`
	Timestamp     string `json:"timestamp"`
	StatusCode    int    `json:"status_code"`
	IsAccessible  bool   `json:"is_accessible"`
	ErrorMessage  string `json:"error_message"`
	Query         string `json:"query"`
	ContentFound  bool   `json:"content_found"`
	ConciseAnswer string `json:"concise_answer"`
	Analysis      string `json:"analysis"`
}

// Key returns the identity of the record.
func (r VerificationRecord) Key() RecordKey {
	return RecordKey{URL: r.URL, Query: r.Query}
}

// RecordKey identifies a record by normalized URL and exact query text.
type RecordKey struct {
	URL   string
	Query string
}

// String returns the canonical string form. The URL is length-prefixed,
// so distinct keys never share a string regardless of the bytes either
// part contains.
func (k RecordKey) String() string {
	return strconv.Itoa(len(k.URL)) + ":" + k.URL + k.Query
}

// Hash returns a fixed-width hex digest of the key, used as the unique
// key column by persistent backends.
func (k RecordKey) Hash() string {
	return strconv.FormatUint(xxhash.Sum64String(k.String()), 16)
}

// Outcome is the serialized result of a single verification attempt,
// the value the agreement step reconciles.
type Outcome struct {
	StatusCode    int    `json:"status_code"`
	IsAccessible  bool   `json:"is_accessible"`
	ErrorMessage  string `json:"error_message"`
	ContentFound  bool   `json:"content_found"`
	ConciseAnswer string `json:"concise_answer"`
	Analysis      string `json:"analysis"`
}

// Record combines an outcome with the identity and timestamp of the call.
func (o Outcome) Record(key RecordKey, timestamp string) VerificationRecord {
	return VerificationRecord{
		URL:           key.URL,
		Timestamp:     timestamp,
		StatusCode:    o.StatusCode,
		IsAccessible:  o.IsAccessible,
		ErrorMessage:  o.ErrorMessage,
		Query:         key.Query,
		ContentFound:  o.ContentFound,
		ConciseAnswer: o.ConciseAnswer,
		Analysis:      o.Analysis,
	}
}

// TimestampLayout is the format of timestamps produced locally.
const TimestampLayout = time.RFC3339

type callTimeKey struct{}

// WithCallTime attaches the caller-supplied call timestamp to ctx.
func WithCallTime(ctx context.Context, timestamp string) context.Context {
	return context.WithValue(ctx, callTimeKey{}, timestamp)
}

// CallTime returns the timestamp attached with WithCallTime.
func CallTime(ctx context.Context) (string, bool) {
	ts, ok := ctx.Value(callTimeKey{}).(string)
	return ts, ok && ts != ""
}

// CallTimestamp returns the call timestamp from ctx, falling back to
// now() formatted in UTC.
func CallTimestamp(ctx context.Context, now func() time.Time) string {
	if ts, ok := CallTime(ctx); ok {
		return ts
	}
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a record timestamp. Both RFC 3339 and the
// space-separated ISO form are accepted.
func ParseTimestamp(ts string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
