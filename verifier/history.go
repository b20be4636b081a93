package verifier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/richinex/urlverify/internal/dsa"
	"github.com/richinex/urlverify/model"
)

// Category groups records by result.
type Category string

const (
	// CategoryAccessible: reachable, and the query (if any) was answered.
	CategoryAccessible Category = "accessible"
	// CategoryInaccessible: the page could not be retrieved or analysed.
	CategoryInaccessible Category = "inaccessible"
	// CategoryNoContent: reachable, but the answer was not in the content.
	CategoryNoContent Category = "no-content"
)

// ParseCategory parses a category name. The empty string means no filter.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CategoryAccessible, CategoryInaccessible, CategoryNoContent:
		return c, nil
	case "error", "web-error":
		return CategoryInaccessible, nil
	default:
		return "", fmt.Errorf("unknown category: %s", s)
	}
}

// Classify returns the category of rec.
func Classify(rec model.VerificationRecord) Category {
	switch {
	case !rec.IsAccessible:
		return CategoryInaccessible
	case rec.Query != "" && !rec.ContentFound:
		return CategoryNoContent
	default:
		return CategoryAccessible
	}
}

// Summary counts records per category.
type Summary struct {
	Accessible   int `json:"accessible"`
	Inaccessible int `json:"inaccessible"`
	NoContent    int `json:"no_content"`
	Total        int `json:"total"`
}

// Summarize counts records per category.
func Summarize(records []model.VerificationRecord) Summary {
	var s Summary
	for _, rec := range records {
		switch Classify(rec) {
		case CategoryAccessible:
			s.Accessible++
		case CategoryInaccessible:
			s.Inaccessible++
		case CategoryNoContent:
			s.NoContent++
		}
	}
	s.Total = len(records)
	return s
}

// Summary counts stored records per category.
func (v *Verifier) Summary(ctx context.Context) (Summary, error) {
	records, err := v.Verifications(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(records), nil
}

// Filter selects records. Zero values select everything.
type Filter struct {
	Category    Category
	Search      string // case-insensitive substring of url, query, answer or analysis
	URLPrefix   string // scheme-insensitive URL prefix
	NewestFirst bool
	Limit       int
}

// Apply returns the records matching f. Stored order is kept unless
// NewestFirst is set.
func (f Filter) Apply(records []model.VerificationRecord) []model.VerificationRecord {
	candidates := records
	if f.URLPrefix != "" {
		idx := dsa.NewURLIndex()
		for i, rec := range records {
			idx.Add(rec.URL, i)
		}
		positions := idx.Positions(f.URLPrefix)
		candidates = make([]model.VerificationRecord, 0, len(positions))
		for _, i := range positions {
			candidates = append(candidates, records[i])
		}
	}

	needle := strings.ToLower(strings.TrimSpace(f.Search))
	out := []model.VerificationRecord{}
	for _, rec := range candidates {
		if f.Category != "" && Classify(rec) != f.Category {
			continue
		}
		if needle != "" && !matches(rec, needle) {
			continue
		}
		out = append(out, rec)
	}

	if f.NewestFirst {
		sortNewestFirst(out)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func matches(rec model.VerificationRecord, needle string) bool {
	for _, field := range []string{rec.URL, rec.Query, rec.ConciseAnswer, rec.Analysis} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// sortNewestFirst orders records by timestamp, newest first. Records with
// unparsable timestamps go last; ties keep stored order.
func sortNewestFirst(records []model.VerificationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		ti, okI := model.ParseTimestamp(records[i].Timestamp)
		tj, okJ := model.ParseTimestamp(records[j].Timestamp)
		switch {
		case okI && okJ:
			return ti.After(tj)
		default:
			return okI && !okJ
		}
	})
}

// Query returns the stored records matching f.
func (v *Verifier) Query(ctx context.Context, f Filter) ([]model.VerificationRecord, error) {
	records, err := v.Verifications(ctx)
	if err != nil {
		return nil, err
	}
	return f.Apply(records), nil
}
