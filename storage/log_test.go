package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/richinex/urlverify/model"
)

func sampleRecord(url, query, answer string) model.VerificationRecord {
	return model.VerificationRecord{
		URL:           url,
		Timestamp:     "2026-01-02T03:04:05Z",
		StatusCode:    200,
		IsAccessible:  true,
		Query:         query,
		ContentFound:  query != "",
		ConciseAnswer: answer,
		Analysis:      "analysis of " + url,
	}
}

// testRecordLog runs the behaviour every RecordLog backend must share.
func testRecordLog(t *testing.T, open func(t *testing.T) RecordLog) {
	t.Run("FindMissing", func(t *testing.T) {
		log := open(t)
		_, idx, ok, err := log.Find(context.Background(), model.RecordKey{URL: "https://a.com"})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if ok || idx != -1 {
			t.Errorf("expected miss, got ok=%v idx=%d", ok, idx)
		}
	})

	t.Run("AppendAndFind", func(t *testing.T) {
		log := open(t)
		ctx := context.Background()

		for i, rec := range []model.VerificationRecord{
			sampleRecord("https://a.com", "", "Page accessible"),
			sampleRecord("https://a.com", "price?", "$10"),
			sampleRecord("https://b.com", "price?", "$20"),
		} {
			idx, replaced, err := log.Upsert(ctx, rec)
			if err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}
			if idx != i || replaced {
				t.Errorf("record %d: got idx=%d replaced=%v", i, idx, replaced)
			}
		}

		rec, idx, ok, err := log.Find(ctx, model.RecordKey{URL: "https://a.com", Query: "price?"})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if !ok || idx != 1 {
			t.Fatalf("expected hit at 1, got ok=%v idx=%d", ok, idx)
		}
		if rec.ConciseAnswer != "$10" {
			t.Errorf("expected '$10', got '%s'", rec.ConciseAnswer)
		}

		// Query match is exact
		if _, _, ok, _ := log.Find(ctx, model.RecordKey{URL: "https://a.com", Query: "Price?"}); ok {
			t.Error("expected case-sensitive query match")
		}
	})

	t.Run("ReplaceInPlace", func(t *testing.T) {
		log := open(t)
		ctx := context.Background()

		log.Upsert(ctx, sampleRecord("https://a.com", "q", "old"))
		log.Upsert(ctx, sampleRecord("https://b.com", "q", "other"))

		updated := sampleRecord("https://a.com", "q", "new")
		updated.Timestamp = "2026-02-02T00:00:00Z"
		idx, replaced, err := log.Upsert(ctx, updated)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if idx != 0 || !replaced {
			t.Errorf("expected replace at 0, got idx=%d replaced=%v", idx, replaced)
		}

		records, err := log.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		if records[0] != updated {
			t.Errorf("expected %+v at 0, got %+v", updated, records[0])
		}
		if records[1].URL != "https://b.com" {
			t.Errorf("expected b.com at 1, got %s", records[1].URL)
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		log := open(t)
		records, err := log.List(context.Background())
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if records == nil || len(records) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", records)
		}
	})

	t.Run("ConcurrentUpsertSameKey", func(t *testing.T) {
		log := open(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, _, err := log.Upsert(ctx, sampleRecord("https://a.com", "q", fmt.Sprint(i))); err != nil {
					t.Errorf("Upsert failed: %v", err)
				}
			}(i)
		}
		wg.Wait()

		n, err := log.Len(ctx)
		if err != nil {
			t.Fatalf("Len failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 record, got %d", n)
		}
	})
}

// testKeyBoundaries checks that keys whose parts contain separator-like
// bytes stay distinct. Run only on backends that store arbitrary bytes.
func testKeyBoundaries(t *testing.T, log RecordLog) {
	ctx := context.Background()
	first := sampleRecord("https://a\x00b", "c", "first")
	second := sampleRecord("https://a", "b\x00c", "second")

	for i, rec := range []model.VerificationRecord{first, second} {
		idx, replaced, err := log.Upsert(ctx, rec)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if idx != i || replaced {
			t.Errorf("record %d: got idx=%d replaced=%v", i, idx, replaced)
		}
	}

	for _, want := range []model.VerificationRecord{first, second} {
		rec, _, ok, err := log.Find(ctx, want.Key())
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if !ok || rec != want {
			t.Errorf("Find(%q) = %+v (ok=%v), want %+v", want.Key(), rec, ok, want)
		}
	}
}
