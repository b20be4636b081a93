// Package storage provides the verification record log.
//
// Information Hiding:
// - Backend data layout (slice, SQL table, Redis list) hidden behind RecordLog
// - Atomic upsert semantics guaranteed by every backend
// - Record positions exposed only as zero-based insertion indexes

package storage

import (
	"context"
	"errors"

	"github.com/richinex/urlverify/model"
)

// ErrNotFound is returned when a record lookup has no match.
var ErrNotFound = errors.New("record not found")

// RecordLog is an ordered collection of verification records with at
// most one record per key. Records are never deleted; a replaced record
// keeps its index.
type RecordLog interface {
	// Find returns the record stored under key and its index.
	// ok is false when no record exists.
	Find(ctx context.Context, key model.RecordKey) (rec model.VerificationRecord, index int, ok bool, err error)

	// Upsert stores rec under rec.Key(). An existing record is replaced in
	// place, otherwise rec is appended. The key is resolved atomically with
	// the write, so concurrent upserts of one key never append twice.
	Upsert(ctx context.Context, rec model.VerificationRecord) (index int, replaced bool, err error)

	// List returns all records in stored order.
	List(ctx context.Context) ([]model.VerificationRecord, error)

	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
