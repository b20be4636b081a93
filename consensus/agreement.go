// Package consensus reconciles independent executions of a
// non-deterministic computation into one agreed value.
//
// Information Hiding:
// - How many executions run and where they run is hidden behind Agreement
// - Comparison of divergent values delegated to a Judge
// - Callers see either the agreed value or ErrNoAgreement

package consensus

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoAgreement is returned when the executions could not be reconciled.
var ErrNoAgreement = errors.New("no agreement reached")

// Producer computes a candidate value. It may be called several times,
// possibly concurrently, and may return different values each time.
type Producer func(ctx context.Context) (string, error)

// Agreement runs a producer one or more times and returns the single value
// the executions agree on under principle.
type Agreement interface {
	Agree(ctx context.Context, produce Producer, principle string) (string, error)
}

// Leader accepts the first execution's value without validation.
type Leader struct{}

// Agree runs produce once.
func (Leader) Agree(ctx context.Context, produce Producer, principle string) (string, error) {
	value, err := produce(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: leader execution failed: %v", ErrNoAgreement, err)
	}
	return value, nil
}

// Verify Leader implements Agreement
var _ Agreement = Leader{}
