// Comparative agreement: a leader value checked by independent validators.
//
// Information Hiding:
// - Validator fan-out and result collection
// - Majority rule over validator votes
// - Exact-match shortcut before consulting the judge

package consensus

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Judge decides whether a validator's value is equivalent to the leader's
// under a principle.
type Judge interface {
	Equivalent(ctx context.Context, principle, leader, validator string) (bool, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, principle, leader, validator string) (bool, error)

// Equivalent calls f.
func (f JudgeFunc) Equivalent(ctx context.Context, principle, leader, validator string) (bool, error) {
	return f(ctx, principle, leader, validator)
}

// ExactJudge treats only identical values as equivalent.
var ExactJudge = JudgeFunc(func(ctx context.Context, principle, leader, validator string) (bool, error) {
	return leader == validator, nil
})

// Comparative runs the producer once as leader and Validators more times
// as validators. The leader's value is agreed when a strict majority of
// validators produce a value the Judge finds equivalent. A validator that
// fails, or whose comparison fails, votes against.
type Comparative struct {
	validators  int
	maxParallel int
	judge       Judge
	logger      *zap.Logger
}

// ComparativeOption configures a Comparative agreement.
type ComparativeOption func(*Comparative)

// WithMaxParallel bounds how many validators run at once. Zero means all.
func WithMaxParallel(n int) ComparativeOption {
	return func(c *Comparative) { c.maxParallel = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ComparativeOption {
	return func(c *Comparative) { c.logger = l }
}

// NewComparative creates a comparative agreement. A nil judge compares
// values exactly.
func NewComparative(validators int, judge Judge, opts ...ComparativeOption) *Comparative {
	if validators < 0 {
		validators = 0
	}
	if judge == nil {
		judge = ExactJudge
	}
	c := &Comparative{
		validators: validators,
		judge:      judge,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type vote struct {
	index  int
	agrees bool
	err    error
}

// Agree runs the leader, then the validators concurrently, and returns the
// leader's value when a strict majority of validators agree.
func (c *Comparative) Agree(ctx context.Context, produce Producer, principle string) (string, error) {
	leader, err := Leader{}.Agree(ctx, produce, principle)
	if err != nil {
		return "", err
	}
	if c.validators == 0 {
		return leader, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if c.maxParallel > 0 {
		g.SetLimit(c.maxParallel)
	}

	votes := make(chan vote, c.validators)
	for i := 0; i < c.validators; i++ {
		g.Go(func() error {
			votes <- c.validate(gctx, i, produce, principle, leader)
			return nil
		})
	}
	_ = g.Wait()
	close(votes)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	agreed := 0
	for v := range votes {
		if v.agrees {
			agreed++
			continue
		}
		c.logger.Debug("validator disagreed",
			zap.Int("validator", v.index),
			zap.Error(v.err))
	}

	if agreed*2 <= c.validators {
		return "", fmt.Errorf("%w: %d of %d validators agreed with the leader", ErrNoAgreement, agreed, c.validators)
	}
	c.logger.Debug("agreement reached", zap.Int("agreed", agreed), zap.Int("validators", c.validators))
	return leader, nil
}

func (c *Comparative) validate(ctx context.Context, index int, produce Producer, principle, leader string) vote {
	value, err := produce(ctx)
	if err != nil {
		return vote{index: index, err: fmt.Errorf("validator execution failed: %w", err)}
	}
	if value == leader {
		return vote{index: index, agrees: true}
	}

	ok, err := c.judge.Equivalent(ctx, principle, leader, value)
	if err != nil {
		return vote{index: index, err: fmt.Errorf("comparison failed: %w", err)}
	}
	return vote{index: index, agrees: ok}
}

// Verify Comparative implements Agreement
var _ Agreement = (*Comparative)(nil)
