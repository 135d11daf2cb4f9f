package network

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultPhaseTimeout bounds each blocking receive.
	DefaultPhaseTimeout = 15 * time.Second
	// DefaultMaxRetries is the consecutive-timeout ceiling of one phase.
	DefaultMaxRetries = 5
)

// ErrRetriesExhausted indicates a phase hit its consecutive-timeout ceiling.
var ErrRetriesExhausted = errors.New("network: retries exhausted")

// Step reports what one attempt of a phase achieved.
type Step int

const (
	// StepDone ends the phase successfully.
	StepDone Step = iota
	// StepProgress resets the consecutive-timeout counter.
	StepProgress
	// StepIgnored leaves the counter unchanged (lost, duplicate or corrupt frame).
	StepIgnored
	// StepTimeout counts towards the ceiling.
	StepTimeout
)

// RetryPolicy is a bounded retry-with-timeout budget for one protocol phase.
type RetryPolicy struct {
	MaxRetries int
	Timeout    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, Timeout: DefaultPhaseTimeout}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultPhaseTimeout
	}
	return out
}

// Run calls op until it reports StepDone, returns an error, or MaxRetries
// consecutive StepTimeout results are seen.
//
// timeouts is the number of consecutive timeouts so far, which lets op decide
// whether to re-send its request before receiving again.
func (p RetryPolicy) Run(ctx context.Context, op func(ctx context.Context, timeouts int) (Step, error)) error {
	policy := p.withDefaults()
	timeouts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		step, err := op(ctx, timeouts)
		if err != nil {
			return err
		}

		switch step {
		case StepDone:
			return nil
		case StepProgress:
			timeouts = 0
		case StepTimeout:
			timeouts++
			if timeouts >= policy.MaxRetries {
				return ErrRetriesExhausted
			}
		}
	}
}
