package network

import (
	"errors"
	"fmt"
	"slices"
)

const (
	// DefaultMaxResendRequestSize bounds the byte length of one RESEND frame.
	DefaultMaxResendRequestSize = 512
	// DefaultBatchSize is the starting number of sequences per RESEND frame.
	DefaultBatchSize = 50
	// DefaultBatchShrinkStep is how many sequences are removed per shrink.
	DefaultBatchShrinkStep = 5
)

// ErrResendRequestTooLarge indicates a single sequence cannot fit the request bound.
var ErrResendRequestTooLarge = errors.New("network: resend request exceeds size bound")

// PlanResendBatches partitions missing into ascending batches whose RESEND
// frames each fit in maxRequestSize bytes.
//
// The batch size starts at defaultBatch and shrinks by shrinkStep (never below
// one) whenever a frame overflows; a shrink carries over to later batches.
func PlanResendBatches(missing []int, maxRequestSize, defaultBatch, shrinkStep int) ([][]int, error) {
	if len(missing) == 0 {
		return nil, nil
	}
	if maxRequestSize <= 0 {
		maxRequestSize = DefaultMaxResendRequestSize
	}
	if defaultBatch <= 0 {
		defaultBatch = DefaultBatchSize
	}
	if shrinkStep <= 0 {
		shrinkStep = DefaultBatchShrinkStep
	}

	sorted := slices.Clone(missing)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	batches := make([][]int, 0, len(sorted)/defaultBatch+1)
	size := defaultBatch
	for start := 0; start < len(sorted); {
		for {
			end := min(start+size, len(sorted))
			batch := sorted[start:end]
			if len(EncodeResend(batch)) <= maxRequestSize {
				batches = append(batches, slices.Clone(batch))
				start = end
				break
			}
			if size == 1 {
				return nil, fmt.Errorf("%w: sequence %d needs %d bytes, limit %d",
					ErrResendRequestTooLarge, batch[0], len(EncodeResend(batch)), maxRequestSize)
			}
			size = max(size-shrinkStep, 1)
		}
	}
	return batches, nil
}
