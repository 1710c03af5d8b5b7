// Package aggregator implements the BundleService aggregation engine:
// admission, batching, bisection-based culprit search, submission and
// backoff scheduling, per spec.md §4.4.
package aggregator

import (
	"fmt"
	"time"

	"github.com/mantlenetworkio/bls-bundle-aggregator/reward"
)

// Config is the fixed-at-construction configuration from spec.md §3.
type Config struct {
	// BundleQueryLimit caps the number of rows fetched per eligibility query.
	BundleQueryLimit int
	// MaxAggregationSize is the target/hard cap on actions per aggregate.
	MaxAggregationSize int
	// MaxAggregationDelay is the soft deadline measured from the first
	// activity since the submission timer was last idle; later activity
	// does not extend it.
	MaxAggregationDelay time.Duration
	// MaxUnconfirmedAggregations bounds concurrency; multiplied by
	// MaxAggregationSize to yield the unconfirmed-action-count cap.
	MaxUnconfirmedAggregations int
	// MaxEligibilityDelay is the largest nextEligibilityDelay a row may
	// reach before it is dropped.
	MaxEligibilityDelay uint64
	// Rewards is the linear reward model this aggregator is paid under.
	Rewards reward.Model
	// SubmissionTimeout bounds how long submitBundle waits for inclusion.
	SubmissionTimeout time.Duration
	// BlockTickWarmup delays the block-tick loop's first iteration, the
	// same construction-time grace period the teacher's preconf checker
	// gives the op-node before polling it.
	BlockTickWarmup time.Duration
}

func (c Config) String() string {
	return fmt.Sprintf(
		"BundleQueryLimit: %d, MaxAggregationSize: %d, MaxAggregationDelay: %s, "+
			"MaxUnconfirmedAggregations: %d, MaxEligibilityDelay: %d, Rewards: %s",
		c.BundleQueryLimit, c.MaxAggregationSize, c.MaxAggregationDelay,
		c.MaxUnconfirmedAggregations, c.MaxEligibilityDelay, c.Rewards)
}

// MaxUnconfirmedActions is the action-count cap back-pressure waits
// against, per spec.md §4.4.9.
func (c Config) MaxUnconfirmedActions() int {
	return c.MaxUnconfirmedAggregations * c.MaxAggregationSize
}
