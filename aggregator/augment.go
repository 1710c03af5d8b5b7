package aggregator

import (
	"context"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
	"github.com/mantlenetworkio/bls-bundle-aggregator/bundletable"
)

// augmentResult is one augmentAggregateBundle pass: the rows folded
// into the aggregate, and — if a culprit was found — the row to hand
// to handleFailedRow.
type augmentResult struct {
	aggregate     blswallet.Bundle
	includedRows  []bundletable.Row
	culpritRow    bundletable.Row
	culpritFound  bool
	culpritOffset int // index of culpritRow within the `remaining` slice passed in
}

// augmentAggregateBundle performs the size-bounded packing and
// bisection of spec.md §4.4.6: it accumulates a contiguous prefix of
// remaining under maxAggregationSize, measures each accumulated row's
// reward in a single staged call, and either accepts the whole prefix
// or excises the first culprit found within it.
func (s *BundleService) augmentAggregateBundle(ctx context.Context, previousAggregate blswallet.Bundle, remaining []bundletable.Row) (augmentResult, error) {
	actionCount := 0
	var candidates []bundletable.Row
	for _, row := range remaining {
		n := row.Bundle.CountActions()
		if actionCount+n > s.cfg.MaxAggregationSize {
			break
		}
		actionCount += n
		candidates = append(candidates, row)
	}
	if len(candidates) == 0 {
		return augmentResult{aggregate: previousAggregate}, nil
	}

	bundles := make([]blswallet.Bundle, len(candidates))
	for i, row := range candidates {
		bundles[i] = row.Bundle
	}

	perBundleRewards, err := s.measureRewards(ctx, previousAggregate, bundles)
	if err != nil {
		return augmentResult{}, err
	}

	culpritIdx, found, err := findFirstFailureIndex(ctx, s.adapter, s.cfg.Rewards, previousAggregate, bundles, perBundleRewards)
	if err != nil {
		return augmentResult{}, err
	}

	if !found {
		return augmentResult{
			aggregate:    blswallet.Aggregate(append([]blswallet.Bundle{previousAggregate}, bundles...)...),
			includedRows: candidates,
		}, nil
	}

	accepted := candidates[:culpritIdx]
	acceptedBundles := bundles[:culpritIdx]
	return augmentResult{
		aggregate:     blswallet.Aggregate(append([]blswallet.Bundle{previousAggregate}, acceptedBundles...)...),
		includedRows:  accepted,
		culpritRow:    candidates[culpritIdx],
		culpritFound:  true,
		culpritOffset: culpritIdx,
	}, nil
}

// measureRewards runs the gateway's staged measure/call sequence over
// [previousAggregate, bundles...] and folds the result into one
// measuredReward per trailing bundle, per spec.md §4.4.6's
// `measureRewards([previousAggregate, ...included.bundles])`.
// previousAggregate's own call is staged first so each bundle's reward
// is measured against chain state as it will actually exist once
// previousAggregate has already landed, then discarded from the result.
func (s *BundleService) measureRewards(ctx context.Context, previousAggregate blswallet.Bundle, bundles []blswallet.Bundle) ([]measuredReward, error) {
	measureCall, err := s.adapter.EncodeMeasureCall(s.cfg.Rewards)
	if err != nil {
		return nil, err
	}
	previousData, err := s.adapter.EncodeCallData(previousAggregate)
	if err != nil {
		return nil, err
	}
	actionCalls := make([][]byte, len(bundles)+1)
	actionCalls[0] = previousData
	for i, b := range bundles {
		data, err := s.adapter.EncodeCallData(b)
		if err != nil {
			return nil, err
		}
		actionCalls[i+1] = data
	}

	seq, err := s.adapter.CallStaticSequenceWithMeasure(ctx, measureCall, actionCalls)
	if err != nil {
		return nil, err
	}

	out := make([]measuredReward, len(bundles))
	for i := range bundles {
		before, after := seq.MeasureResults[i+1], seq.MeasureResults[i+2]
		delta := new(big.Int)
		if before.Success && after.Success {
			delta.Sub(after.Value, before.Value)
		}
		out[i] = measuredReward{
			success: seq.CallResults[i+1] && before.Success && after.Success,
			reward:  delta,
		}
	}
	return out, nil
}

// createAggregateBundle iterates augmentAggregateBundle until the
// remaining eligible list is exhausted or a non-culprit pass
// terminates the aggregate, per spec.md §4.4.5.
//
// Open Question resolved (spec.md §9 bullet 1): the remainder after
// excising a culprit is re-derived by scanning eligibleRows past the
// culprit's own index in that original slice, tracked explicitly,
// rather than by slicing relative to len(includedRows).
func (s *BundleService) createAggregateBundle(ctx context.Context, batch *pebble.Batch, currentBlock uint64, eligibleRows []bundletable.Row) (blswallet.Bundle, []bundletable.Row, error) {
	var aggregate blswallet.Bundle
	var allIncluded []bundletable.Row

	start := 0
	for start < len(eligibleRows) {
		remaining := eligibleRows[start:]
		result, err := s.augmentAggregateBundle(ctx, aggregate, remaining)
		if err != nil {
			return blswallet.Bundle{}, nil, err
		}

		aggregate = result.aggregate
		allIncluded = append(allIncluded, result.includedRows...)

		if !result.culpritFound {
			break
		}

		if err := s.handleFailedRow(batch, result.culpritRow, currentBlock); err != nil {
			return blswallet.Bundle{}, nil, err
		}
		culpritAbsoluteIndex := start + result.culpritOffset
		start = culpritAbsoluteIndex + 1
	}

	return aggregate, allIncluded, nil
}

// handleFailedRow reschedules a culprit row with doubled eligibility
// delay, or drops it once that delay would exceed MaxEligibilityDelay,
// per spec.md §4.4.8. The row's id is unconditionally dropped from
// unconfirmedRowIds; culprit rows come from eligibleRows, which already
// excludes unconfirmed ids, so this is normally a no-op. Submission
// failures in service.go do not call it: their rows are only released
// and keep their current EligibleAfter.
func (s *BundleService) handleFailedRow(batch *pebble.Batch, row bundletable.Row, currentBlock uint64) error {
	assertf(row.NextEligibilityDelay >= 1, "row %d has non-positive eligibility delay", row.ID)

	s.unconfirmed.mu.Lock()
	delete(s.unconfirmed.rowIDs, row.ID)
	s.unconfirmed.mu.Unlock()

	if row.NextEligibilityDelay <= s.cfg.MaxEligibilityDelay {
		row.EligibleAfter = currentBlock + row.NextEligibilityDelay
		row.NextEligibilityDelay *= 2
		log.Debug("aggregator: row backed off", "id", row.ID, "eligibleAfter", row.EligibleAfter, "nextDelay", row.NextEligibilityDelay)
		return s.table.Update(batch, row)
	}

	log.Info("aggregator: row abandoned after exceeding max eligibility delay", "id", row.ID, "delay", row.NextEligibilityDelay)
	rowsDroppedMeter.Mark(1)
	return s.table.Remove(batch, row.ID)
}
