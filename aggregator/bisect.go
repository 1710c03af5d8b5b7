package aggregator

import (
	"context"
	"math/big"

	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
	"github.com/mantlenetworkio/bls-bundle-aggregator/chainadapter"
	"github.com/mantlenetworkio/bls-bundle-aggregator/reward"
)

// checkResult is the outcome of checkFirstN from spec.md §4.4.7.
type checkResult struct {
	success        bool
	reward         *big.Int
	requiredReward *big.Int
}

// checkFirstN evaluates whether the first k of bundles, layered atop
// previousAggregate, carry enough combined reward to cover the
// required reward of submitting them together.
func checkFirstN(ctx context.Context, adapter chainadapter.Adapter, model reward.Model,
	previousAggregate blswallet.Bundle, bundles []blswallet.Bundle, perBundleRewards []measuredReward, k int) (checkResult, error) {
	culpritChecksCounter.Inc(1)

	sum := new(big.Int)
	for i := 0; i < k; i++ {
		sum.Add(sum, perBundleRewards[i].reward)
	}

	agg := blswallet.Aggregate(append([]blswallet.Bundle{previousAggregate}, bundles[:k]...)...)
	gas, err := adapter.EstimateGas(ctx, agg)
	if err != nil {
		return checkResult{}, err
	}
	data, err := adapter.EncodeCallData(agg)
	if err != nil {
		return checkResult{}, err
	}

	required := model.RequiredReward(gas, len(data))
	return checkResult{
		success:        sum.Cmp(required) >= 0,
		reward:         sum,
		requiredReward: required,
	}, nil
}

// lowerBound is the cheap, monotone lower bound on a single bundle's
// required reward, from spec.md §4.4.7.
func lowerBound(ctx context.Context, adapter chainadapter.Adapter, model reward.Model, bundle blswallet.Bundle) (*big.Int, error) {
	data, err := adapter.EncodeCallData(bundle)
	if err != nil {
		return nil, err
	}
	return model.RequiredRewardLowerBound(len(data)), nil
}

// findFirstFailureIndex is the bisection culprit search from spec.md
// §4.4.7: it returns the lowest index whose cumulative reward fails to
// cover its cumulative required reward, or found=false if every prefix
// succeeds.
func findFirstFailureIndex(ctx context.Context, adapter chainadapter.Adapter, model reward.Model,
	previousAggregate blswallet.Bundle, bundles []blswallet.Bundle, perBundleRewards []measuredReward) (index int, found bool, err error) {
	n := len(bundles)
	if n == 0 {
		return 0, false, nil
	}

	// Step 1: fast scan for a local hint.
	fastFailureIndex := -1
	for i := 0; i < n; i++ {
		if !perBundleRewards[i].success {
			fastFailureIndex = i
			break
		}
		lb, err := lowerBound(ctx, adapter, model, bundles[i])
		if err != nil {
			return 0, false, err
		}
		if perBundleRewards[i].reward.Cmp(lb) < 0 {
			fastFailureIndex = i
			break
		}
	}

	var left, right int
	if fastFailureIndex >= 0 {
		// Step 2: validate the fast hint with a real checkFirstN over the
		// prefix strictly before the suspect bundle.
		res, err := checkFirstN(ctx, adapter, model, previousAggregate, bundles, perBundleRewards, fastFailureIndex)
		if err != nil {
			return 0, false, err
		}
		if res.success {
			return fastFailureIndex, true, nil
		}
		left, right = 0, fastFailureIndex
	} else {
		// Step 3: no fast hint — check the full prefix.
		res, err := checkFirstN(ctx, adapter, model, previousAggregate, bundles, perBundleRewards, n)
		if err != nil {
			return 0, false, err
		}
		if res.success {
			return 0, false, nil
		}
		left, right = 0, n
	}

	// Step 4: bisect. Invariant: the first failing index lies in
	// [left, right), and checkFirstN(right) is known to fail.
	for right-left > 1 {
		mid := (left + right) / 2
		res, err := checkFirstN(ctx, adapter, model, previousAggregate, bundles, perBundleRewards, mid)
		if err != nil {
			return 0, false, err
		}
		if res.success {
			left = mid
		} else {
			right = mid
		}
	}

	assertf(right-left == 1, "bisection postcondition violated: left=%d right=%d", left, right)
	return left, true, nil
}
