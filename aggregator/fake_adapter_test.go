package aggregator

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
	"github.com/mantlenetworkio/bls-bundle-aggregator/chainadapter"
	"github.com/mantlenetworkio/bls-bundle-aggregator/reward"
)

// fakeAdapter is a lightweight, fully deterministic chainadapter.Adapter
// for exercising BundleService without a live RPC endpoint or deployed
// contract, in the spirit of the teacher's own in-memory test doubles
// (e.g. FIFOTxSet's plain in-process construction in its _test.go).
//
// Each test bundle carries exactly one operation whose Nonce doubles as
// a bundle identity. EncodeCallData renders that identity as its first
// 8 bytes, padded to a per-identity declared "cost" — this keeps
// required-reward accounting (perByte * len(calldata)) both realistic
// and fully under test control.
type fakeAdapter struct {
	mu        sync.Mutex
	block     atomic.Uint64
	cost      map[uint64]int     // nonce -> encoded calldata length
	declared  map[uint64]*big.Int // nonce -> reward actually paid
	onSubmit  func(ctx context.Context, agg blswallet.Bundle) (*types.Receipt, error)
	submitted []blswallet.Bundle
}

func newFakeAdapter() *fakeAdapter {
	fa := &fakeAdapter{
		cost:     make(map[uint64]int),
		declared: make(map[uint64]*big.Int),
	}
	fa.block.Store(1)
	fa.onSubmit = func(ctx context.Context, agg blswallet.Bundle) (*types.Receipt, error) {
		return &types.Receipt{BlockNumber: big.NewInt(int64(fa.block.Load()))}, nil
	}
	return fa
}

// setBundle registers nonce's declared reward and its encoded cost.
// With reward == cost the bundle exactly covers its own required
// reward. A nonce never registered encodes to 8 bytes and pays 0.
func (f *fakeAdapter) setBundle(nonce uint64, cost int, declaredReward int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cost[nonce] = cost
	f.declared[nonce] = big.NewInt(declaredReward)
}

func (f *fakeAdapter) BlockNumber(ctx context.Context) (uint64, error) {
	return f.block.Load(), nil
}

func (f *fakeAdapter) SetBlock(n uint64) { f.block.Store(n) }

func (f *fakeAdapter) CheckNonces(ctx context.Context, bundle blswallet.Bundle) ([]chainadapter.TransactionFailure, error) {
	return nil, nil
}

func (f *fakeAdapter) CallStaticSequenceWithMeasure(ctx context.Context, measureCall []byte, actionCalls [][]byte) (chainadapter.SequenceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := chainadapter.SequenceResult{
		MeasureResults: make([]chainadapter.MeasureResult, len(actionCalls)+1),
		CallResults:    make([]bool, len(actionCalls)),
	}
	balance := big.NewInt(0)
	res.MeasureResults[0] = chainadapter.MeasureResult{Success: true, Value: new(big.Int).Set(balance)}
	for i, call := range actionCalls {
		for _, nonce := range f.decodeNonces(call) {
			reward := f.declared[nonce]
			if reward == nil {
				reward = big.NewInt(0)
			}
			balance = new(big.Int).Add(balance, reward)
		}
		res.MeasureResults[i+1] = chainadapter.MeasureResult{Success: true, Value: new(big.Int).Set(balance)}
		res.CallResults[i] = true
	}
	return res, nil
}

// decodeNonces walks a call's concatenated, self-describing
// nonce-prefixed segments (as produced by EncodeCallData, whose
// per-operation segment lengths are exactly f.cost[nonce]) and returns
// each operation's nonce in order. Caller must hold f.mu.
func (f *fakeAdapter) decodeNonces(call []byte) []uint64 {
	var nonces []uint64
	for len(call) > 0 {
		nonce := binary.BigEndian.Uint64(call[:8])
		nonces = append(nonces, nonce)
		cost, ok := f.cost[nonce]
		if !ok {
			cost = 8
		}
		if cost > len(call) {
			break
		}
		call = call[cost:]
	}
	return nonces
}

func (f *fakeAdapter) EstimateGas(ctx context.Context, bundle blswallet.Bundle) (uint64, error) {
	return 0, nil
}

func (f *fakeAdapter) EncodeCallData(bundle blswallet.Bundle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []byte
	for _, op := range bundle.Operations {
		cost, ok := f.cost[op.Nonce]
		if !ok {
			cost = 8
		}
		seg := make([]byte, cost)
		binary.BigEndian.PutUint64(seg[:8], op.Nonce)
		out = append(out, seg...)
	}
	return out, nil
}

func (f *fakeAdapter) EncodeMeasureCall(model reward.Model) ([]byte, error) {
	return nil, nil
}

func (f *fakeAdapter) SubmitBundle(ctx context.Context, aggregate blswallet.Bundle, timeout time.Duration) (*types.Receipt, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, aggregate)
	cb := f.onSubmit
	f.mu.Unlock()
	return cb(ctx, aggregate)
}

func (f *fakeAdapter) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeAdapter) TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

// testBundle builds a bundle identified by nonce. Its signature and
// public key are not valid BLS12-381 curve points, so it is only
// suitable for tests that insert rows directly via addTestRow — never
// for exercising BundleService.Add, which would correctly reject it
// with InvalidSignature.
func testBundle(nonce uint64) blswallet.Bundle {
	return blswallet.Bundle{
		Signature:        blswallet.Signature{big.NewInt(1), big.NewInt(2)},
		SenderPublicKeys: []blswallet.PublicKey{{big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4)}},
		Operations:       []blswallet.Operation{{Nonce: nonce, Actions: []blswallet.Action{{Value: big.NewInt(0)}}}},
	}
}

func testConfig() Config {
	return Config{
		BundleQueryLimit:           100,
		MaxAggregationSize:         16,
		MaxAggregationDelay:        20 * time.Millisecond,
		MaxUnconfirmedAggregations: 2,
		MaxEligibilityDelay:        4,
		Rewards:                    reward.Model{Kind: reward.Native, PerGas: big.NewInt(0), PerByte: big.NewInt(1)},
		SubmissionTimeout:          time.Second,
		BlockTickWarmup:            time.Hour, // disabled by default; tests drive ticks explicitly
	}
}
