// Package chainadapter is the thin, testable facade over the
// blockchain described in spec.md §4.2: current block number,
// static-call simulation with balance measurement, gas estimation,
// call-data encoding, and bundle submission with confirmation wait.
// Everything below it (the JSON-RPC client, the VerificationGateway
// ABI) is an external collaborator this package only calls.
package chainadapter

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
	"github.com/mantlenetworkio/bls-bundle-aggregator/reward"
)

// Adapter is the facade the aggregator depends on. It is an interface
// so tests can substitute a fake without a live RPC endpoint or
// contract deployment.
type Adapter interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CheckNonces(ctx context.Context, bundle blswallet.Bundle) ([]TransactionFailure, error)
	CallStaticSequenceWithMeasure(ctx context.Context, measureCall []byte, actionCalls [][]byte) (SequenceResult, error)
	EstimateGas(ctx context.Context, bundle blswallet.Bundle) (uint64, error)
	EncodeCallData(bundle blswallet.Bundle) ([]byte, error)
	EncodeMeasureCall(model reward.Model) ([]byte, error)
	SubmitBundle(ctx context.Context, aggregate blswallet.Bundle, timeout time.Duration) (*types.Receipt, error)

	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error)
}

// Config describes how to reach the gateway contract and the account
// that will pay for and receive aggregator rewards.
type Config struct {
	RPCURL          string
	GatewayAddress  common.Address
	AggregatorAddr  common.Address
	ConfirmPollFreq time.Duration
}

// EthAdapter is the production Adapter, backed by go-ethereum's
// ethclient and accounts/abi/bind, matching the way the teacher's own
// load-testing tools (tests/preconf/config) drive a deployed contract.
type EthAdapter struct {
	cfg    Config
	client *ethclient.Client
	opts   *bind.TransactOpts
	abi    gatewayABI
}

// NewEthAdapter dials the RPC endpoint and loads the fixed
// VerificationGateway/RewardToken/Utilities ABIs described in
// spec.md §6.
func NewEthAdapter(ctx context.Context, cfg Config, signer *bind.TransactOpts) (*EthAdapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	abi, err := newGatewayABI()
	if err != nil {
		return nil, err
	}
	return &EthAdapter{cfg: cfg, client: client, opts: signer, abi: abi}, nil
}

// BlockNumber returns the current chain head.
func (a *EthAdapter) BlockNumber(ctx context.Context) (uint64, error) {
	return a.client.BlockNumber(ctx)
}

// CheckNonces compares each operation's declared nonce against the
// on-chain nonce of its sender wallet, per spec.md §4.2.
func (a *EthAdapter) CheckNonces(ctx context.Context, bundle blswallet.Bundle) ([]TransactionFailure, error) {
	var failures []TransactionFailure
	for i, op := range bundle.Operations {
		walletAddr := a.abi.walletAddress(bundle.SenderPublicKeys[i])
		onChainNonce, err := a.client.NonceAt(ctx, walletAddr, nil)
		if err != nil {
			return nil, err
		}
		switch {
		case op.Nonce < onChainNonce:
			failures = append(failures, TransactionFailure{OperationIndex: i, Kind: NonceTooLow})
		case op.Nonce > onChainNonce:
			failures = append(failures, TransactionFailure{OperationIndex: i, Kind: NonceTooHigh})
		}
	}
	return failures, nil
}

// CallStaticSequenceWithMeasure simulates, in a single atomic eth_call,
// the sequence `measure, a0, measure, a1, measure, ..., an-1, measure`,
// relying on the gateway's own sequencer method to guarantee later
// calls observe earlier ones' effects (spec.md §4.2 determinism
// requirement).
func (a *EthAdapter) CallStaticSequenceWithMeasure(ctx context.Context, measureCall []byte, actionCalls [][]byte) (SequenceResult, error) {
	calldata, err := a.abi.packSequence(measureCall, actionCalls)
	if err != nil {
		return SequenceResult{}, err
	}
	msg := ethereumCallMsg(a.cfg.GatewayAddress, calldata)
	out, err := a.client.CallContract(ctx, msg, nil)
	if err != nil {
		return SequenceResult{}, err
	}
	return a.abi.unpackSequence(out, len(actionCalls))
}

// EstimateGas estimates the gas cost of calling processBundle(bundle)
// on the gateway.
func (a *EthAdapter) EstimateGas(ctx context.Context, bundle blswallet.Bundle) (uint64, error) {
	data, err := a.EncodeCallData(bundle)
	if err != nil {
		return 0, err
	}
	msg := ethereumEstimateMsg(a.opts.From, a.cfg.GatewayAddress, data)
	return a.client.EstimateGas(ctx, msg)
}

// EncodeCallData ABI-encodes processBundle(bundle); only its length is
// used by the reward model, but callers may also use it to submit.
func (a *EthAdapter) EncodeCallData(bundle blswallet.Bundle) ([]byte, error) {
	return a.abi.packProcessBundle(bundle)
}

// EncodeMeasureCall builds the measure-call calldata for whatever
// asset the reward model is denominated in, for use as the leading
// "measure" step of a callStaticSequenceWithMeasure simulation.
func (a *EthAdapter) EncodeMeasureCall(model reward.Model) ([]byte, error) {
	if model.Kind == reward.Token {
		return a.abi.packBalanceOf(a.cfg.AggregatorAddr)
	}
	return a.abi.packEthBalanceOf(a.cfg.AggregatorAddr)
}

// SubmitBundle broadcasts the aggregate bundle and waits up to timeout
// for it to be mined, per spec.md §4.2.
func (a *EthAdapter) SubmitBundle(ctx context.Context, aggregate blswallet.Bundle, timeout time.Duration) (*types.Receipt, error) {
	data, err := a.EncodeCallData(aggregate)
	if err != nil {
		return nil, err
	}
	tx, err := submitRawTransaction(ctx, a.client, a.opts, a.cfg.GatewayAddress, data)
	if err != nil {
		return nil, err
	}
	log.Info("bundle submitted", "tx", tx.Hash(), "actions", aggregate.CountActions())
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return waitMined(waitCtx, a.client, tx.Hash(), a.cfg.ConfirmPollFreq)
}

// NativeBalance returns the aggregator's ETH balance.
func (a *EthAdapter) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return a.client.BalanceAt(ctx, addr, nil)
}

// TokenBalance returns the aggregator's balance of the given ERC-20.
func (a *EthAdapter) TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error) {
	calldata, err := a.abi.packBalanceOf(addr)
	if err != nil {
		return nil, err
	}
	msg := ethereumCallMsg(token, calldata)
	out, err := a.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	return a.abi.unpackBalanceOf(out)
}
