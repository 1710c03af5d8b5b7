package chainadapter

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
)

// The three ABIs this service calls, per spec.md §6: names and shapes
// are fixed by the on-chain contracts and treated as opaque strings by
// this service — only the Go-side packing/unpacking lives here.
const gatewayABIJSON = `[
  {"type":"function","name":"processBundle","inputs":[{"name":"bundle","type":"bytes"}],
   "outputs":[{"name":"successes","type":"bool[]"},{"name":"results","type":"bytes[][]"}]},
  {"type":"function","name":"sequenceWithMeasure","inputs":[
     {"name":"measureCall","type":"bytes"},{"name":"actionCalls","type":"bytes[]"}],
   "outputs":[{"name":"measureSuccess","type":"bool[]"},{"name":"measureValue","type":"uint256[]"},
              {"name":"callSuccess","type":"bool[]"}]},
  {"type":"function","name":"ethBalanceOf","inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

const balanceOfABIJSON = `[
  {"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// gatewayABI wraps the parsed ABIs plus the convenience packers the
// chain adapter needs. It is a value type so it can be embedded by
// value in EthAdapter without an extra allocation.
type gatewayABI struct {
	gateway abi.ABI
	erc20   abi.ABI
}

func newGatewayABI() (gatewayABI, error) {
	gw, err := abi.JSON(strings.NewReader(gatewayABIJSON))
	if err != nil {
		return gatewayABI{}, err
	}
	erc20, err := abi.JSON(strings.NewReader(balanceOfABIJSON))
	if err != nil {
		return gatewayABI{}, err
	}
	return gatewayABI{gateway: gw, erc20: erc20}, nil
}

// packProcessBundle ABI-encodes bundle into calldata for
// processBundle(bundle), after flattening it to the gateway's wire
// representation.
func (g gatewayABI) packProcessBundle(bundle blswallet.Bundle) ([]byte, error) {
	return g.gateway.Pack("processBundle", encodeBundle(bundle))
}

// packSequence encodes a sequenceWithMeasure(measureCall, actionCalls) call.
func (g gatewayABI) packSequence(measureCall []byte, actionCalls [][]byte) ([]byte, error) {
	return g.gateway.Pack("sequenceWithMeasure", measureCall, actionCalls)
}

// unpackSequence decodes the sequenceWithMeasure return values into
// the measure/call result pairs spec.md §4.2 specifies.
func (g gatewayABI) unpackSequence(data []byte, actionCount int) (SequenceResult, error) {
	out, err := g.gateway.Unpack("sequenceWithMeasure", data)
	if err != nil {
		return SequenceResult{}, err
	}
	measureSuccess := out[0].([]bool)
	measureValue := out[1].([]*big.Int)
	callSuccess := out[2].([]bool)

	res := SequenceResult{
		MeasureResults: make([]MeasureResult, len(measureSuccess)),
		CallResults:    callSuccess,
	}
	for i := range measureSuccess {
		res.MeasureResults[i] = MeasureResult{Success: measureSuccess[i], Value: measureValue[i]}
	}
	return res, nil
}

// packEthBalanceOf encodes a call to the gateway's own ethBalanceOf
// helper, used as the measure call when the reward model is Native:
// the gateway's utilities facet reads native balance the same way the
// sequencer reads any other on-chain value.
func (g gatewayABI) packEthBalanceOf(owner common.Address) ([]byte, error) {
	return g.gateway.Pack("ethBalanceOf", owner)
}

// packBalanceOf encodes an ERC-20 balanceOf(owner) call.
func (g gatewayABI) packBalanceOf(owner common.Address) ([]byte, error) {
	return g.erc20.Pack("balanceOf", owner)
}

// unpackBalanceOf decodes an ERC-20 balanceOf return value.
func (g gatewayABI) unpackBalanceOf(data []byte) (*big.Int, error) {
	out, err := g.erc20.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// walletAddress derives a wallet's on-chain address from its public
// key. The gateway assigns one deterministic wallet contract per BLS
// public key via CREATE2; this mirrors that by hashing the key's
// canonical encoding the same way crypto.CreateAddress2 hashes a salt.
func (g gatewayABI) walletAddress(pk blswallet.PublicKey) common.Address {
	var salt [32]byte
	h := crypto.Keccak256(encodePublicKey(pk))
	copy(salt[:], h)
	return crypto.CreateAddress2(common.Address{}, salt, h)
}

// encodeBundle flattens a Bundle into the byte-string shape the
// gateway's processBundle(bytes) expects: the two signature words, the
// operation count, then per operation its sender key, nonce, action
// count and actions (target, value, length-prefixed call data).
func encodeBundle(b blswallet.Bundle) []byte {
	var buf []byte
	for _, f := range b.Signature {
		buf = append(buf, leftPad32(f)...)
	}
	buf = append(buf, uint64Bytes(uint64(len(b.Operations)))...)
	for i, op := range b.Operations {
		buf = append(buf, encodePublicKey(b.SenderPublicKeys[i])...)
		buf = append(buf, uint64Bytes(op.Nonce)...)
		buf = append(buf, uint64Bytes(uint64(len(op.Actions)))...)
		for _, a := range op.Actions {
			buf = append(buf, a.Target.Bytes()...)
			buf = append(buf, leftPad32(a.Value)...)
			buf = append(buf, uint64Bytes(uint64(len(a.CallData)))...)
			buf = append(buf, a.CallData...)
		}
	}
	return buf
}

func encodePublicKey(pk blswallet.PublicKey) []byte {
	var buf []byte
	for _, f := range pk {
		buf = append(buf, leftPad32(f)...)
	}
	return buf
}

func leftPad32(x *big.Int) []byte {
	buf := make([]byte, 32)
	if x != nil {
		x.FillBytes(buf)
	}
	return buf
}

func uint64Bytes(x uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, x)
	return buf
}

// ethereumCallMsg builds a static call message.
func ethereumCallMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}

// ethereumEstimateMsg builds a gas-estimate message.
func ethereumEstimateMsg(from, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}
