package apiserver

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
)

// bundleWire is the JSON wire encoding of a blswallet.Bundle, using
// hexutil's quantity/byte encodings the way go-ethereum's own RPC
// types do, rather than relying on math/big.Int's bare-number default
// JSON encoding.
type bundleWire struct {
	Signature        [2]*hexutil.Big    `json:"signature"`
	SenderPublicKeys []wirePublicKey    `json:"senderPublicKeys"`
	Operations       []wireOperation    `json:"operations"`
}

type wirePublicKey [4]*hexutil.Big

type wireOperation struct {
	Nonce   hexutil.Uint64 `json:"nonce"`
	Actions []wireAction   `json:"actions"`
}

type wireAction struct {
	Target   common.Address `json:"target"`
	Value    *hexutil.Big   `json:"value"`
	CallData hexutil.Bytes  `json:"callData"`
}

// toBundle decodes the wire form into the domain type, filling any
// absent *hexutil.Big with a zero big.Int so downstream curve decoding
// sees a well-formed (if invalid) point rather than a nil pointer.
func (w bundleWire) toBundle() blswallet.Bundle {
	b := blswallet.Bundle{
		Signature: blswallet.Signature{bigOrZero(w.Signature[0]), bigOrZero(w.Signature[1])},
	}
	b.SenderPublicKeys = make([]blswallet.PublicKey, len(w.SenderPublicKeys))
	for i, pk := range w.SenderPublicKeys {
		b.SenderPublicKeys[i] = blswallet.PublicKey{
			bigOrZero(pk[0]), bigOrZero(pk[1]), bigOrZero(pk[2]), bigOrZero(pk[3]),
		}
	}
	b.Operations = make([]blswallet.Operation, len(w.Operations))
	for i, op := range w.Operations {
		actions := make([]blswallet.Action, len(op.Actions))
		for j, a := range op.Actions {
			actions[j] = blswallet.Action{
				Target:   a.Target,
				Value:    bigOrZero(a.Value),
				CallData: []byte(a.CallData),
			}
		}
		b.Operations[i] = blswallet.Operation{Nonce: uint64(op.Nonce), Actions: actions}
	}
	return b
}

func bigOrZero(x *hexutil.Big) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return (*big.Int)(x)
}

// addRequest is the body of POST /bundles.
type addRequest struct {
	Bundle bundleWire `json:"bundle"`
}

// addResponse reports the per-operation rejection reasons Add
// returned, if any; an empty Failures with no Error means admission
// succeeded.
type addResponse struct {
	Failures []wireFailure `json:"failures,omitempty"`
}

type wireFailure struct {
	OperationIndex int    `json:"operationIndex"`
	Kind           string `json:"kind"`
}

type errorResponse struct {
	Error string `json:"error"`
}
