// Package blswallet defines the wire data model shared by every BLS
// wallet bundle submitted to the aggregator: actions, operations,
// bundles, and the aggregate-signature check that gates admission.
package blswallet

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrOperationCountMismatch is returned by Bundle.Validate when the
// number of operations does not match the number of sender public keys.
var ErrOperationCountMismatch = errors.New("bls bundle: len(senderPublicKeys) != len(operations)")

// PublicKey is an uncompressed BLS12-381 G2 point: the sender's wallet
// public key. Its internal representation is opaque to the aggregator;
// only this package's signature check (encoding.go) and the chain
// adapter's ABI encoding need to know its shape.
type PublicKey [4]*big.Int

// Signature is an uncompressed BLS12-381 G1 point: the aggregate
// signature covering every operation in a bundle.
type Signature [2]*big.Int

// Action is a single call an operation asks the aggregator to relay:
// a target address, a value transfer, and ABI-encoded call data.
type Action struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// Operation is one wallet's nonce-guarded ordered list of actions.
type Operation struct {
	Nonce   uint64
	Actions []Action
}

// Bundle is a signed set of operations from one or more BLS wallets.
// An aggregate bundle is the BLS-aggregation of many such bundles; its
// Operations field is the concatenation of the constituents' operations
// and SenderPublicKeys likewise, in the same order.
type Bundle struct {
	Signature        Signature
	SenderPublicKeys []PublicKey
	Operations       []Operation
}

// Validate checks the bundle's only format invariant: one sender public
// key per operation. It does not check signatures or nonces.
func (b *Bundle) Validate() error {
	if len(b.SenderPublicKeys) != len(b.Operations) {
		return ErrOperationCountMismatch
	}
	return nil
}

// CountActions returns the total number of actions across every
// operation in the bundle. This is the unit maxAggregationSize is
// measured in (bundleQueryLimit counts rows, not actions).
func (b *Bundle) CountActions() int {
	n := 0
	for _, op := range b.Operations {
		n += len(op.Actions)
	}
	return n
}

// Aggregate concatenates bundles' sender keys and operations into a
// single aggregate bundle, in order, and combines their signatures with
// AggregateSignatures. An empty input returns an empty (zero-signature)
// bundle.
func Aggregate(bundles ...Bundle) Bundle {
	agg := Bundle{}
	sigs := make([]Signature, 0, len(bundles))
	for _, b := range bundles {
		agg.SenderPublicKeys = append(agg.SenderPublicKeys, b.SenderPublicKeys...)
		agg.Operations = append(agg.Operations, b.Operations...)
		sigs = append(sigs, b.Signature)
	}
	agg.Signature = AggregateSignatures(sigs)
	return agg
}
