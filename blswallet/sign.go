package blswallet

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	blst "github.com/supranational/blst/bindings/go"
)

// domain separates this aggregator's signature scheme from any other
// BLS12-381 application sharing the same curve. It must match the
// verification gateway contract's hashToPoint domain tag exactly.
var domain = []byte("bls-bundle-aggregator")

// VerifyAggregateSignature checks that bundle.Signature is a valid
// BLS12-381 aggregate signature over bundle.Operations, one signing
// key per operation drawn from bundle.SenderPublicKeys in order. It
// reports false on any malformed point rather than erroring, since a
// bad signature and a bad point are both just "invalid-signature" to
// the caller (see aggregator.BundleService.Add).
func VerifyAggregateSignature(b Bundle) bool {
	if len(b.SenderPublicKeys) != len(b.Operations) || len(b.Operations) == 0 {
		return false
	}
	sig, ok := uncompressG1(b.Signature)
	if !ok {
		return false
	}
	pubKeys := make([]*blst.P2Affine, len(b.SenderPublicKeys))
	msgs := make([][]byte, len(b.Operations))
	for i, pk := range b.SenderPublicKeys {
		p, ok := uncompressG2(pk)
		if !ok {
			return false
		}
		pubKeys[i] = p
		msgs[i] = operationSigningHash(b.Operations[i])
	}
	return sig.AggregateVerify(true, pubKeys, true, msgs, domain)
}

// operationSigningHash is the message each wallet signs: the keccak256
// of the nonce and the action list, matching the verification
// gateway's `operationHash` view function bit for bit.
func operationSigningHash(op Operation) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, op.Nonce)
	data := [][]byte{buf}
	for _, a := range op.Actions {
		data = append(data, a.Target.Bytes(), a.Value.Bytes(), a.CallData)
	}
	return crypto.Keccak256(data...)
}

// AggregateSignatures combines per-bundle signatures into a single
// BLS12-381 aggregate signature, the same aggregation the verification
// gateway performs on-chain to check the result.
func AggregateSignatures(sigs []Signature) Signature {
	if len(sigs) == 0 {
		return Signature{}
	}
	points := make([]*blst.P1Affine, 0, len(sigs))
	for _, s := range sigs {
		if p, ok := uncompressG1(s); ok {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return Signature{}
	}
	agg := new(blst.P1Aggregate)
	agg.Aggregate(points, false)
	raw := agg.ToAffine().Serialize()
	return Signature{
		new(big.Int).SetBytes(raw[:fieldElementSize]),
		new(big.Int).SetBytes(raw[fieldElementSize:]),
	}
}
