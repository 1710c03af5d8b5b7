package bundletable

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
)

// record is the on-disk shape of a Row: the RLP encoding of Row plus
// the insertion sequence needed to locate (and relocate) its
// eligibility index entry, which is not part of Row's public shape.
type record struct {
	row Row
	seq uint64
}

// rlpRecord mirrors record with RLP-friendly field names. *big.Int
// fields are carried as big-endian byte slices (bigBytes/bigFromBytes)
// since rlp cannot encode a nil pointer; a nil field decodes as zero.
type rlpRecord struct {
	ID                   uint64
	Signature            [2][]byte
	SenderPublicKeys     [][4][]byte
	Operations           []rlpOperation
	EligibleAfter        uint64
	NextEligibilityDelay uint64
	Seq                  uint64
}

type rlpOperation struct {
	Nonce   uint64
	Actions []rlpAction
}

type rlpAction struct {
	Target   common.Address
	Value    []byte
	CallData []byte
}

func bigBytes(x *big.Int) []byte {
	if x == nil {
		return nil
	}
	return x.Bytes()
}

func bigFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func encodeRecord(rec record) ([]byte, error) {
	r := rlpRecord{
		ID:                   rec.row.ID,
		EligibleAfter:        rec.row.EligibleAfter,
		NextEligibilityDelay: rec.row.NextEligibilityDelay,
		Seq:                  rec.seq,
	}
	r.Signature[0] = bigBytes(rec.row.Bundle.Signature[0])
	r.Signature[1] = bigBytes(rec.row.Bundle.Signature[1])

	r.SenderPublicKeys = make([][4][]byte, len(rec.row.Bundle.SenderPublicKeys))
	for i, pk := range rec.row.Bundle.SenderPublicKeys {
		for j, f := range pk {
			r.SenderPublicKeys[i][j] = bigBytes(f)
		}
	}

	r.Operations = make([]rlpOperation, len(rec.row.Bundle.Operations))
	for i, op := range rec.row.Bundle.Operations {
		actions := make([]rlpAction, len(op.Actions))
		for j, a := range op.Actions {
			actions[j] = rlpAction{Target: a.Target, Value: bigBytes(a.Value), CallData: a.CallData}
		}
		r.Operations[i] = rlpOperation{Nonce: op.Nonce, Actions: actions}
	}

	var buf bytes.Buffer
	if err := rlp.Encode(&buf, &r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (record, error) {
	var r rlpRecord
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return record{}, err
	}

	row := Row{
		ID:                   r.ID,
		EligibleAfter:        r.EligibleAfter,
		NextEligibilityDelay: r.NextEligibilityDelay,
	}
	row.Bundle.Signature[0] = bigFromBytes(r.Signature[0])
	row.Bundle.Signature[1] = bigFromBytes(r.Signature[1])

	row.Bundle.SenderPublicKeys = make([]blswallet.PublicKey, len(r.SenderPublicKeys))
	for i, pk := range r.SenderPublicKeys {
		for j, f := range pk {
			row.Bundle.SenderPublicKeys[i][j] = bigFromBytes(f)
		}
	}

	row.Bundle.Operations = make([]blswallet.Operation, len(r.Operations))
	for i, o := range r.Operations {
		actions := make([]blswallet.Action, len(o.Actions))
		for j, a := range o.Actions {
			actions[j] = blswallet.Action{Target: a.Target, Value: bigFromBytes(a.Value), CallData: a.CallData}
		}
		row.Bundle.Operations[i] = blswallet.Operation{Nonce: o.Nonce, Actions: actions}
	}

	return record{row: row, seq: r.Seq}, nil
}
