package chainadapter

import "math/big"

// FailureKind enumerates the client-error kinds the aggregator can
// report from admission, per spec.md §4.4.1 and §6.
type FailureKind string

const (
	InvalidFormat    FailureKind = "invalid-format"
	InvalidSignature FailureKind = "invalid-signature"
	NonceTooLow      FailureKind = "nonce-too-low"
	NonceTooHigh     FailureKind = "nonce-too-high"
)

// TransactionFailure is one operation's rejection reason, identified
// by its index within the bundle's operation list.
type TransactionFailure struct {
	OperationIndex int
	Kind           FailureKind
}

// MeasureResult is one step of a callStaticSequenceWithMeasure
// simulation: whether the call succeeded, and (for measure calls) the
// returned balance value.
type MeasureResult struct {
	Success bool
	Value   *big.Int
}

// SequenceResult is the outcome of simulating `measure, a0, measure,
// a1, measure, ..., an-1, measure` in one atomic read, per spec.md
// §4.2. MeasureResults has len(ActionCalls)+1 entries; CallResults has
// len(ActionCalls).
type SequenceResult struct {
	MeasureResults []MeasureResult
	CallResults    []bool
}
