package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mantlenetworkio/bls-bundle-aggregator/aggregator"
	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
	"github.com/mantlenetworkio/bls-bundle-aggregator/bundletable"
	"github.com/mantlenetworkio/bls-bundle-aggregator/chainadapter"
	"github.com/mantlenetworkio/bls-bundle-aggregator/reward"
)

// noopAdapter is a minimal chainadapter.Adapter stub: just enough for
// BundleService.Add to run its nonce check and persist (or reject) a
// bundle, without a live RPC endpoint. Unlike the aggregator package's
// own fakeAdapter (unexported there), this one lives in apiserver's
// test package since it only needs to exercise the HTTP plumbing.
type noopAdapter struct{}

func (noopAdapter) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }
func (noopAdapter) CheckNonces(ctx context.Context, bundle blswallet.Bundle) ([]chainadapter.TransactionFailure, error) {
	return nil, nil
}
func (noopAdapter) CallStaticSequenceWithMeasure(ctx context.Context, measureCall []byte, actionCalls [][]byte) (chainadapter.SequenceResult, error) {
	return chainadapter.SequenceResult{}, nil
}
func (noopAdapter) EstimateGas(ctx context.Context, bundle blswallet.Bundle) (uint64, error) {
	return 0, nil
}
func (noopAdapter) EncodeCallData(bundle blswallet.Bundle) ([]byte, error) { return nil, nil }
func (noopAdapter) EncodeMeasureCall(model reward.Model) ([]byte, error)   { return nil, nil }
func (noopAdapter) SubmitBundle(ctx context.Context, aggregate blswallet.Bundle, timeout time.Duration) (*types.Receipt, error) {
	return &types.Receipt{}, nil
}
func (noopAdapter) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (noopAdapter) TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	table, err := bundletable.Open(t.TempDir())
	if err != nil {
		t.Fatalf("bundletable.Open: %v", err)
	}
	t.Cleanup(func() { table.Close() })

	svc := aggregator.NewBundleService(aggregator.Config{
		BundleQueryLimit:           10,
		MaxAggregationSize:         10,
		MaxAggregationDelay:        time.Second,
		MaxUnconfirmedAggregations: 1,
		MaxEligibilityDelay:        4,
		Rewards:                    reward.Model{Kind: reward.Native, PerGas: big.NewInt(0), PerByte: big.NewInt(0)},
		SubmissionTimeout:          time.Second,
		BlockTickWarmup:            time.Hour,
	}, table, noopAdapter{})
	t.Cleanup(svc.Stop)

	return New("127.0.0.1:0", svc)
}

func bigPtr(v int64) *hexutil.Big {
	b := hexutil.Big(*big.NewInt(v))
	return &b
}

func TestHandleAddBundleRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	s.handleAddBundle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleAddBundleRejectsNonCurveSignature(t *testing.T) {
	s := newTestServer(t)

	body := addRequest{
		Bundle: bundleWire{
			Signature: [2]*hexutil.Big{bigPtr(1), bigPtr(2)},
			SenderPublicKeys: []wirePublicKey{
				{bigPtr(1), bigPtr(2), bigPtr(3), bigPtr(4)},
			},
			Operations: []wireOperation{
				{Nonce: 1, Actions: []wireAction{{Value: bigPtr(0)}}},
			},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	s.handleAddBundle(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusUnprocessableEntity, rec.Body.String())
	}

	var resp addResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].Kind != string(chainadapter.InvalidSignature) {
		t.Fatalf("unexpected failures: %+v", resp.Failures)
	}
}

func TestHandleAddBundleRejectsWrongMethod(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/bundles", nil)
	rec := httptest.NewRecorder()
	s.handleAddBundle(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
