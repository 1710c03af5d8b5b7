package aggregator

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
	"github.com/mantlenetworkio/bls-bundle-aggregator/bundletable"
)

// bundleWithActions builds a bundle with a single operation holding n
// zero-value actions, useful only for exercising action-count
// bookkeeping (back-pressure, bisection budgeting) that never touches
// signature verification.
func bundleWithActions(n int) blswallet.Bundle {
	actions := make([]blswallet.Action, n)
	for i := range actions {
		actions[i] = blswallet.Action{Value: big.NewInt(0)}
	}
	return blswallet.Bundle{Operations: []blswallet.Operation{{Actions: actions}}}
}

// openTestService wires a BundleService atop a fresh pebble-backed table
// and a fresh fakeAdapter, in the spirit of bundletable's own
// openTestTable helper. BlockTickWarmup in testConfig is an hour, so the
// block-tick loop never interferes with a test driving things directly.
func openTestService(t *testing.T) (*BundleService, *fakeAdapter, *bundletable.Table) {
	t.Helper()
	table, err := bundletable.Open(filepath.Join(t.TempDir(), "bundles"))
	if err != nil {
		t.Fatalf("open table: %v", err)
	}
	t.Cleanup(func() { table.Close() })

	fa := newFakeAdapter()
	cfg := testConfig()
	s := NewBundleService(cfg, table, fa)
	t.Cleanup(s.Stop)
	return s, fa, table
}

// addTestRow inserts a row directly into the table, bypassing Add's
// signature check (testBundle's points are not valid curve points).
// This exercises the aggregation/bisection/backoff/back-pressure engine
// without needing a real BLS signer.
func addTestRow(t *testing.T, s *BundleService, nonce, eligibleAfter uint64) bundletable.Row {
	t.Helper()
	var row bundletable.Row
	err := s.withBatch(func() error {
		r, err := s.table.Add(s.currentBatch, bundletable.Row{
			Bundle:               testBundle(nonce),
			EligibleAfter:        eligibleAfter,
			NextEligibilityDelay: 1,
		})
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	if err != nil {
		t.Fatalf("add row: %v", err)
	}
	return row
}

func countRows(t *testing.T, table *bundletable.Table, currentBlock uint64) int {
	t.Helper()
	rows, err := table.FindEligible(currentBlock, 1000)
	if err != nil {
		t.Fatalf("find eligible: %v", err)
	}
	return len(rows)
}

// Scenario: happy batch (spec.md §8) — several bundles, each well
// within budget, submit as a single aggregate and clear the table.
func TestRunSubmissionHappyBatch(t *testing.T) {
	s, fa, table := openTestService(t)
	fa.SetBlock(10)
	for i := uint64(0); i < 10; i++ {
		fa.setBundle(i, 8, 8)
		addTestRow(t, s, i, 10)
	}

	s.runSubmission(context.Background())
	s.tasks.Drain()

	require.Len(t, fa.submitted, 1, "expected 1 submission")
	require.Equal(t, 10, fa.submitted[0].CountActions(), "expected 10 actions submitted")
	require.Zero(t, countRows(t, table, 10), "expected table drained")
}

// Scenario: overflow split (spec.md §8) — more actions are eligible
// than MaxAggregationSize allows; only a prefix is aggregated and the
// remainder stays eligible for the next pass.
func TestRunSubmissionOverflowSplit(t *testing.T) {
	s, fa, table := openTestService(t)
	fa.SetBlock(10)
	for i := uint64(0); i < 20; i++ {
		fa.setBundle(i, 8, 8)
		addTestRow(t, s, i, 10)
	}

	s.runSubmission(context.Background())
	s.tasks.Drain()

	require.Len(t, fa.submitted, 1, "expected 1 submission")
	require.Equal(t, s.cfg.MaxAggregationSize, fa.submitted[0].CountActions(), "expected a full batch submitted")
	require.Equal(t, 20-s.cfg.MaxAggregationSize, countRows(t, table, 10), "expected overflow rows to remain")
}

// Scenario: single poisoner (spec.md §8) — 5 bundles, bundle 2
// declares zero reward. The required reward of a prefix is measured
// over the *whole* growing aggregate (previousAggregate included), so
// once bundle 2 is excised, bundles 3 and 4 no longer individually
// cover the larger aggregate's required reward either (each was only
// sized to cover its own calldata in isolation) and are backed off in
// this same pass too. The first submission confirms only {0,1}; the
// next runSubmission pass — now starting from a fresh (empty)
// previousAggregate — processes {3,4} on their own, matching the
// spec's own description of this scenario.
func TestRunSubmissionSinglePoisoner(t *testing.T) {
	s, fa, table := openTestService(t)
	fa.SetBlock(10)
	rows := make([]bundletable.Row, 5)
	for i := uint64(0); i < 5; i++ {
		fa.setBundle(i, 8, 8)
		rows[i] = addTestRow(t, s, i, 10)
	}
	// bundle 2 underpays: declares 0 reward against a required 8.
	fa.setBundle(2, 8, 0)

	s.runSubmission(context.Background())
	s.tasks.Drain()

	if got := len(fa.submitted); got != 1 {
		t.Fatalf("expected 1 submission, got %d", got)
	}
	if got := fa.submitted[0].CountActions(); got != 2 {
		t.Fatalf("expected only bundles 0 and 1 submitted together, got %d actions", got)
	}
	for _, id := range []uint64{0, 1} {
		if _, err := table.Get(rows[id].ID); err != bundletable.ErrNotFound {
			t.Fatalf("expected row %d removed after confirmation, got err=%v", id, err)
		}
	}

	for _, id := range []uint64{2, 3, 4} {
		row, err := table.Get(rows[id].ID)
		if err != nil {
			t.Fatalf("expected row %d to remain in the table (backed off), get failed: %v", id, err)
		}
		if row.EligibleAfter != 11 {
			t.Fatalf("expected row %d backed off to block 11 (10 + delay 1), got %d", id, row.EligibleAfter)
		}
		if row.NextEligibilityDelay != 2 {
			t.Fatalf("expected row %d's delay doubled to 2, got %d", id, row.NextEligibilityDelay)
		}
	}

	// Advance to block 11: row 2 is still underpaying and is backed off
	// again (delay 2 -> 4); rows 3 and 4, evaluated fresh with no
	// previousAggregate baggage, now clear their own required reward and
	// submit together as the scenario's "next aggregate".
	fa.SetBlock(11)
	s.runSubmission(context.Background())
	s.tasks.Drain()

	if got := len(fa.submitted); got != 2 {
		t.Fatalf("expected a second submission, got %d total", got)
	}
	if got := fa.submitted[1].CountActions(); got != 2 {
		t.Fatalf("expected bundles 3 and 4 submitted together, got %d actions", got)
	}
	for _, id := range []uint64{3, 4} {
		if _, err := table.Get(rows[id].ID); err != bundletable.ErrNotFound {
			t.Fatalf("expected row %d removed after the second confirmation, got err=%v", id, err)
		}
	}

	row2, err := table.Get(rows[2].ID)
	if err != nil {
		t.Fatalf("expected row 2 still present, get failed: %v", err)
	}
	if row2.EligibleAfter != 13 || row2.NextEligibilityDelay != 4 {
		t.Fatalf("expected row 2 backed off again to eligibleAfter=13, delay=4, got %+v", row2)
	}
}

// Every bundle underpays, so no aggregate is submitted and every row is
// backed off. Each bundle's reward (7) is below its own lower bound (8),
// so on every pass the fast scan flags the first remaining bundle and
// checkFirstN over the empty prefix before it succeeds; the bisection
// fallback is not reached. With this fake's zero gas estimate and
// additive calldata lengths, a prefix built on an empty previousAggregate
// can only fail where some bundle also fails its own lower bound.
func TestRunSubmissionBacksOffEveryUnderpayingBundle(t *testing.T) {
	s, fa, table := openTestService(t)
	fa.SetBlock(10)
	rows := make([]bundletable.Row, 4)
	for i := uint64(0); i < 4; i++ {
		fa.setBundle(i, 8, 8)
		rows[i] = addTestRow(t, s, i, 10)
	}
	// Each bundle declares 7 against a per-bundle cost of 8.
	for i := uint64(0); i < 4; i++ {
		fa.setBundle(i, 8, 7)
	}

	s.runSubmission(context.Background())
	s.tasks.Drain()

	if got := len(fa.submitted); got != 0 {
		t.Fatalf("expected no submission when every bundle underpays, got %d", got)
	}
	if got := countRows(t, table, 10); got != 0 {
		t.Fatalf("expected all 4 rows backed off out of eligibility at block 10, got %d still eligible", got)
	}
	row0, err := table.Get(rows[0].ID)
	if err != nil {
		t.Fatalf("expected row 0 retained (backed off), got err=%v", err)
	}
	if row0.EligibleAfter != 11 {
		t.Fatalf("expected row 0 backed off to block 11, got %d", row0.EligibleAfter)
	}
}

// Scenario: backoff exhaustion (spec.md §8) — a row that keeps failing
// past MaxEligibilityDelay is dropped rather than backed off again.
func TestHandleFailedRowExhaustsBackoff(t *testing.T) {
	s, _, table := openTestService(t)
	var row bundletable.Row
	err := s.withBatch(func() error {
		r, err := table.Add(s.currentBatch, bundletable.Row{
			Bundle: testBundle(1), EligibleAfter: 10, NextEligibilityDelay: 8,
		})
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	if err != nil {
		t.Fatalf("add row: %v", err)
	}

	err = s.withBatch(func() error {
		return s.handleFailedRow(s.currentBatch, row, 10)
	})
	if err != nil {
		t.Fatalf("handleFailedRow: %v", err)
	}

	if _, err := table.Get(row.ID); err != bundletable.ErrNotFound {
		t.Fatalf("expected row dropped once delay exceeds MaxEligibilityDelay, got err=%v", err)
	}
}

// Scenario: backoff exhaustion, full progression (spec.md §8) — a row
// starting at delay 1 is backed off three times (delay 1 -> 2 -> 4 -> 8)
// and is dropped on its fourth failure, when its delay of 8 exceeds
// MaxEligibilityDelay (4).
func TestHandleFailedRowBackoffProgression(t *testing.T) {
	s, _, table := openTestService(t)
	var row bundletable.Row
	err := s.withBatch(func() error {
		r, err := table.Add(s.currentBatch, bundletable.Row{
			Bundle: testBundle(1), EligibleAfter: 10, NextEligibilityDelay: 1,
		})
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	if err != nil {
		t.Fatalf("add row: %v", err)
	}

	wantDelays := []uint64{2, 4, 8}
	for _, want := range wantDelays {
		err := s.withBatch(func() error {
			return s.handleFailedRow(s.currentBatch, row, 10)
		})
		if err != nil {
			t.Fatalf("handleFailedRow: %v", err)
		}
		row, err = table.Get(row.ID)
		if err != nil {
			t.Fatalf("get row: %v", err)
		}
		if row.NextEligibilityDelay != want {
			t.Fatalf("expected delay %d, got %d", want, row.NextEligibilityDelay)
		}
	}

	// Fourth failure: delay is now 8 > maxEligibilityDelay(4), so the row
	// is dropped instead of backed off again.
	err = s.withBatch(func() error {
		return s.handleFailedRow(s.currentBatch, row, 10)
	})
	if err != nil {
		t.Fatalf("handleFailedRow: %v", err)
	}
	if _, err := table.Get(row.ID); err != bundletable.ErrNotFound {
		t.Fatalf("expected row dropped on the fourth failure, got err=%v", err)
	}
}

// Scenario: back-pressure (spec.md §8) — once MaxUnconfirmedActions is
// reached, waitForCapacity blocks until a prior reservation is
// released, rather than admitting an over-budget submission.
func TestBackPressureBlocksUntilReleased(t *testing.T) {
	s, _, _ := openTestService(t)
	max := s.cfg.MaxUnconfirmedActions()

	fullAgg := bundleWithActions(max)
	submitID := s.unconfirmed.reserve(fullAgg, []uint64{1})

	waited := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		err := s.unconfirmed.waitForCapacity(context.Background(), 1, max, func() {
			waited <- struct{}{}
		})
		done <- err
	}()

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatalf("expected waitForCapacity to block and invoke onWait while at capacity")
	}

	select {
	case <-done:
		t.Fatalf("expected waitForCapacity to still be blocked before release")
	case <-time.After(20 * time.Millisecond):
	}

	s.unconfirmed.release(submitID, []uint64{1})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("expected waitForCapacity to unblock after release")
	}
}

// Context cancellation must also unblock a waiter, since sync.Cond does
// not natively observe ctx.Done().
func TestBackPressureRespectsContextCancellation(t *testing.T) {
	s, _, _ := openTestService(t)
	max := s.cfg.MaxUnconfirmedActions()
	s.unconfirmed.reserve(bundleWithActions(max), []uint64{1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.unconfirmed.waitForCapacity(ctx, 1, max, nil)
	}()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err, "expected context cancellation to unblock waitForCapacity with an error")
	case <-time.After(time.Second):
		t.Fatalf("expected waitForCapacity to return promptly after cancellation")
	}
}
