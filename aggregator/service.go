package aggregator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
	"github.com/mantlenetworkio/bls-bundle-aggregator/bundletable"
	"github.com/mantlenetworkio/bls-bundle-aggregator/chainadapter"
)

// BundleService is the aggregation engine from spec.md §4.4: it
// admits bundles, selects batches, bisects for the first failing
// bundle, submits aggregates, tracks unconfirmed state, and schedules
// backoff.
type BundleService struct {
	cfg     Config
	table   *bundletable.Table
	adapter chainadapter.Adapter
	qg      *queryGroup

	// currentBatch is set only while a query-group run is in flight, so
	// BundleTable calls inside a withBatch closure can reach it without
	// threading it through every intermediate call.
	currentBatch *pebble.Batch

	unconfirmed *unconfirmedState
	timer       *SubmissionTimer
	tasks       taskPool
	events      Events

	submissionsInProgress atomic.Int32

	stopOnce sync.Once
	stopping atomic.Bool
	stopped  chan struct{}
}

// NewBundleService constructs the engine and starts its block-tick
// loop after cfg.BlockTickWarmup, per spec.md §4.4.10 ("start: implicit
// at construction").
func NewBundleService(cfg Config, table *bundletable.Table, adapter chainadapter.Adapter) *BundleService {
	s := &BundleService{
		cfg:         cfg,
		table:       table,
		adapter:     adapter,
		qg:          newQueryGroup(table),
		unconfirmed: newUnconfirmedState(),
		stopped:     make(chan struct{}),
	}
	s.timer = NewSubmissionTimer(cfg.MaxAggregationDelay, s.onTimerFire)

	s.tasks.Go("block-tick-loop", func() {
		select {
		case <-time.After(cfg.BlockTickWarmup):
		case <-s.stopped:
			return
		}
		s.blockTickLoop()
	})

	return s
}

// Events exposes the service's event subscriptions (spec.md §6).
func (s *BundleService) Events() *Events { return &s.events }

// Add is the single inbound operation from spec.md §6: it validates
// format, signature and nonces synchronously, and — only if all pass —
// persists the bundle and schedules a tryAggregating pass.
func (s *BundleService) Add(ctx context.Context, bundle blswallet.Bundle) ([]chainadapter.TransactionFailure, error) {
	if err := bundle.Validate(); err != nil {
		bundlesRejectedMeter.Mark(1)
		return []chainadapter.TransactionFailure{{Kind: chainadapter.InvalidFormat}}, nil
	}
	if !blswallet.VerifyAggregateSignature(bundle) {
		bundlesRejectedMeter.Mark(1)
		return []chainadapter.TransactionFailure{{Kind: chainadapter.InvalidSignature}}, nil
	}

	failures, err := s.adapter.CheckNonces(ctx, bundle)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		bundlesRejectedMeter.Mark(1)
		return failures, nil
	}

	var row bundletable.Row
	currentBlock, err := s.adapter.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	err = s.withBatch(func() error {
		r, addErr := s.table.Add(s.currentBatch, bundletable.Row{
			Bundle:               bundle,
			EligibleAfter:        currentBlock,
			NextEligibilityDelay: 1,
		})
		if addErr != nil {
			return addErr
		}
		row = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	bundlesAddedMeter.Mark(1)
	s.events.emitBundleAdded(BundleAddedEvent{PublicKeyShorts: publicKeyShorts(bundle)})

	s.scheduleTryAggregating()
	return nil, nil
}

// withBatch runs fn inside a single query-group transaction, making
// the batch available via s.currentBatch for the duration — the query
// group (C5) guarantees only one such run is ever active, so this is
// safe without extra synchronization.
func (s *BundleService) withBatch(fn func() error) error {
	return s.qg.run(func(batch *pebble.Batch) error {
		s.currentBatch = batch
		defer func() { s.currentBatch = nil }()
		return fn()
	})
}

func publicKeyShorts(bundle blswallet.Bundle) []string {
	out := make([]string, len(bundle.SenderPublicKeys))
	for i, pk := range bundle.SenderPublicKeys {
		if pk[0] != nil {
			out[i] = pk[0].Text(16)[:minInt(8, len(pk[0].Text(16)))]
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// scheduleTryAggregating runs tryAggregating on the task pool, per
// spec.md §4.4.1/§4.4.4 ("schedule a tryAggregating pass").
func (s *BundleService) scheduleTryAggregating() {
	s.tasks.Go("try-aggregating", func() {
		s.tryAggregating(context.Background())
	})
}

// tryAggregating is spec.md §4.4.2: short-circuits while a submission
// is in progress, otherwise inspects the eligible queue and drives the
// submission timer's three transitions.
func (s *BundleService) tryAggregating(ctx context.Context) {
	if s.submissionsInProgress.Load() > 0 {
		return
	}

	currentBlock, err := s.adapter.BlockNumber(ctx)
	if err != nil {
		log.Warn("aggregator: tryAggregating failed to read block number", "err", err)
		return
	}

	rows, err := s.eligibleRows(currentBlock)
	if err != nil {
		log.Warn("aggregator: tryAggregating failed to query eligible rows", "err", err)
		return
	}

	actionCount := 0
	for _, row := range rows {
		actionCount += row.Bundle.CountActions()
	}
	rowsEligibleGauge.Update(int64(len(rows)))

	switch {
	case actionCount >= s.cfg.MaxAggregationSize:
		s.timer.Trigger()
	case actionCount > 0:
		s.timer.NotifyActive()
	default:
		s.timer.Clear()
	}
}

// eligibleRows queries the table and excludes rows already committed
// to an in-flight aggregate, per spec.md §4.4.2.
func (s *BundleService) eligibleRows(currentBlock uint64) ([]bundletable.Row, error) {
	rows, err := s.table.FindEligible(currentBlock, s.cfg.BundleQueryLimit)
	if err != nil {
		return nil, err
	}
	filtered := rows[:0:0]
	for _, row := range rows {
		if s.unconfirmed.isUnconfirmedRow(row.ID) {
			continue
		}
		filtered = append(filtered, row)
	}
	return filtered, nil
}

func (s *BundleService) onTimerFire() {
	s.scheduleRunSubmission()
}

func (s *BundleService) scheduleRunSubmission() {
	s.tasks.Go("run-submission", func() {
		s.runSubmission(context.Background())
	})
}

// runSubmission is spec.md §4.4.4.
func (s *BundleService) runSubmission(ctx context.Context) {
	s.submissionsInProgress.Add(1)
	defer s.submissionsInProgress.Add(-1)
	defer s.scheduleTryAggregating()

	currentBlock, err := s.adapter.BlockNumber(ctx)
	if err != nil {
		log.Warn("aggregator: runSubmission failed to read block number", "err", err)
		return
	}

	var aggregate blswallet.Bundle
	var included []bundletable.Row
	err = s.withBatch(func() error {
		rows, err := s.eligibleRows(currentBlock)
		if err != nil {
			return err
		}
		agg, inc, err := s.createAggregateBundle(ctx, s.currentBatch, currentBlock, rows)
		if err != nil {
			return err
		}
		aggregate, included = agg, inc
		return nil
	})
	if err != nil {
		log.Warn("aggregator: runSubmission failed", "err", err)
		return
	}
	if len(included) == 0 {
		return
	}

	s.submitAggregateBundle(ctx, aggregate, included)
}

// submitAggregateBundle is spec.md §4.4.9: it blocks for back-pressure
// capacity, reserves the aggregate's footprint, then submits and
// confirms it asynchronously.
func (s *BundleService) submitAggregateBundle(ctx context.Context, aggregate blswallet.Bundle, rows []bundletable.Row) {
	actionCount := aggregate.CountActions()
	err := s.unconfirmed.waitForCapacity(ctx, actionCount, s.cfg.MaxUnconfirmedActions(), func() {
		s.events.emitWaitingUnconfirmedSpace(WaitingUnconfirmedSpaceEvent{})
	})
	if err != nil {
		log.Warn("aggregator: back-pressure wait aborted", "err", err)
		return
	}

	rowIDs := make([]uint64, len(rows))
	for i, row := range rows {
		rowIDs[i] = row.ID
	}
	submitID := s.unconfirmed.reserve(aggregate, rowIDs)
	aggregatesSubmitted.Mark(1)

	s.tasks.Go("submit-aggregate", func() {
		s.awaitSubmission(submitID, aggregate, rowIDs)
	})
}

func (s *BundleService) awaitSubmission(submitID uint64, aggregate blswallet.Bundle, rowIDs []uint64) {
	defer s.unconfirmed.release(submitID, rowIDs)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubmissionTimeout)
	defer cancel()

	receipt, err := s.adapter.SubmitBundle(ctx, aggregate, s.cfg.SubmissionTimeout)
	submissionExecuteTime.UpdateSince(start)
	if err != nil {
		log.Warn("aggregator: submission failed", "err", err, "rows", rowIDs)
		aggregatesFailed.Mark(1)
		return
	}

	err = s.withBatch(func() error {
		for _, id := range rowIDs {
			if err := s.table.Remove(s.currentBatch, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error("aggregator: failed to remove confirmed rows", "err", err, "rows", rowIDs)
		return
	}

	aggregatesConfirmed.Mark(1)
	s.events.emitSubmissionConfirmed(SubmissionConfirmedEvent{RowIDs: rowIDs, BlockNumber: receipt.BlockNumber.Uint64()})
}

// Stop implements spec.md §4.4.10: it stops admitting new background
// tasks, awaits every in-flight one, and stops the timer.
func (s *BundleService) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.stopped)
		s.tasks.Stop()
		s.timer.Stop()
		s.tasks.Drain()
	})
}

// WaitForConfirmations blocks until every aggregate unconfirmed at
// call time has been confirmed or released, per spec.md §4.4.10.
func (s *BundleService) WaitForConfirmations(ctx context.Context) error {
	return s.unconfirmed.waitForConfirmations(ctx)
}

func (s *BundleService) blockTickLoop() {
	var lastBlock uint64
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
		}
		if s.stopping.Load() {
			return
		}
		block, err := s.adapter.BlockNumber(context.Background())
		if err != nil {
			log.Warn("aggregator: block-tick loop failed to read block number", "err", err)
			continue
		}
		if block == lastBlock {
			continue
		}
		lastBlock = block
		s.scheduleTryAggregating()
	}
}
