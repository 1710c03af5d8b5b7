package aggregator

import "github.com/ethereum/go-ethereum/event"

// BundleAddedEvent is emitted on successful admission, per spec.md §6.
type BundleAddedEvent struct {
	PublicKeyShorts []string
}

// WaitingUnconfirmedSpaceEvent is emitted each time submitAggregateBundle
// blocks on back-pressure, per spec.md §6.
type WaitingUnconfirmedSpaceEvent struct{}

// SubmissionConfirmedEvent is emitted once an aggregate's rows are
// removed from the table after on-chain confirmation, per spec.md §6.
type SubmissionConfirmedEvent struct {
	RowIDs      []uint64
	BlockNumber uint64
}

// Events exposes subscriptions to the three events spec.md §6 names,
// using event.Feed the way the teacher's subsystems publish internal
// state changes to the RPC/notification layer.
type Events struct {
	bundleAdded             event.Feed
	waitingUnconfirmedSpace event.Feed
	submissionConfirmed     event.Feed
}

func (e *Events) emitBundleAdded(ev BundleAddedEvent)                         { e.bundleAdded.Send(ev) }
func (e *Events) emitWaitingUnconfirmedSpace(ev WaitingUnconfirmedSpaceEvent)  { e.waitingUnconfirmedSpace.Send(ev) }
func (e *Events) emitSubmissionConfirmed(ev SubmissionConfirmedEvent)         { e.submissionConfirmed.Send(ev) }

// SubscribeBundleAdded registers ch to receive BundleAddedEvent values.
func (e *Events) SubscribeBundleAdded(ch chan<- BundleAddedEvent) event.Subscription {
	return e.bundleAdded.Subscribe(ch)
}

// SubscribeWaitingUnconfirmedSpace registers ch to receive WaitingUnconfirmedSpaceEvent values.
func (e *Events) SubscribeWaitingUnconfirmedSpace(ch chan<- WaitingUnconfirmedSpaceEvent) event.Subscription {
	return e.waitingUnconfirmedSpace.Subscribe(ch)
}

// SubscribeSubmissionConfirmed registers ch to receive SubmissionConfirmedEvent values.
func (e *Events) SubscribeSubmissionConfirmed(ch chan<- SubmissionConfirmedEvent) event.Subscription {
	return e.submissionConfirmed.Subscribe(ch)
}
