package aggregator

import "github.com/ethereum/go-ethereum/metrics"

// Metric names follow the teacher's preconf/<thing> namespacing,
// rooted at aggregator/<component>/<thing> instead.
var (
	bundlesAddedMeter     = metrics.NewRegisteredMeter("aggregator/bundle/added", nil)
	bundlesRejectedMeter  = metrics.NewRegisteredMeter("aggregator/bundle/rejected", nil)
	rowsEligibleGauge     = metrics.NewRegisteredGauge("aggregator/table/eligible", nil)
	rowsDroppedMeter      = metrics.NewRegisteredMeter("aggregator/table/dropped", nil)
	aggregatesSubmitted   = metrics.NewRegisteredMeter("aggregator/submission/submitted", nil)
	aggregatesConfirmed   = metrics.NewRegisteredMeter("aggregator/submission/confirmed", nil)
	aggregatesFailed      = metrics.NewRegisteredMeter("aggregator/submission/failed", nil)
	unconfirmedActionsGau = metrics.NewRegisteredGauge("aggregator/unconfirmed/actions", nil)
	unconfirmedCountGau   = metrics.NewRegisteredGauge("aggregator/unconfirmed/aggregates", nil)
	culpritChecksCounter  = metrics.NewRegisteredCounter("aggregator/bisect/checks", nil)
	submissionExecuteTime = metrics.NewRegisteredTimer("aggregator/submission/execute", nil)
)
