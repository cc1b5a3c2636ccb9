package submitter

import (
	"github.com/toucanlabs/auction-client/cmd/bidderd/metrics"
)

const prefix = metrics.Prefix + ".submitter"

func (s *Submitter) initMetrics() {
	s.metricPrepareBid = metrics.Meter.NewInt64Counter(prefix + ".bid_preparations_total")
	s.metricSubmitBid = metrics.Meter.NewInt64Counter(prefix + ".bid_submissions_total")
	s.metricPrepareWithdrawal = metrics.Meter.NewInt64Counter(prefix + ".withdrawal_preparations_total")
	s.metricStartWithdrawal = metrics.Meter.NewInt64Counter(prefix + ".withdrawal_starts_total")
}
