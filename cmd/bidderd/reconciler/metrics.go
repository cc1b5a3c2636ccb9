package reconciler

import (
	"github.com/toucanlabs/auction-client/cmd/bidderd/metrics"
	"go.opentelemetry.io/otel/attribute"
)

const prefix = metrics.Prefix + ".reconciler"

var attrTxStatus = attribute.Key("status")

func (r *Reconciler) initMetrics() {
	r.metricPolls = metrics.Meter.NewInt64Counter(prefix + ".polls_total")
	r.metricReplaced = metrics.Meter.NewInt64Counter(prefix + ".bid_list_replaced_total")
	r.metricOptResolved = metrics.Meter.NewInt64Counter(prefix + ".optimistic_resolved_total")
	r.metricTxFinalized = metrics.Meter.NewInt64Counter(prefix + ".tx_finalized_total")
}
