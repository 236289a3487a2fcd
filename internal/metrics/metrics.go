package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"contactgraph/internal/service"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	Reconciliations  *prometheus.CounterVec
	ContactsCreated  *prometheus.CounterVec
	ClustersMerged   prometheus.Counter
	IdentifyDuration prometheus.Histogram
	Lookups          *prometheus.CounterVec
	TxRetries        prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contactgraph_reconciliations_total",
			Help: "Reconciliations by outcome",
		}, []string{"outcome"}),
		ContactsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contactgraph_contacts_created_total",
			Help: "Contacts inserted, by link precedence",
		}, []string{"precedence"}),
		ClustersMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "contactgraph_clusters_merged_total",
			Help: "Primaries demoted into another cluster",
		}),
		IdentifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "contactgraph_identify_duration_seconds",
			Help:    "Latency of identify calls including transaction retries",
			Buckets: prometheus.DefBuckets,
		}),
		Lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contactgraph_lookups_total",
			Help: "Cluster lookups by result",
		}, []string{"result"}),
		TxRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "contactgraph_tx_retries_total",
			Help: "Transactions replayed after a conflict",
		}),
	}
}

// ObserveIdentify records one identify call.
func (m *Metrics) ObserveIdentify(outcome *service.Outcome, err error, elapsed time.Duration) {
	m.IdentifyDuration.Observe(elapsed.Seconds())
	if err != nil || outcome == nil {
		m.Reconciliations.WithLabelValues("error").Inc()
		return
	}

	m.Reconciliations.WithLabelValues(string(outcome.Kind)).Inc()
	if outcome.Created != nil {
		m.ContactsCreated.WithLabelValues(string(outcome.Created.LinkPrecedence)).Inc()
	}
	if outcome.Merge != nil {
		m.ClustersMerged.Add(float64(len(outcome.Merge.Absorbed)))
	}
}

// ObserveLookup records one cluster lookup.
func (m *Metrics) ObserveLookup(hit bool, err error) {
	switch {
	case hit:
		m.Lookups.WithLabelValues("cache_hit").Inc()
	case errors.Is(err, service.ErrContactNotFound):
		m.Lookups.WithLabelValues("not_found").Inc()
	case err != nil:
		m.Lookups.WithLabelValues("error").Inc()
	default:
		m.Lookups.WithLabelValues("miss").Inc()
	}
}

// IncTxRetry counts a replayed transaction.
func (m *Metrics) IncTxRetry() {
	m.TxRetries.Inc()
}
