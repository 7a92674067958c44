package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsTotal tracks activation code validations by outcome kind ("ok" on success)
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activation_validations_total",
		Help: "Total number of activation code validations by outcome",
	}, []string{"outcome"})

	// LockoutsTotal counts origins moved into the locked state
	LockoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activation_lockouts_total",
		Help: "Total number of origin lockouts triggered by repeated failures",
	})

	// CodesIssuedTotal counts codes created through the admin surface
	CodesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activation_codes_issued_total",
		Help: "Total number of activation codes issued",
	})

	// KeySelectionsTotal tracks upstream key selections per pool index
	KeySelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rotator_key_selections_total",
		Help: "Total number of upstream key selections",
	}, []string{"key"})

	// KeyReportsTotal tracks outcome reports per pool index
	KeyReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rotator_key_reports_total",
		Help: "Total number of upstream call outcome reports",
	}, []string{"key", "result"})

	// KeyQuarantinesTotal counts keys taken out of rotation after consecutive failures
	KeyQuarantinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rotator_key_quarantines_total",
		Help: "Total number of key quarantines",
	}, []string{"key"})

	// PoolReactivationsTotal counts forced reactivations of the whole pool
	PoolReactivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotator_pool_reactivations_total",
		Help: "Total number of times every key was reactivated because none was eligible",
	})

	// KeysActive reports keys currently in rotation
	KeysActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rotator_keys_active",
		Help: "Number of upstream keys not in quarantine",
	})

	// UpstreamDuration tracks upstream generation call time
	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upstream_request_duration_seconds",
		Help:    "Histogram of upstream generation call duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})
)
