package metrics

import "github.com/prometheus/client_golang/prometheus"

// LoanMetrics counts loan lifecycle outcomes and inventory repair work.
type LoanMetrics struct {
	loans           *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	releaseFailures *prometheus.CounterVec
	publishFailures prometheus.Counter
	overdue         *prometheus.CounterVec
}

func NewLoanMetrics(reg prometheus.Registerer) *LoanMetrics {
	if reg == nil {
		return &LoanMetrics{}
	}
	m := &LoanMetrics{
		loans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loans_operations_total",
			Help: "Loan create/return calls by outcome code.",
		}, []string{"operation", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loans_compensations_total",
			Help: "Inventory releases issued to undo a reservation.",
		}, []string{"outcome"}),
		releaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loans_release_failures_total",
			Help: "Catalog releases that failed and were queued for retry.",
		}, []string{"source"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loans_publish_failures_total",
			Help: "Lifecycle events left for the relay after an eager publish failed.",
		}),
		overdue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loans_overdue_notices_total",
			Help: "Overdue sweep outcomes per loan.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.loans, m.compensations, m.releaseFailures, m.publishFailures, m.overdue)
	return m
}

func (m *LoanMetrics) Operation(operation, outcome string) {
	if m == nil || m.loans == nil {
		return
	}
	m.loans.WithLabelValues(operation, outcome).Inc()
}

func (m *LoanMetrics) Compensation(outcome string) {
	if m == nil || m.compensations == nil {
		return
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

func (m *LoanMetrics) ReleaseFailure(source string) {
	if m == nil || m.releaseFailures == nil {
		return
	}
	m.releaseFailures.WithLabelValues(source).Inc()
}

func (m *LoanMetrics) PublishFailure() {
	if m == nil || m.publishFailures == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *LoanMetrics) Overdue(outcome string) {
	if m == nil || m.overdue == nil {
		return
	}
	m.overdue.WithLabelValues(outcome).Inc()
}
