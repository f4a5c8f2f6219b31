package harvest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for harvest progress.
type Metrics struct {
	Registry        *prometheus.Registry
	TasksTotal      *prometheus.CounterVec
	PagesTotal      prometheus.Counter
	PageErrorsTotal prometheus.Counter
	FallbacksTotal  prometheus.Counter
	RecordsSeen     prometheus.Counter
	RecordsAccepted prometheus.Counter
	Duplicates      prometheus.Counter
	RejectedTotal   *prometheus.CounterVec
	SnapshotsTotal  prometheus.Counter
	UniqueRecords   prometheus.Gauge
}

// NewMetrics registers harvest collectors on a dedicated registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith registers harvest collectors on registry.
func NewMetricsWith(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: registry,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_tasks_total",
			Help: "Tasks finished by terminal state.",
		}, []string{"state"}),
		PagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_pages_total",
			Help: "Catalog pages fetched successfully.",
		}),
		PageErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_page_errors_total",
			Help: "Pages skipped after exhausting retries.",
		}),
		FallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_fallbacks_total",
			Help: "Publisher or subject tasks that fell back to search.",
		}),
		RecordsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_records_seen_total",
			Help: "Catalog items examined.",
		}),
		RecordsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_records_accepted_total",
			Help: "Records accepted for the first time.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_duplicates_total",
			Help: "Items dropped because their ISBN was already accepted.",
		}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_rejected_total",
			Help: "Items dropped before deduplication by reason.",
		}, []string{"reason"}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_snapshots_total",
			Help: "Snapshot files written.",
		}),
		UniqueRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_unique_records",
			Help: "Records currently held in the output buffer.",
		}),
	}
	registry.MustRegister(
		m.TasksTotal, m.PagesTotal, m.PageErrorsTotal, m.FallbacksTotal,
		m.RecordsSeen, m.RecordsAccepted, m.Duplicates, m.RejectedTotal,
		m.SnapshotsTotal, m.UniqueRecords,
	)
	return m
}

func (m *Metrics) incTask(state string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) incPage() {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
}

func (m *Metrics) incPageError() {
	if m == nil {
		return
	}
	m.PageErrorsTotal.Inc()
}

func (m *Metrics) incFallback() {
	if m == nil {
		return
	}
	m.FallbacksTotal.Inc()
}

func (m *Metrics) addSeen(n int) {
	if m == nil {
		return
	}
	m.RecordsSeen.Add(float64(n))
}

func (m *Metrics) incAccepted() {
	if m == nil {
		return
	}
	m.RecordsAccepted.Inc()
}

func (m *Metrics) incDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

func (m *Metrics) incRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) incSnapshot() {
	if m == nil {
		return
	}
	m.SnapshotsTotal.Inc()
}

func (m *Metrics) setUnique(n int) {
	if m == nil {
		return
	}
	m.UniqueRecords.Set(float64(n))
}
