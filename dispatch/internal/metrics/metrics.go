package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "genrelay"

var (
	TasksEnqueued     prometheus.Counter
	TasksLeased       prometheus.Counter
	LeaseReleases     prometheus.Counter
	StatusReports     *prometheus.CounterVec
	ArtifactsUploaded *prometheus.CounterVec
	Replications      *prometheus.CounterVec
	EventsBroadcast   *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	Subscribers       prometheus.Gauge
	SnapshotFailures  *prometheus.CounterVec
	IntakeMessages    *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
)

func init() {
	TasksEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_enqueued_total",
		Help:      "Tasks created through push or intake",
	})
	prometheus.MustRegister(TasksEnqueued)

	TasksLeased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_leased_total",
		Help:      "Leases granted by fetch-pending",
	})
	prometheus.MustRegister(TasksLeased)

	LeaseReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_releases_total",
		Help:      "Leases released early by clients",
	})
	prometheus.MustRegister(LeaseReleases)

	StatusReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_reports_total",
		Help:      "Status reports by reported status and outcome",
	}, []string{"status", "outcome"}) // outcome: applied, rejected, unknown
	prometheus.MustRegister(StatusReports)

	ArtifactsUploaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifacts_uploaded_total",
		Help:      "Artifacts stored by quality",
	}, []string{"quality"})
	prometheus.MustRegister(ArtifactsUploaded)

	Replications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifact_replications_total",
		Help:      "Background copies of artifacts to object storage",
	}, []string{"outcome"}) // outcome: mirrored, failed
	prometheus.MustRegister(Replications)

	EventsBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "events_total",
		Help:      "Events handed to subscriber channels",
	}, []string{"event"})
	prometheus.MustRegister(EventsBroadcast)

	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber channel was full",
	}, []string{"event"})
	prometheus.MustRegister(EventsDropped)

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "subscribers",
		Help:      "Connected push subscribers",
	})
	prometheus.MustRegister(Subscribers)

	SnapshotFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_failures_total",
		Help:      "Failed snapshot writes by table",
	}, []string{"table"})
	prometheus.MustRegister(SnapshotFailures)

	IntakeMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intake",
		Name:      "messages_total",
		Help:      "NATS intake messages by outcome",
	}, []string{"outcome"}) // outcome: ack, term, nak
	prometheus.MustRegister(IntakeMessages)

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
	prometheus.MustRegister(HTTPDuration)
}
