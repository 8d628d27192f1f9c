package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eddn"

// Metrics holds the relay collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	entriesProcessed *prometheus.CounterVec
	entryErrors      *prometheus.CounterVec
	relayRequests    *prometheus.CounterVec
	feedReconnects   prometheus.Counter
	feedMessages     *prometheus.CounterVec
	feedConnected    prometheus.Gauge
	archiveBytes     *prometheus.CounterVec
	shardsPurged     prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		entriesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_processed_total",
			Help:      "Entries passed through the normalizer, by event type",
		}, []string{"event"}),
		entryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entry_errors_total",
			Help:      "Per-entry failures, by pipeline stage",
		}, []string{"stage"}),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Upload gateway requests, by schema name and outcome",
		}, []string{"schema", "status"}),
		feedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Live feed reconnections after a timeout or transport error",
		}),
		feedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_messages_total",
			Help:      "Live feed messages, by result (yielded, filtered, invalid)",
		}, []string{"result"}),
		feedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connected",
			Help:      "1 while the live feed subscription is connected",
		}),
		archiveBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_appended_total",
			Help:      "Bytes appended to local archive shards, by category",
		}, []string{"category"}),
		shardsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_shards_purged_total",
			Help:      "Local archive shards deleted by the retention sweep",
		}),
	}
	reg.MustRegister(
		m.entriesProcessed, m.entryErrors, m.relayRequests,
		m.feedReconnects, m.feedMessages, m.feedConnected,
		m.archiveBytes, m.shardsPurged,
	)
	return m
}

func (m *Metrics) EntryProcessed(event string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.entriesProcessed.WithLabelValues(event).Inc()
}

func (m *Metrics) EntryError(stage string) {
	if m == nil {
		return
	}
	m.entryErrors.WithLabelValues(stage).Inc()
}

// RelayRequest records one gateway call; status is "ok", "rejected" or "error".
func (m *Metrics) RelayRequest(schema, status string) {
	if m == nil {
		return
	}
	m.relayRequests.WithLabelValues(schema, status).Inc()
}

func (m *Metrics) FeedReconnect() {
	if m == nil {
		return
	}
	m.feedReconnects.Inc()
}

func (m *Metrics) FeedMessage(result string) {
	if m == nil {
		return
	}
	m.feedMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.feedConnected.Set(1)
		return
	}
	m.feedConnected.Set(0)
}

func (m *Metrics) ArchiveAppended(category string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.archiveBytes.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) ShardPurged() {
	if m == nil {
		return
	}
	m.shardsPurged.Inc()
}
