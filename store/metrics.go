package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the shape of dreamsxin-wal's walMetrics, generalized
// from index-keyed log entries to byte-addressed journal positions.
type metrics struct {
	bytesAppended    prometheus.Counter
	appends          prometheus.Counter
	bytesRead        prometheus.Counter
	reads            prometheus.Counter
	flushes          prometheus.Counter
	forces           prometheus.Counter
	segmentRotations prometheus.Counter
	segmentsDeleted  prometheus.Counter
	bytesCompacted   prometheus.Counter
	truncations      *prometheus.CounterVec
	lastSegmentAge   prometheus.Gauge
	min              prometheus.Gauge
	max              prometheus.Gauge
	flushed          prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		bytesAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "journal_bytes_appended_total",
			Help: "Total bytes appended to the journal, before segment padding.",
		}),
		appends: f.NewCounter(prometheus.CounterOpts{
			Name: "journal_appends_total",
			Help: "Total number of Append calls.",
		}),
		bytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "journal_bytes_read_total",
			Help: "Total bytes returned by Read.",
		}),
		reads: f.NewCounter(prometheus.CounterOpts{
			Name: "journal_reads_total",
			Help: "Total number of Read calls.",
		}),
		flushes: f.NewCounter(prometheus.CounterOpts{
			Name: "journal_flushes_total",
			Help: "Total number of Flush calls that performed at least one write.",
		}),
		forces: f.NewCounter(prometheus.CounterOpts{
			Name: "journal_forces_total",
			Help: "Total number of fsync calls issued while flushing.",
		}),
		segmentRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "journal_segment_rotations_total",
			Help: "Total number of times a new tail segment was created.",
		}),
		segmentsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "journal_segments_deleted_total",
			Help: "Total number of segment files deleted by compact/truncate.",
		}),
		bytesCompacted: f.NewCounter(prometheus.CounterOpts{
			Name: "journal_bytes_compacted_total",
			Help: "Total bytes reclaimed by compact.",
		}),
		truncations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_truncations_total",
			Help: "Total truncate calls by outcome.",
		}, []string{"success"}),
		lastSegmentAge: f.NewGauge(prometheus.GaugeOpts{
			Name: "journal_last_segment_age_seconds",
			Help: "Age in seconds between a segment's creation and its closeWrite.",
		}),
		min: f.NewGauge(prometheus.GaugeOpts{
			Name: "journal_min_position",
			Help: "Current logical min position.",
		}),
		max: f.NewGauge(prometheus.GaugeOpts{
			Name: "journal_max_position",
			Help: "Current logical max position.",
		}),
		flushed: f.NewGauge(prometheus.GaugeOpts{
			Name: "journal_flushed_position",
			Help: "Current durable watermark position.",
		}),
	}
}
