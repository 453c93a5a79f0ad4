// Package metrics declares Prometheus collectors of the binlog store.
// Collectors are not registered by this package: programs register them
// with BinlogCollectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for binlog metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	SourceFIFO = "fifo"
	SourceFile = "file"

	StallPageSlots  = "page_slots"
	StallGeneration = "generation"
)

// Collectors of the page FIFO and its flush loop.
var (
	BinlogPagesBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "binlog_pages_buffered",
		Help: "Number of pages currently held by the page FIFO.",
	})
	BinlogPagesFlushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binlog_pages_flushed_total",
		Help: "Cumulative number of page writes to generation files.",
	})
	BinlogPageFlushRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binlog_page_flush_retries_total",
		Help: "Cumulative number of page writes repeated because the page was modified during its flush.",
	})
	BinlogPageFlushSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "binlog_page_flush_seconds",
		Help:    "Latency of page writes to generation files.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
	})
	BinlogFsyncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "binlog_fsyncs_total",
		Help: "Cumulative number of generation file syncs, by status.",
	}, []string{"status"})
)

// Collectors of the chunk writer and reader.
var (
	BinlogRecordsWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "binlog_records_written_total",
		Help: "Cumulative number of records written, by chunk type.",
	}, []string{"type"})
	BinlogBytesWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binlog_bytes_written_total",
		Help: "Cumulative number of chunk bytes (including headers) written to pages.",
	})
	BinlogWriterStallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "binlog_writer_stalls_total",
		Help: "Cumulative number of times a writer blocked, by reason.",
	}, []string{"reason"})
	BinlogReadBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "binlog_read_bytes_total",
		Help: "Cumulative number of page bytes fetched by readers, by source.",
	}, []string{"source"})
	BinlogCorruptionErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binlog_corruption_errors_total",
		Help: "Cumulative number of checksum and framing errors encountered.",
	})
)

// Collectors of generation lifecycle and durability.
var (
	BinlogActiveFileNo = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "binlog_active_file_no",
		Help: "Generation number of the active binlog file.",
	})
	BinlogGenerationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "binlog_generations_total",
		Help: "Cumulative number of generation transitions, by transition.",
	}, []string{"transition"})
	BinlogGenerationCreateFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binlog_generation_create_failures_total",
		Help: "Cumulative number of failed (and retried) generation file creations.",
	})
	BinlogDurableLSN = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "binlog_durable_lsn",
		Help: "Redo LSN through which committed records are durable.",
	})
	BinlogPendingLSNs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "binlog_pending_lsns",
		Help: "Number of committed records awaiting redo durability.",
	})
)

// BinlogCollectors returns all binlog store collectors.
func BinlogCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		BinlogPagesBuffered,
		BinlogPagesFlushedTotal,
		BinlogPageFlushRetriesTotal,
		BinlogPageFlushSeconds,
		BinlogFsyncsTotal,
		BinlogRecordsWrittenTotal,
		BinlogBytesWrittenTotal,
		BinlogWriterStallsTotal,
		BinlogReadBytesTotal,
		BinlogCorruptionErrorsTotal,
		BinlogActiveFileNo,
		BinlogGenerationsTotal,
		BinlogGenerationCreateFailuresTotal,
		BinlogDurableLSN,
		BinlogPendingLSNs,
	}
}
