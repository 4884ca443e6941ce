package omni

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports the Stats of a set of emitters. It reads the
// counters at scrape time, so register it once with an explicit registry:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(omni.NewPrometheusCollector("app", map[string]omni.Emitter{"file": h}))
type PrometheusCollector struct {
	emitters map[string]Emitter
	names    []string

	processed       *prometheus.Desc
	dropped         *prometheus.Desc
	bytesWritten    *prometheus.Desc
	batches         *prometheus.Desc
	errors          *prometheus.Desc
	formatterErrors *prometheus.Desc
	retries         *prometheus.Desc
	rotations       *prometheus.Desc
	queueDepth      *prometheus.Desc
	queueCapacity   *prometheus.Desc
	buffered        *prometheus.Desc
	batchSize       *prometheus.Desc
	flushInterval   *prometheus.Desc
}

// NewPrometheusCollector creates a collector labelled by the map keys.
func NewPrometheusCollector(namespace string, emitters map[string]Emitter) *PrometheusCollector {
	labels := []string{"handler"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "handler", name), help, labels, nil)
	}

	c := &PrometheusCollector{
		emitters:        emitters,
		processed:       desc("processed_total", "Messages written to the sink."),
		dropped:         desc("dropped_total", "Messages dropped by queue overflow, retry exhaustion or shutdown."),
		bytesWritten:    desc("bytes_written_total", "Bytes handed to the sink."),
		batches:         desc("batches_total", "Successful sink writes."),
		errors:          desc("errors_total", "Internal failures reported on the side channel."),
		formatterErrors: desc("formatter_errors_total", "Records rendered with the fallback formatter."),
		retries:         desc("retries_total", "Failed flushes whose messages stayed buffered."),
		rotations:       desc("rotations_total", "Completed file rotations."),
		queueDepth:      desc("queue_depth", "Messages waiting in the async queue."),
		queueCapacity:   desc("queue_capacity", "Size of the async queue."),
		buffered:        desc("buffered", "Messages in the buffer awaiting a flush."),
		batchSize:       desc("batch_size", "Current worker batch size."),
		flushInterval:   desc("flush_interval_seconds", "Current worker flush interval."),
	}
	for name := range emitters {
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.processed, c.dropped, c.bytesWritten, c.batches, c.errors, c.formatterErrors,
		c.retries, c.rotations, c.queueDepth, c.queueCapacity, c.buffered, c.batchSize, c.flushInterval,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.names {
		s := c.emitters[name].Stats()
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), name)
		}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, name)
		}

		counter(c.processed, s.Processed)
		counter(c.dropped, s.Dropped)
		counter(c.bytesWritten, s.BytesWritten)
		counter(c.batches, s.BatchCount)
		counter(c.errors, s.Errors)
		counter(c.formatterErrors, s.FormatterErrors)
		counter(c.retries, s.Retries)
		counter(c.rotations, s.Rotations)
		gauge(c.queueDepth, float64(s.QueueDepth))
		gauge(c.queueCapacity, float64(s.QueueCapacity))
		gauge(c.buffered, float64(s.Buffered))
		gauge(c.batchSize, float64(s.BatchSize))
		gauge(c.flushInterval, s.FlushInterval.Seconds())
	}
}
