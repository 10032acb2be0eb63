package workspace

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	descRequests = iota
	descHits
	descGrows
	descSynchronizations
	descRecoveries
	descOutOfMemory
	descRecoveryWaiters
	descBlocks
	descCachedBytes
	numDescs
)

// Collector exports the statistics of an Allocator as Prometheus metrics, labeled by device.
type Collector struct {
	allocator   *Allocator
	descriptors []*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector for the allocator, using the metrics namespace of its options.
func NewCollector(a *Allocator) *Collector {
	ns := a.opts.MetricsNamespace
	labels := []string{"device"}
	descriptors := make([]*prometheus.Desc, numDescs)
	descriptors[descRequests] = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "workspace", "requests_total"),
		"Number of workspace requests.",
		labels, nil)
	descriptors[descHits] = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "workspace", "hits_total"),
		"Number of workspace requests served by an existing block.",
		labels, nil)
	descriptors[descGrows] = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "workspace", "grows_total"),
		"Number of workspace block allocations.",
		labels, nil)
	descriptors[descSynchronizations] = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "workspace", "synchronizations_total"),
		"Number of device synchronizations done by the workspace allocator.",
		labels, nil)
	descriptors[descRecoveries] = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "workspace", "recoveries_total"),
		"Number of out-of-memory recoveries.",
		labels, nil)
	descriptors[descOutOfMemory] = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "workspace", "out_of_memory_total"),
		"Number of workspace requests that failed after recovery.",
		labels, nil)
	descriptors[descRecoveryWaiters] = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "workspace", "recovery_waiters"),
		"Number of requests waiting for an out-of-memory recovery.",
		labels, nil)
	descriptors[descBlocks] = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "workspace", "blocks"),
		"Number of streams holding a workspace block.",
		labels, nil)
	descriptors[descCachedBytes] = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "workspace", "cached_bytes"),
		"Device memory held by workspace blocks.",
		labels, nil)
	return &Collector{allocator: a, descriptors: descriptors}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.allocator.Stats() {
		dev := strconv.Itoa(s.Device)
		counter := func(desc int, v int64) {
			ch <- prometheus.MustNewConstMetric(c.descriptors[desc], prometheus.CounterValue, float64(v), dev)
		}
		counter(descRequests, s.Requests)
		counter(descHits, s.Hits)
		counter(descGrows, s.Grows)
		counter(descSynchronizations, s.Synchronizations)
		counter(descRecoveries, s.Recoveries)
		counter(descOutOfMemory, s.OutOfMemory)
		ch <- prometheus.MustNewConstMetric(c.descriptors[descRecoveryWaiters], prometheus.GaugeValue, float64(s.RecoveryWaiters), dev)
		ch <- prometheus.MustNewConstMetric(c.descriptors[descBlocks], prometheus.GaugeValue, float64(s.Blocks), dev)
		ch <- prometheus.MustNewConstMetric(c.descriptors[descCachedBytes], prometheus.GaugeValue, float64(s.CachedBytes), dev)
	}
}
