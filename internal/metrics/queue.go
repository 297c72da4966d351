package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskweave/taskweave/internal/orchestration/queue"
)

var (
	queueJobsDesc = prometheus.NewDesc(
		namespace+"_queue_jobs",
		"Jobs in the durable queue by status.",
		[]string{"status"}, nil,
	)
	queueLeasesDesc = prometheus.NewDesc(
		namespace+"_queue_active_leases",
		"Jobs currently leased by workers.",
		nil, nil,
	)
)

// QueueCollector reads queue statistics at scrape time, so the gauges
// reflect the durable document rather than an in-memory shadow.
type QueueCollector struct {
	queue *queue.Queue
}

// NewQueueCollector creates a collector over the queue.
func NewQueueCollector(q *queue.Queue) *QueueCollector {
	return &QueueCollector{queue: q}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueJobsDesc
	ch <- queueLeasesDesc
}

// Collect implements prometheus.Collector. A scrape that loses the
// queue lock race reports nothing rather than blocking.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.queue.GetQueueStats()
	if err != nil {
		return
	}
	for status, count := range map[string]int{
		"waiting":       stats.Waiting,
		"delayed":       stats.Delayed,
		"active":        stats.Active,
		"completed":     stats.Completed,
		"failed":        stats.Failed,
		"human_waiting": stats.HumanWaiting,
	} {
		ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(count), status)
	}
	ch <- prometheus.MustNewConstMetric(queueLeasesDesc, prometheus.GaugeValue, float64(stats.Active))
}
