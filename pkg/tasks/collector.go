package tasks

import (
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/medallion/pkg/observability"
)

// QueueStats reads the statistics of a queue
type QueueStats interface {
	GetQueueStats(queueName string) (*asynq.QueueInfo, error)
}

// QueueCollector exports the task counts of every pipeline queue at scrape time
type QueueCollector struct {
	log       logrus.FieldLogger
	stats     QueueStats
	pipelines []string
	depth     *prometheus.Desc
}

// NewQueueCollector creates a collector over the given pipeline queues
func NewQueueCollector(log logrus.FieldLogger, stats QueueStats, pipelines []string) *QueueCollector {
	return &QueueCollector{
		log:       log.WithField("component", "queue-collector"),
		stats:     stats,
		pipelines: pipelines,
		depth: prometheus.NewDesc(
			"medallion_queue_tasks",
			"Tasks in a pipeline queue by state",
			[]string{"pipeline", "state"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
}

// Collect implements prometheus.Collector. Queues that were never used
// report nothing.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.pipelines {
		info, err := c.stats.GetQueueStats(RunPayload{Pipeline: name}.QueueName())
		if err != nil {
			if !isNotFound(err) {
				observability.RecordError("queue-collector", "stats")
				c.log.WithError(err).WithField("pipeline", name).Debug("Failed to read queue stats")
			}

			continue
		}

		for state, count := range map[string]int{
			"pending":   info.Pending,
			"active":    info.Active,
			"scheduled": info.Scheduled,
			"retry":     info.Retry,
			"archived":  info.Archived,
			"completed": info.Completed,
		} {
			ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(count), name, state)
		}
	}
}

var _ prometheus.Collector = (*QueueCollector)(nil)
