// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturePacketsTotal counts total packets captured by interface
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_capture_packets_total",
			Help: "Total number of packets captured",
		},
		[]string{"task", "interface"},
	)

	// CaptureDropsTotal counts total packets dropped during capture
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_capture_drops_total",
			Help: "Total number of packets dropped during capture",
		},
		[]string{"task", "stage"},
	)

	// PipelinePacketsTotal counts total packets processed in pipeline
	PipelinePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_pipeline_packets_total",
			Help: "Total number of packets processed in pipeline",
		},
		[]string{"task", "pipeline", "stage"},
	)

	// PipelineLatencySeconds measures pipeline stage latency
	PipelineLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capture_agent_pipeline_latency_seconds",
			Help:    "Latency of pipeline processing stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1Âµs to ~0.5s
		},
		[]string{"task", "stage"},
	)

	// TaskStatus tracks current task status
	TaskStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_agent_task_status",
			Help: "Current status of tasks (0=stopped, 1=running, 2=error)",
		},
		[]string{"task", "status"},
	)

	// ReassemblyActiveFragments tracks active IP fragments awaiting reassembly
	ReassemblyActiveFragments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capture_agent_reassembly_active_fragments",
			Help: "Number of active IP fragments in reassembly queue",
		},
	)

	// ReporterBatchSize tracks Kafka batch size distribution (for ReporterWrapper)
	ReporterBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capture_agent_reporter_batch_size",
			Help:    "Number of packets sent per reporter batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1, 2, 4, ..., 2048
		},
		[]string{"task", "reporter"},
	)

	// ReporterErrorsTotal counts reporter errors by name and error type
	ReporterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_reporter_errors_total",
			Help: "Total number of reporter errors",
		},
		[]string{"task", "reporter", "error_type"},
	)

	// FlowRegistrySize tracks the current number of flows in a task's FlowRegistry
	FlowRegistrySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_agent_flow_registry_size",
			Help: "Current number of flows tracked in the flow registry",
		},
		[]string{"task"},
	)

	// QueueDepth tracks the current occupancy of an internal/queue.Bounded queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_agent_queue_depth",
			Help: "Current number of items held in a bounded queue",
		},
		[]string{"queue"},
	)

	// QueueDroppedTotal counts items overwritten by the bounded queue's
	// overwrite-on-full policy (internal/queue.StatsHandle.Dropped).
	QueueDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_queue_dropped_total",
			Help: "Total number of items dropped by a bounded queue's overwrite policy",
		},
		[]string{"queue"},
	)

	// FlowMapSize tracks the current number of flows held in internal/flow.Map.
	FlowMapSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_agent_flow_map_size",
			Help: "Current number of flows tracked in the flow aggregation map",
		},
		[]string{"shard"},
	)

	// FlowMapEvictionsTotal counts flows evicted from internal/flow.Map by timeout.
	FlowMapEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_flow_map_evictions_total",
			Help: "Total number of flows evicted from the flow aggregation map",
		},
		[]string{"reason"},
	)

	// L7ParsedTotal counts L7 frames successfully parsed, by protocol.
	L7ParsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_l7_parsed_total",
			Help: "Total number of L7 frames parsed",
		},
		[]string{"protocol"},
	)

	// L7ParseErrorsTotal counts L7 frames that failed to parse, by protocol.
	L7ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_agent_l7_parse_errors_total",
			Help: "Total number of L7 frames that failed to parse",
		},
		[]string{"protocol"},
	)
)

// TaskStatusValue represents task status as a numeric value for Prometheus gauge
const (
	TaskStatusStopped = 0
	TaskStatusRunning = 1
	TaskStatusError   = 2
	TaskStatusPaused  = 3
)
