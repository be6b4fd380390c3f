package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "machineconnect"

// Collectors holds the process's Prometheus collectors on their own registry.
type Collectors struct {
	registry *prometheus.Registry

	workflowRuns     *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	deploymentPolls  *prometheus.CounterVec
	rollbacks        *prometheus.CounterVec
	commandMessages  *prometheus.CounterVec
	commandDrops     *prometheus.CounterVec
}

func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),

		workflowRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "workflow_runs_total",
				Help:      "Connection workflows handled, by control, protocol and outcome.",
			},
			[]string{"control", "protocol", "outcome"},
		),

		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "workflow_duration_seconds",
				Help:      "Duration of connection workflows including deployment and settle time.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
			},
			[]string{"control", "protocol"},
		),

		deploymentPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "edge",
				Name:      "deployment_polls_total",
				Help:      "Deployment status reads, by observed status.",
			},
			[]string{"status"},
		),

		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "rollbacks_total",
				Help:      "Compensation runs after a failed workflow step.",
			},
			[]string{"control", "protocol"},
		),

		commandMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "messages_total",
				Help:      "Command channel messages queued, by kind.",
			},
			[]string{"kind"},
		),

		commandDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "messages_dropped_total",
				Help:      "Command channel messages dropped on a full queue, by kind.",
			},
			[]string{"kind"},
		),
	}

	c.registry.MustRegister(
		c.workflowRuns,
		c.workflowDuration,
		c.deploymentPolls,
		c.rollbacks,
		c.commandMessages,
		c.commandDrops,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)

	return c
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// WorkflowFinished records one handled connection request.
func (c *Collectors) WorkflowFinished(control, protocol string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.workflowRuns.WithLabelValues(control, protocol, outcome).Inc()
	c.workflowDuration.WithLabelValues(control, protocol).Observe(duration.Seconds())
}

func (c *Collectors) DeploymentPolled(status string) {
	c.deploymentPolls.WithLabelValues(status).Inc()
}

func (c *Collectors) RollbackStarted(control, protocol string) {
	c.rollbacks.WithLabelValues(control, protocol).Inc()
}

// MessagePublished and MessageDropped make Collectors a command channel observer.
func (c *Collectors) MessagePublished(kind string) {
	c.commandMessages.WithLabelValues(kind).Inc()
}

func (c *Collectors) MessageDropped(kind string) {
	c.commandDrops.WithLabelValues(kind).Inc()
}
