package httpx

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bcrosbie/activityhub/internal/hub"
	"github.com/bcrosbie/activityhub/internal/service"
)

const namespace = "activityhub"

// collector reads statistics at scrape time so the store keeps no
// Prometheus state of its own.
type collector struct {
	monitor *service.MonitorService
	fanout  *hub.Hub

	activities  *prometheus.Desc
	active      *prometheus.Desc
	history     *prometheus.Desc
	duration    *prometheus.Desc
	samples     *prometheus.Desc
	agents      *prometheus.Desc
	agentTasks  *prometheus.Desc
	agentTokens *prometheus.Desc
	enabled     *prometheus.Desc
	connections *prometheus.Desc
	dropped     *prometheus.Desc
	sent        *prometheus.Desc
}

func newCollector(monitor *service.MonitorService, fanout *hub.Hub) *collector {
	return &collector{
		monitor: monitor,
		fanout:  fanout,
		activities: prometheus.NewDesc(namespace+"_activities_total",
			"Activities by lifecycle event.", []string{"status"}, nil),
		active: prometheus.NewDesc(namespace+"_active_activities",
			"Activities currently live.", nil, nil),
		history: prometheus.NewDesc(namespace+"_history_activities",
			"Finished activities retained in history.", nil, nil),
		duration: prometheus.NewDesc(namespace+"_completed_duration_seconds_total",
			"Summed duration of completed activities.", nil, nil),
		samples: prometheus.NewDesc(namespace+"_system_samples",
			"Resource samples retained.", nil, nil),
		agents: prometheus.NewDesc(namespace+"_agents_monitored",
			"Agents with entity metrics.", nil, nil),
		agentTasks: prometheus.NewDesc(namespace+"_agent_tasks_total",
			"Agent tasks by outcome.", []string{"agent", "outcome"}, nil),
		agentTokens: prometheus.NewDesc(namespace+"_agent_tokens_total",
			"Tokens reported per agent.", []string{"agent"}, nil),
		enabled: prometheus.NewDesc(namespace+"_enabled",
			"1 when monitoring is enabled.", nil, nil),
		connections: prometheus.NewDesc(namespace+"_push_connections",
			"Attached push observers.", nil, nil),
		dropped: prometheus.NewDesc(namespace+"_push_dropped_total",
			"Push observers dropped for failing or falling behind.", nil, nil),
		sent: prometheus.NewDesc(namespace+"_push_messages_sent_total",
			"Push messages written to observers.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.activities, c.active, c.history, c.duration, c.samples, c.agents,
		c.agentTasks, c.agentTokens, c.enabled, c.connections, c.dropped, c.sent,
	} {
		ch <- desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.monitor.Statistics()
	ch <- prometheus.MustNewConstMetric(c.activities, prometheus.CounterValue, float64(stats.ActivitiesStarted), "started")
	ch <- prometheus.MustNewConstMetric(c.activities, prometheus.CounterValue, float64(stats.ActivitiesCompleted), "completed")
	ch <- prometheus.MustNewConstMetric(c.activities, prometheus.CounterValue, float64(stats.ActivitiesFailed), "failed")
	ch <- prometheus.MustNewConstMetric(c.activities, prometheus.CounterValue, float64(stats.ActivitiesCancelled), "cancelled")
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(stats.ActiveActivities))
	ch <- prometheus.MustNewConstMetric(c.history, prometheus.GaugeValue, float64(stats.TotalActivities))
	ch <- prometheus.MustNewConstMetric(c.duration, prometheus.CounterValue, stats.TotalDuration)
	ch <- prometheus.MustNewConstMetric(c.samples, prometheus.GaugeValue, float64(stats.SystemMetricsCount))
	ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue, float64(stats.AgentsMonitored))

	for name, entity := range c.monitor.EntityMetrics() {
		ch <- prometheus.MustNewConstMetric(c.agentTasks, prometheus.CounterValue, float64(entity.TasksCompleted), name, "completed")
		ch <- prometheus.MustNewConstMetric(c.agentTasks, prometheus.CounterValue, float64(entity.TasksFailed), name, "failed")
		ch <- prometheus.MustNewConstMetric(c.agentTokens, prometheus.CounterValue, float64(entity.TokenUsage), name)
	}

	enabled := 0.0
	if c.monitor.Enabled() {
		enabled = 1
	}
	ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue, enabled)

	if c.fanout == nil {
		return
	}
	hubStats := c.fanout.Stats()
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(hubStats.Connections))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(hubStats.Dropped))
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(hubStats.Sent))
}

// MetricsHandler serves a private registry holding the activity collector
// plus the Go runtime and process collectors.
func MetricsHandler(monitor *service.MonitorService, fanout *hub.Hub) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		newCollector(monitor, fanout),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
