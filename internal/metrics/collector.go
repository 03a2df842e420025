package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// EngineStats exposes live task engine state for scrape-time gauges.
type EngineStats interface {
	RunningCount() int
}

// Collector reads pool and engine state at scrape time instead of
// tracking it with registered gauges.
type Collector struct {
	pool   *pgxpool.Pool
	engine EngineStats

	poolTotal    *prometheus.Desc
	poolAcquired *prometheus.Desc
	poolIdle     *prometheus.Desc
	tasksRunning *prometheus.Desc
}

// NewCollector builds a collector. Either argument may be nil; the
// corresponding metrics are simply not emitted.
func NewCollector(pool *pgxpool.Pool, engine EngineStats) *Collector {
	return &Collector{
		pool:   pool,
		engine: engine,
		poolTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "pool_total_conns"),
			"Total connections in the database pool.", nil, nil),
		poolAcquired: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "pool_acquired_conns"),
			"Connections currently acquired from the pool.", nil, nil),
		poolIdle: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "pool_idle_conns"),
			"Idle connections in the database pool.", nil, nil),
		tasksRunning: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tasks", "running"),
			"Task runs currently executing.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolTotal
	ch <- c.poolAcquired
	ch <- c.poolIdle
	ch <- c.tasksRunning
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.poolTotal, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.poolAcquired, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.poolIdle, prometheus.GaugeValue, float64(stat.IdleConns()))
	}
	if c.engine != nil {
		ch <- prometheus.MustNewConstMetric(c.tasksRunning, prometheus.GaugeValue, float64(c.engine.RunningCount()))
	}
}
