package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports routing and circuit breaker counters of one
// router. Register it with an explicit registry.
type PrometheusCollector struct {
	router *Router

	emitted      *prometheus.Desc
	undelivered  *prometheus.Desc
	pathUsed     *prometheus.Desc
	delivered    *prometheus.Desc
	failed       *prometheus.Desc
	enabled      *prometheus.Desc
	circuitState *prometheus.Desc
	rejected     *prometheus.Desc
	trips        *prometheus.Desc
}

// NewPrometheusCollector creates a collector for r.
func NewPrometheusCollector(namespace string, r *Router) *PrometheusCollector {
	routerLabels := prometheus.Labels{"router": r.Name()}
	routeDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "route", name), help, []string{"route"}, routerLabels)
	}

	return &PrometheusCollector{
		router: r,
		emitted: prometheus.NewDesc(prometheus.BuildFQName(namespace, "router", "emitted_total"),
			"Records received by the router.", nil, routerLabels),
		undelivered: prometheus.NewDesc(prometheus.BuildFQName(namespace, "router", "undelivered_total"),
			"Records no route accepted.", nil, routerLabels),
		pathUsed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "router", "path_used_total"),
			"Records delivered by the primary or the fallback set.", []string{"path"}, routerLabels),
		delivered:    routeDesc("delivered_total", "Records the route accepted."),
		failed:       routeDesc("failed_total", "Records the route rejected or failed to write."),
		enabled:      routeDesc("enabled", "1 when the route is enabled."),
		circuitState: routeDesc("circuit_state", "Circuit breaker state: 0 closed, 1 open, 2 half open."),
		rejected:     routeDesc("circuit_rejected_total", "Calls rejected by an open circuit breaker."),
		trips:        routeDesc("circuit_trips_total", "Times the circuit breaker opened."),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.emitted, c.undelivered, c.pathUsed, c.delivered, c.failed,
		c.enabled, c.circuitState, c.rejected, c.trips,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.router.RouterStats()

	ch <- prometheus.MustNewConstMetric(c.emitted, prometheus.CounterValue, float64(s.Emitted))
	ch <- prometheus.MustNewConstMetric(c.undelivered, prometheus.CounterValue, float64(s.Undelivered))
	if c.router.Strategy() == StrategyFallback {
		ch <- prometheus.MustNewConstMetric(c.pathUsed, prometheus.CounterValue, float64(s.PrimaryUsed), "primary")
		ch <- prometheus.MustNewConstMetric(c.pathUsed, prometheus.CounterValue, float64(s.FallbackUsed), "fallback")
	}

	for _, rs := range s.Routes {
		ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(rs.Delivered), rs.Name)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(rs.Failed), rs.Name)
		enabled := 0.0
		if rs.Enabled {
			enabled = 1
		}
		ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue, enabled, rs.Name)

		if cs := rs.Circuit; cs != nil {
			ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, float64(cs.State), rs.Name)
			ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(cs.Rejected), rs.Name)
			ch <- prometheus.MustNewConstMetric(c.trips, prometheus.CounterValue, float64(cs.Trips), rs.Name)
		}
	}
}
