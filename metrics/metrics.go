// Package metrics exposes the governor's sensor gauges and the build
// worker's phase/result counters as Prometheus metrics, with an optional
// statsd mirror for deployments that collect via Datadog instead.
package metrics

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zuul-ci/zuul-core/logger"
)

const (
	statsdBufferLen      = 10
	defaultDogStatsdPort = 8125
)

// CollectorConfig selects the optional statsd mirror; Prometheus collection
// is always on, registered against the supplied registry.
type CollectorConfig struct {
	Datadog     bool
	DatadogHost string
}

// Collector owns the Prometheus gauge/counter vectors named after the
// sensor stats table (spec §6) and, when configured, mirrors every value to
// a statsd client.
type Collector struct {
	config CollectorConfig
	logger logger.Logger
	client *statsd.Client

	loadAverage    prometheus.Gauge
	pctUsedRAM     prometheus.Gauge
	pctUsedCgroup  prometheus.Gauge
	pctUsedHDD     prometheus.Gauge
	startingBuilds prometheus.Gauge
	runningBuilds  prometheus.Gauge
	pausedBuilds   prometheus.Gauge
	builds         prometheus.Counter
	phaseResults   *prometheus.CounterVec
}

func NewCollector(l logger.Logger, reg prometheus.Registerer, c CollectorConfig) *Collector {
	col := &Collector{
		config: c,
		logger: l,

		loadAverage:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "zuul_executor_load_average"}),
		pctUsedRAM:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "zuul_executor_pct_used_ram"}),
		pctUsedCgroup:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "zuul_executor_pct_used_ram_cgroup"}),
		pctUsedHDD:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "zuul_executor_pct_used_hdd"}),
		startingBuilds: prometheus.NewGauge(prometheus.GaugeOpts{Name: "zuul_executor_starting_builds"}),
		runningBuilds:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "zuul_executor_running_builds"}),
		pausedBuilds:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "zuul_executor_paused_builds"}),
		builds:         prometheus.NewCounter(prometheus.CounterOpts{Name: "zuul_executor_builds_total"}),
		phaseResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zuul_executor_phase_result_total",
		}, []string{"phase", "result"}),
	}
	reg.MustRegister(col.loadAverage, col.pctUsedRAM, col.pctUsedCgroup, col.pctUsedHDD,
		col.startingBuilds, col.runningBuilds, col.pausedBuilds, col.builds, col.phaseResults)
	return col
}

var portSuffixRegexp = regexp.MustCompile(`:\d+$`)

func (c *Collector) Start() error {
	if !c.config.Datadog {
		return nil
	}
	host := c.config.DatadogHost
	if !portSuffixRegexp.MatchString(host) {
		host = fmt.Sprintf("%s:%d", host, defaultDogStatsdPort)
	}
	c.logger.Info("Starting datadog metrics mirror to %s", host)

	client, err := statsd.New(host, statsd.WithNamespace("zuul."), statsd.WithMaxMessagesPerPayload(statsdBufferLen))
	if err != nil {
		return err
	}
	c.client = client
	return nil
}

func (c *Collector) Stop() error {
	if c.client != nil {
		c.logger.Info("Stopping metrics mirror")
		return c.client.Close()
	}
	return nil
}

func (c *Collector) SetLoadAverage(v float64)   { c.loadAverage.Set(v); c.gauge("load_average", v) }
func (c *Collector) SetPctUsedRAM(v float64)    { c.pctUsedRAM.Set(v); c.gauge("pct_used_ram", v) }
func (c *Collector) SetPctUsedCgroup(v float64) { c.pctUsedCgroup.Set(v); c.gauge("pct_used_ram_cgroup", v) }
func (c *Collector) SetPctUsedHDD(v float64)    { c.pctUsedHDD.Set(v); c.gauge("pct_used_hdd", v) }
func (c *Collector) SetStartingBuilds(v float64) {
	c.startingBuilds.Set(v)
	c.gauge("starting_builds", v)
}
func (c *Collector) SetRunningBuilds(v float64) { c.runningBuilds.Set(v); c.gauge("running_builds", v) }
func (c *Collector) SetPausedBuilds(v float64)  { c.pausedBuilds.Set(v); c.gauge("paused_builds", v) }

func (c *Collector) IncBuilds() {
	c.builds.Inc()
	c.count("builds", 1)
}

func (c *Collector) IncPhaseResult(phase, result string) {
	c.phaseResults.WithLabelValues(phase, result).Inc()
	c.count(fmt.Sprintf("phase.%s.%s", formatName(phase), formatName(result)), 1)
}

func (c *Collector) gauge(name string, v float64) {
	if c.client == nil {
		return
	}
	if err := c.client.Gauge(name, v, nil, 1); err != nil {
		c.logger.Error("Metrics gauge failed: %v", err)
	}
}

func (c *Collector) count(name string, v int64) {
	if c.client == nil {
		return
	}
	if err := c.client.Count(name, v, nil, 1); err != nil {
		c.logger.Error("Metrics count failed: %v", err)
	}
}

// Tags supports ad-hoc tag maps for call sites that still want the
// scope-style API for one-off measurements outside the fixed sensor set.
type Tags map[string]string

func (tags Tags) StringSlice() []string {
	var out []string
	for k, v := range tags {
		if k != "" && v != "" {
			out = append(out, formatName(k)+":"+formatName(v))
		}
	}
	sort.Strings(out)
	return out
}

var nameRegex = regexp.MustCompile(`[^\._a-zA-Z0-9]+`)

func formatName(name string) string {
	return nameRegex.ReplaceAllString(name, "_")
}
