// Package observability exports kernel signals to Prometheus.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hackworld.ai/internal/sim/world"
)

// KernelCollector implements world.Observer. The world calls it from its loop
// goroutine; Prometheus metric types are safe for the concurrent scrape.
type KernelCollector struct {
	gatherer prometheus.Gatherer

	Launches       prometheus.Counter
	LaunchFailures prometheus.Counter
	Denials        prometheus.Counter
	Interrupts     prometheus.Counter
	Removals       *prometheus.CounterVec
	StepDuration   prometheus.Histogram

	Tick      prometheus.Gauge
	Sessions  prometheus.Gauge
	Clients   prometheus.Gauge
	Computers prometheus.Gauge
	Processes prometheus.Gauge
	Tasks     prometheus.Gauge
	Queues    *prometheus.GaugeVec
	Router    *prometheus.GaugeVec
}

var _ world.Observer = (*KernelCollector)(nil)

// NewKernelCollector registers kernel metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewKernelCollector(reg prometheus.Registerer) (*KernelCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &KernelCollector{gatherer: gatherer}
	var err error
	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&c.Launches, "kernel_launches_total", "Processes launched on behalf of participants."},
		{&c.LaunchFailures, "kernel_launch_failures_total", "Launch commands that failed or named an unknown program."},
		{&c.Denials, "kernel_interrupt_denied_total", "Interrupts refused because the sender does not own the process."},
		{&c.Interrupts, "kernel_interrupted_processes_total", "Processes moved to the interrupted state."},
	}
	for _, ct := range counters {
		if *ct.dst, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: ct.name, Help: ct.help}), ct.name); err != nil {
			return nil, err
		}
	}
	if c.Removals, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_process_removed_total",
		Help: "Processes removed from a tree, labeled by reason.",
	}, []string{"reason"}), "kernel_process_removed_total"); err != nil {
		return nil, err
	}
	if c.StepDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernel_step_duration_seconds",
		Help:    "Time spent in one world step.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "kernel_step_duration_seconds"); err != nil {
		return nil, err
	}

	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.Tick, "kernel_tick", "Last completed tick."},
		{&c.Sessions, "kernel_sessions", "Known participant identities."},
		{&c.Clients, "kernel_clients", "Connections currently bound to an identity."},
		{&c.Computers, "kernel_computers", "Computers in the world."},
		{&c.Processes, "kernel_processes", "Processes across all computers, roots included."},
		{&c.Tasks, "kernel_scheduled_tasks", "Pending scheduler tasks across all computers."},
	}
	for _, g := range gauges {
		if *g.dst, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: g.name, Help: g.help}), g.name); err != nil {
			return nil, err
		}
	}
	if c.Queues, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kernel_queue_depth",
		Help: "Depth of world input queues at the end of a step.",
	}, []string{"queue"}), "kernel_queue_depth"); err != nil {
		return nil, err
	}
	if c.Router, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kernel_router_events",
		Help: "Router counters since start, labeled by outcome.",
	}, []string{"outcome"}), "kernel_router_events"); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *KernelCollector) Launched()     { c.Launches.Inc() }
func (c *KernelCollector) LaunchFailed() { c.LaunchFailures.Inc() }
func (c *KernelCollector) Denied()       { c.Denials.Inc() }

func (c *KernelCollector) Interrupted(n int) { c.Interrupts.Add(float64(n)) }

func (c *KernelCollector) ProcessRemoved(reason string) {
	c.Removals.WithLabelValues(reason).Inc()
}

func (c *KernelCollector) ObserveStep(m world.WorldMetrics, d time.Duration) {
	c.StepDuration.Observe(d.Seconds())
	c.Tick.Set(float64(m.Tick))
	c.Sessions.Set(float64(m.Sessions))
	c.Clients.Set(float64(m.Clients))
	c.Computers.Set(float64(m.Computers))
	c.Processes.Set(float64(m.Processes))
	c.Tasks.Set(float64(m.Tasks))

	c.Queues.WithLabelValues("inbox").Set(float64(m.QueueDepths.Inbox))
	c.Queues.WithLabelValues("join").Set(float64(m.QueueDepths.Join))
	c.Queues.WithLabelValues("leave").Set(float64(m.QueueDepths.Leave))
	c.Queues.WithLabelValues("interrupt").Set(float64(m.QueueDepths.Interrupt))

	c.Router.WithLabelValues("dispatched").Set(float64(m.Router.Dispatched))
	c.Router.WithLabelValues("unbound").Set(float64(m.Router.Unbound))
	c.Router.WithLabelValues("unhandled").Set(float64(m.Router.Unhandled))
	c.Router.WithLabelValues("delivered").Set(float64(m.Router.Delivered))
	c.Router.WithLabelValues("dropped").Set(float64(m.Router.Dropped))
	c.Router.WithLabelValues("unauthorized").Set(float64(m.Router.Unauthorized))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *KernelCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
