package status

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/task/subscriber"
)

// Collector turns bus events and subscriber snapshots into Prometheus
// metrics.
type Collector struct {
	executions *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	dispatched prometheus.Counter
	degraded   prometheus.Counter
	refilled   prometheus.Counter
	exceptions *prometheus.CounterVec

	inFlight  prometheus.Gauge
	buffered  prometheus.Gauge
	parked    prometheus.Gauge
	workQueue prometheus.Gauge

	snapshot func() subscriber.Snapshot
}

// NewCollector registers the taskrunner metrics on reg. snapshot may be nil.
func NewCollector(reg prometheus.Registerer, snapshot func() subscriber.Snapshot) *Collector {
	c := &Collector{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrunner_executions_total",
			Help: "Finished executions by terminal status.",
		}, []string{"status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskrunner_execution_duration_seconds",
			Help:    "Wall time from start to finish of an execution.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"status"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskrunner_dispatched_total",
			Help: "Schedules matched to a registered executor.",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskrunner_dispatch_degraded_total",
			Help: "Schedules that got the degraded executor.",
		}),
		refilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskrunner_refilled_total",
			Help: "Schedules pulled from the backend into the subscription.",
		}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskrunner_exceptions_total",
			Help: "Reports sent to the exception sink by stage.",
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskrunner_in_flight",
			Help: "Executions currently running.",
		}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskrunner_subscription_depth",
			Help: "Schedules buffered in the subscription.",
		}),
		parked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskrunner_subscription_parked",
			Help: "Surplus schedules waiting for buffer space.",
		}),
		workQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskrunner_work_queue_depth",
			Help: "Executors waiting for a fixed-pool worker.",
		}),
		snapshot: snapshot,
	}
	reg.MustRegister(
		c.executions, c.durations, c.dispatched, c.degraded, c.refilled, c.exceptions,
		c.inFlight, c.buffered, c.parked, c.workQueue,
	)
	return c
}

// Observe records one bus event.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeScheduleDispatched:
		c.dispatched.Inc()
	case eventbus.TypeScheduleDegraded:
		c.degraded.Inc()
	case eventbus.TypeScheduleDone:
		if d, ok := ev.Data.(eventbus.Done); ok {
			st := string(d.Record.Status)
			c.executions.WithLabelValues(st).Inc()
			c.durations.WithLabelValues(st).Observe(d.Duration.Seconds())
		}
	case eventbus.TypeSubscriptionRefill:
		if r, ok := ev.Data.(eventbus.Refilled); ok {
			c.refilled.Add(float64(r.Added))
		}
	case eventbus.TypeExceptionReported:
		if e, ok := ev.Data.(eventbus.Exception); ok {
			c.exceptions.WithLabelValues(e.Stage).Inc()
		}
	}
}

// Sample copies gauge values from the current snapshot.
func (c *Collector) Sample() {
	if c.snapshot == nil {
		return
	}
	s := c.snapshot()
	c.inFlight.Set(float64(s.InFlight))
	c.buffered.Set(float64(s.Buffered))
	c.parked.Set(float64(s.Parked))
	c.workQueue.Set(float64(s.WorkQueue))
}

// Run consumes bus events and samples gauges every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Second
	}
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	t := time.NewTicker(every)
	defer t.Stop()
	c.Sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Observe(ev)
		case <-t.C:
			c.Sample()
		}
	}
}
