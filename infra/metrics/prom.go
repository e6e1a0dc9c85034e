package metrics

import (
	"errors"

	coremetrics "github.com/kilianp07/ocppgw/core/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink records gateway events in Prometheus metrics.
type PromSink struct {
	frames    *prometheus.CounterVec
	commands  *prometheus.HistogramVec
	connected prometheus.Gauge
	pending   prometheus.Gauge
}

// NewPromSink registers gateway metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (coremetrics.MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ocpp_frames_total",
		Help: "Total number of OCPP frames by direction, type and action",
	}, []string{"direction", "type", "action", "error_code"})
	commands := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ocpp_command_duration_seconds",
		Help:    "Time between a server initiated CALL and its outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"action", "outcome"})
	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocpp_stations_connected",
		Help: "Number of stations with a registered connection",
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocpp_pending_requests",
		Help: "Number of server initiated CALLs awaiting a response",
	})

	var err error
	if frames, err = register(reg, frames); err != nil {
		return nil, err
	}
	if commands, err = register(reg, commands); err != nil {
		return nil, err
	}
	if connected, err = register(reg, connected); err != nil {
		return nil, err
	}
	if pending, err = register(reg, pending); err != nil {
		return nil, err
	}
	return &PromSink{frames: frames, commands: commands, connected: connected, pending: pending}, nil
}

// register reuses an already registered collector of the same description.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordFrame increments the frame counter.
func (s *PromSink) RecordFrame(ev coremetrics.FrameEvent) error {
	s.frames.WithLabelValues(string(ev.Direction), ev.Type, ev.Action, ev.ErrorCode).Inc()
	return nil
}

// RecordCommand observes the command latency.
func (s *PromSink) RecordCommand(ev coremetrics.CommandEvent) error {
	s.commands.WithLabelValues(ev.Action, ev.Outcome).Observe(ev.Latency.Seconds())
	return nil
}

// RecordConnection sets the connected stations gauge.
func (s *PromSink) RecordConnection(ev coremetrics.ConnectionEvent) error {
	s.connected.Set(float64(ev.Active))
	return nil
}

// RecordPending sets the pending requests gauge.
func (s *PromSink) RecordPending(n int) error {
	s.pending.Set(float64(n))
	return nil
}
