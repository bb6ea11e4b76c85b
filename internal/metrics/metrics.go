// Package metrics exposes dispatcher and registry activity as Prometheus
// metrics. Recorder implements control.Observer.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbweber/conduit/internal/control"
)

const (
	labelKind    = "kind"
	labelOutcome = "outcome"
	labelEvent   = "event"
)

// Command outcomes.
const (
	OutcomeOK                = "ok"
	OutcomeConnectionInvalid = "connection_invalid"
	OutcomeDomainInvalid     = "domain_invalid"
	OutcomeArgument          = "argument"
	OutcomeNoAgentResponse   = "no_agent_response"
	OutcomeCommand           = "command"
	OutcomeResourceExhausted = "resource_exhausted"
	OutcomeOther             = "other"
)

var commandBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120}

// Recorder holds conduit metrics in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	events          *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	subscriptions   prometheus.Gauge
}

var _ control.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder. The registry also carries the Go runtime
// and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_commands_total",
			Help: "Number of control commands issued, by kind and outcome",
		}, []string{labelKind, labelOutcome}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_command_duration_seconds",
			Help:    "Round trip time of control commands",
			Buckets: commandBuckets,
		}, []string{labelKind}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_events_delivered_total",
			Help: "Number of monitor events delivered to handlers",
		}, []string{labelEvent}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_event_handler_failures_total",
			Help: "Number of event handlers that returned an error or panicked",
		}, []string{labelEvent}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_event_subscriptions",
			Help: "Number of active event subscriptions",
		}),
	}

	r.registry.MustRegister(
		r.commands,
		r.commandDuration,
		r.events,
		r.handlerFailures,
		r.subscriptions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the recorder's metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// CommandCompleted implements control.Observer.
func (r *Recorder) CommandCompleted(kind string, duration time.Duration, err error) {
	r.commands.WithLabelValues(kind, Outcome(err)).Inc()
	r.commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// EventDelivered implements control.Observer.
func (r *Recorder) EventDelivered(event string) {
	r.events.WithLabelValues(event).Inc()
}

// HandlerFailed implements control.Observer.
func (r *Recorder) HandlerFailed(event string) {
	r.handlerFailures.WithLabelValues(event).Inc()
}

// SubscriptionsChanged implements control.Observer.
func (r *Recorder) SubscriptionsChanged(delta int) {
	r.subscriptions.Add(float64(delta))
}

// Outcome classifies err into an outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, control.ErrNoAgentResponse):
		return OutcomeNoAgentResponse
	case errors.Is(err, control.ErrConnectionInvalid):
		return OutcomeConnectionInvalid
	case errors.Is(err, control.ErrDomainInvalid):
		return OutcomeDomainInvalid
	case errors.Is(err, control.ErrArgument):
		return OutcomeArgument
	case errors.Is(err, control.ErrResourceExhausted):
		return OutcomeResourceExhausted
	case errors.Is(err, control.ErrCommand):
		return OutcomeCommand
	default:
		return OutcomeOther
	}
}
