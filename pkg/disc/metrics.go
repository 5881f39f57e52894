package disc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Nativu5/fcdisc/pkg/types"
	"github.com/Nativu5/fcdisc/pkg/workq"
)

// Label names.
const (
	LabelFrom    = "from"
	LabelTo      = "to"
	LabelEvent   = "event"
	LabelCommand = "command"
	LabelStatus  = "status"
	LabelKind    = "kind"
	LabelOutcome = "outcome"
	LabelResult  = "result"
)

// Metrics tracks discovery activity. A nil *Metrics records nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	nodeEvents   *prometheus.CounterVec
	elsTotal     *prometheus.CounterVec
	mbxTotal     *prometheus.CounterVec
	workTotal    *prometheus.CounterVec
	workDuration *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
	nodesFreed   prometheus.Counter
	allocFailed  prometheus.Counter
	fcfSelect    *prometheus.CounterVec
	discovery    *prometheus.CounterVec
	linkEvents   *prometheus.CounterVec
}

// NewMetrics creates discovery metrics and registers them with registry.
// A nil registry leaves them unregistered, which tests use.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "node",
				Name:      "transitions_total",
				Help:      "Node state transitions",
			},
			[]string{LabelFrom, LabelTo},
		),
		nodeEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "node",
				Name:      "events_total",
				Help:      "Events delivered to the node state machine",
			},
			[]string{LabelEvent},
		),
		elsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "els",
				Name:      "completions_total",
				Help:      "ELS and CT completions by command and status",
			},
			[]string{LabelCommand, LabelStatus},
		),
		mbxTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "mailbox",
				Name:      "completions_total",
				Help:      "Mailbox completions by command and status",
			},
			[]string{LabelCommand, LabelStatus},
		),
		workTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "workq",
				Name:      "events_total",
				Help:      "Dispatched work events",
			},
			[]string{LabelKind, LabelOutcome},
		),
		workDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fcdisc",
				Subsystem: "workq",
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent handling one work event",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
			},
			[]string{LabelKind},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fcdisc",
				Subsystem: "workq",
				Name:      "depth",
				Help:      "Events waiting for the worker",
			},
		),
		nodesFreed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "node",
				Name:      "released_total",
				Help:      "Nodes whose last reference was dropped",
			},
		),
		allocFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "node",
				Name:      "alloc_failures_total",
				Help:      "Node allocations refused by the registry",
			},
		),
		fcfSelect: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "fcf",
				Name:      "selections_total",
				Help:      "FCF scans by result",
			},
			[]string{LabelResult},
		),
		discovery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "vport",
				Name:      "discoveries_total",
				Help:      "Completed discovery passes by result",
			},
			[]string{LabelResult},
		),
		linkEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fcdisc",
				Subsystem: "link",
				Name:      "events_total",
				Help:      "Link attentions by type",
			},
			[]string{LabelEvent},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.transitions,
			m.nodeEvents,
			m.elsTotal,
			m.mbxTotal,
			m.workTotal,
			m.workDuration,
			m.queueDepth,
			m.nodesFreed,
			m.allocFailed,
			m.fcfSelect,
			m.discovery,
			m.linkEvents,
		)
	}
	return m
}

// ObserveDispatch implements workq.Observer.
func (m *Metrics) ObserveDispatch(kind workq.Kind, took time.Duration, panicked bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if panicked {
		outcome = "panic"
	}
	m.workTotal.WithLabelValues(kind.String(), outcome).Inc()
	m.workDuration.WithLabelValues(kind.String()).Observe(took.Seconds())
}

// SetQueueDepth implements workq.Observer.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) recordTransition(from, to types.NodeState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) recordNodeEvent(evt types.NodeEvent) {
	if m == nil {
		return
	}
	m.nodeEvents.WithLabelValues(evt.String()).Inc()
}

func (m *Metrics) recordELS(cmd types.ELSCommand, st types.Status) {
	if m == nil {
		return
	}
	m.elsTotal.WithLabelValues(cmd.String(), st.String()).Inc()
}

func (m *Metrics) recordMailbox(cmd types.MailboxCommand, st types.Status) {
	if m == nil {
		return
	}
	m.mbxTotal.WithLabelValues(cmd.String(), st.String()).Inc()
}

func (m *Metrics) recordRelease() {
	if m == nil {
		return
	}
	m.nodesFreed.Inc()
}

func (m *Metrics) recordAllocFailure() {
	if m == nil {
		return
	}
	m.allocFailed.Inc()
}

func (m *Metrics) recordFCF(result string) {
	if m == nil {
		return
	}
	m.fcfSelect.WithLabelValues(result).Inc()
}

func (m *Metrics) recordDiscovery(result string) {
	if m == nil {
		return
	}
	m.discovery.WithLabelValues(result).Inc()
}

func (m *Metrics) recordLink(event string) {
	if m == nil {
		return
	}
	m.linkEvents.WithLabelValues(event).Inc()
}
