// Package metrics exports proposer progress and node traffic to Prometheus
package metrics

import (
	"errors"

	grpc_metric "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"

	"synod/cluster"
	"synod/paxos"
)

const (
	phaseLabel = "phase"
	kindLabel  = "kind"
)

var (
	_ paxos.Observer          = (*Metrics)(nil)
	_ cluster.TrafficObserver = (*Metrics)(nil)

	phaseLabels = []string{phaseLabel}
	kindLabels  = []string{kindLabel}
)

// Metrics is shared by every node of a process, each node reports into the same series
type Metrics struct {
	roundsStarted prometheus.Counter
	rejections    *prometheus.CounterVec
	timeouts      prometheus.Counter
	decided       prometheus.Gauge

	received    *prometheus.CounterVec
	sent        *prometheus.CounterVec
	sendFailure *prometheus.CounterVec

	// GRPC instruments the transport server
	GRPC *grpc_metric.ServerMetrics
}

func New(namespace string, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		roundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_started",
			Help:      "Number of proposal rounds started",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_rejected",
			Help:      "Number of rounds abandoned after a majority rejected them",
		}, phaseLabels),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_timed_out",
			Help:      "Number of rounds restarted by the round timeout",
		}),
		decided: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decided",
			Help:      "Number of local proposers that learned the decided value",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received",
			Help:      "Number of messages handed to roles",
		}, kindLabels),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent",
			Help:      "Number of messages delivered to peers",
		}, kindLabels),
		sendFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures",
			Help:      "Number of messages that could not be delivered",
		}, kindLabels),
		GRPC: grpc_metric.NewServerMetrics(),
	}
	err := errors.Join(
		registerer.Register(m.roundsStarted),
		registerer.Register(m.rejections),
		registerer.Register(m.timeouts),
		registerer.Register(m.decided),
		registerer.Register(m.received),
		registerer.Register(m.sent),
		registerer.Register(m.sendFailure),
		registerer.Register(m.GRPC),
	)
	return m, err
}

func (m *Metrics) RoundStarted(paxos.ProposalID) {
	m.roundsStarted.Inc()
}

func (m *Metrics) Rejected(phase paxos.Phase) {
	m.rejections.With(prometheus.Labels{phaseLabel: phase.String()}).Inc()
}

func (m *Metrics) TimedOut(paxos.ProposalID) {
	m.timeouts.Inc()
}

func (m *Metrics) Decided(paxos.ProposalID, []byte) {
	m.decided.Inc()
}

func (m *Metrics) Received(kind paxos.Kind) {
	m.received.With(prometheus.Labels{kindLabel: kind.String()}).Inc()
}

func (m *Metrics) Sent(kind paxos.Kind) {
	m.sent.With(prometheus.Labels{kindLabel: kind.String()}).Inc()
}

func (m *Metrics) SendFailed(kind paxos.Kind) {
	m.sendFailure.With(prometheus.Labels{kindLabel: kind.String()}).Inc()
}
