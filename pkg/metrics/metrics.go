// Package metrics экспортирует счетчики MGCP агента в Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
)

const namespace = "mgcp"

// Collector набор метрик агента. Реализует transaction.Observer.
type Collector struct {
	transactionsSent  *prometheus.CounterVec
	retransmissions   *prometheus.CounterVec
	timeouts          *prometheus.CounterVec
	responses         *prometheus.CounterVec
	requestsReceived  *prometheus.CounterVec
	duplicates        prometheus.Counter
	unmatched         prometheus.Counter
	malformed         prometheus.Counter
	hookTransitions   *prometheus.CounterVec
	auditOrphans      prometheus.Counter
	endpointsOffHook  prometheus.Gauge
	activeConnections prometheus.Gauge
}

// New регистрирует метрики в reg. nil означает prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		transactionsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "sent_total",
			Help:      "Commands sent to gateways.",
		}, []string{"verb"}),
		retransmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "retransmissions_total",
			Help:      "Command retransmissions.",
		}, []string{"verb"}),
		timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "timeouts_total",
			Help:      "Commands failed after the retry ceiling.",
		}, []string{"verb"}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "responses_total",
			Help:      "Responses matched to outstanding commands, by result class.",
		}, []string{"class"}),
		requestsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "requests_received_total",
			Help:      "Requests received from gateways.",
		}, []string{"verb"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "duplicate_requests_total",
			Help:      "Retransmitted requests answered from the response cache.",
		}),
		unmatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "unmatched_responses_total",
			Help:      "Responses with no outstanding command.",
		}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "malformed_datagrams_total",
			Help:      "Datagrams that failed to parse.",
		}),
		hookTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "hook_transitions_total",
			Help:      "Endpoint hook state transitions.",
		}, []string{"to"}),
		auditOrphans: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "audit_orphan_connections_total",
			Help:      "Gateway connections deleted because no subchannel owned them.",
		}),
		endpointsOffHook: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "offhook",
			Help:      "Endpoints currently off hook.",
		}),
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "connections",
			Help:      "Subchannels holding a gateway connection id.",
		}),
	}
}

func (c *Collector) Sent(verb string)          { c.transactionsSent.WithLabelValues(verb).Inc() }
func (c *Collector) Retransmitted(verb string) { c.retransmissions.WithLabelValues(verb).Inc() }
func (c *Collector) TimedOut(verb string)      { c.timeouts.WithLabelValues(verb).Inc() }

// Response учитывает сопоставленный ответ
func (c *Collector) Response(code int) {
	class := "other"
	switch {
	case code >= 100 && code < 200:
		class = "1xx"
	case code >= 200 && code < 300:
		class = "2xx"
	case code >= 400 && code < 500:
		class = "4xx"
	case code >= 500 && code < 600:
		class = "5xx"
	}
	c.responses.WithLabelValues(class).Inc()
}

func (c *Collector) RequestReceived(verb string) { c.requestsReceived.WithLabelValues(verbLabel(verb)).Inc() }
func (c *Collector) Duplicate()                  { c.duplicates.Inc() }
func (c *Collector) Unmatched()                  { c.unmatched.Inc() }
func (c *Collector) Malformed()                  { c.malformed.Inc() }
func (c *Collector) AuditOrphan()                { c.auditOrphans.Inc() }

// HookTransition учитывает смену состояния трубки
func (c *Collector) HookTransition(to string) {
	c.hookTransitions.WithLabelValues(to).Inc()
	if to == "offhook" {
		c.endpointsOffHook.Inc()
	} else {
		c.endpointsOffHook.Dec()
	}
}

// ConnectionOpened / ConnectionClosed отслеживают назначенные cxident
func (c *Collector) ConnectionOpened() { c.activeConnections.Inc() }
func (c *Collector) ConnectionClosed() { c.activeConnections.Dec() }

// verbLabel глагол для метки; шлюз может прислать что угодно
func verbLabel(verb string) string {
	switch verb {
	case message.VerbCRCX, message.VerbMDCX, message.VerbDLCX, message.VerbRQNT,
		message.VerbNTFY, message.VerbAUEP, message.VerbAUCX, message.VerbRSIP:
		return verb
	}
	return "other"
}
