// Package metrics records abuse and diagnostic events as Prometheus series
// and structured log lines.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const maxLoggedPayload = 2048

// Recorder is safe for concurrent use.
type Recorder struct {
	log *zap.Logger

	unknownRoutes    *prometheus.CounterVec
	rejectedPayloads *prometheus.CounterVec
	handlerFaults    *prometheus.CounterVec
	admissions       *prometheus.CounterVec
	closes           *prometheus.CounterVec
	echoTimeouts     prometheus.Counter
	connections      prometheus.Gauge
	rtt              prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer, log *zap.Logger) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		log: log,
		unknownRoutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesock",
			Name:      "unknown_route_total",
			Help:      "Inbound messages naming an unknown route or action.",
		}, []string{"kind"}),
		rejectedPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesock",
			Name:      "rejected_payload_total",
			Help:      "Inbound messages whose value failed shape validation.",
		}, []string{"route", "action"}),
		handlerFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesock",
			Name:      "handler_fault_total",
			Help:      "Handler errors and recovered panics.",
		}, []string{"route", "action"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesock",
			Name:      "admission_total",
			Help:      "Upgrade attempts by result.",
		}, []string{"result"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesock",
			Name:      "close_total",
			Help:      "Closed connections by close code.",
		}, []string{"code"}),
		echoTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livesock",
			Name:      "echo_timeout_total",
			Help:      "Connections closed for a missed echo.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livesock",
			Name:      "connections",
			Help:      "Open connections.",
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "livesock",
			Name:      "echo_rtt_seconds",
			Help:      "Echo round trip time.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
	reg.MustRegister(r.unknownRoutes, r.rejectedPayloads, r.handlerFaults, r.admissions,
		r.closes, r.echoTimeouts, r.connections, r.rtt)
	return r
}

// UnknownRoute records a message for a route or action nobody handles.
// kind is "route" or "action".
func (r *Recorder) UnknownRoute(kind, connID, ip, route, action string) {
	r.unknownRoutes.WithLabelValues(kind).Inc()
	r.log.Warn("unknown "+kind,
		zap.String("conn", connID),
		zap.String("ip", ip),
		zap.String("route", route),
		zap.String("action", action),
	)
}

// RejectedPayload records a value that failed validation, logging the raw
// payload truncated.
func (r *Recorder) RejectedPayload(connID, ip, route, action string, raw []byte, err error) {
	r.rejectedPayloads.WithLabelValues(route, action).Inc()
	if len(raw) > maxLoggedPayload {
		raw = raw[:maxLoggedPayload]
	}
	r.log.Warn("parameters rejected",
		zap.String("conn", connID),
		zap.String("ip", ip),
		zap.String("route", route),
		zap.String("action", action),
		zap.ByteString("payload", raw),
		zap.Error(err),
	)
}

// Malformed records a frame that could not be parsed.
func (r *Recorder) Malformed(connID, ip string, err error) {
	r.unknownRoutes.WithLabelValues("malformed").Inc()
	r.log.Warn("malformed message", zap.String("conn", connID), zap.String("ip", ip), zap.Error(err))
}

// HandlerFault records a handler error or recovered panic.
func (r *Recorder) HandlerFault(connID, route, action string, err error, stack []byte) {
	r.handlerFaults.WithLabelValues(route, action).Inc()
	fields := []zap.Field{
		zap.String("conn", connID),
		zap.String("route", route),
		zap.String("action", action),
		zap.Error(err),
	}
	if len(stack) > 0 {
		fields = append(fields, zap.ByteString("stack", stack))
	}
	r.log.Error("handler fault", fields...)
}

func (r *Recorder) Admitted() {
	r.admissions.WithLabelValues("accepted").Inc()
	r.connections.Inc()
}

func (r *Recorder) Rejected(reason string) {
	r.admissions.WithLabelValues(reason).Inc()
}

// Closed records a closed connection. Echo timeouts are expected in normal
// operation and logged at info.
func (r *Recorder) Closed(connID, ip string, code int, reason string) {
	r.connections.Dec()
	r.closes.WithLabelValues(strconv.Itoa(code)).Inc()
	if reason == "" {
		return
	}
	r.log.Info("connection closed",
		zap.String("conn", connID),
		zap.String("ip", ip),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
}

func (r *Recorder) EchoTimeout() {
	r.echoTimeouts.Inc()
}

func (r *Recorder) ObserveRTT(d time.Duration) {
	r.rtt.Observe(d.Seconds())
}
