package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fedcoord/pkg/mqtt"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	RoundStartedTopic       = "rounds/started"
	RoundClosedTopic        = "rounds/closed"
	ExperimentFinishedTopic = "experiment/finished"
	ClientsTopic            = "clients"
)

// Topic joins prefix and suffix into an MQTT topic.
func Topic(prefix, suffix string) string {
	return prefix + "/" + suffix
}

type mqttObserver struct {
	pubsub mqtt.PubSub
	prefix string
	logger *slog.Logger
}

// NewMQTTObserver publishes lifecycle events so that clients can react to
// round transitions without polling.
func NewMQTTObserver(pubsub mqtt.PubSub, prefix string, logger *slog.Logger) Observer {
	return &mqttObserver{pubsub: pubsub, prefix: prefix, logger: logger}
}

func (o *mqttObserver) Notify(ctx context.Context, ev Event) {
	var topic string
	msg := map[string]any{
		"kind":      ev.Kind(),
		"timestamp": time.Now().UTC(),
	}

	switch e := ev.(type) {
	case RoundStarted:
		topic = Topic(o.prefix, RoundStartedTopic)
		msg["round"] = e.Round
		msg["deadline"] = e.Deadline.UTC()
		msg["clients"] = e.Clients
	case RoundClosed:
		topic = Topic(o.prefix, RoundClosedTopic)
		msg["round"] = e.Round
		msg["submitters"] = e.Submitters
		msg["checkpoint"] = e.Checkpoint
	case ExperimentFinished:
		topic = Topic(o.prefix, ExperimentFinishedTopic)
		msg["rounds"] = e.Rounds
		if e.Err != nil {
			msg["error"] = e.Err.Error()
		}
	case ClientAdmitted:
		topic = Topic(o.prefix, ClientsTopic+"/"+e.ClientID)
		msg["state"] = Admitted.String()
	case ClientRejected:
		topic = Topic(o.prefix, ClientsTopic+"/"+e.ClientID)
		msg["state"] = Rejected.String()
		msg["reason"] = e.Reason
	case ClientDead:
		topic = Topic(o.prefix, ClientsTopic+"/"+e.ClientID)
		msg["state"] = Dead.String()
		msg["round"] = e.Round
	case ClientLeft:
		topic = Topic(o.prefix, ClientsTopic+"/"+e.ClientID)
		msg["state"] = "left"
		msg["round"] = e.Round
	default:
		return
	}

	if err := o.pubsub.Publish(ctx, topic, msg); err != nil {
		o.logger.Warn(fmt.Sprintf("failed to publish %s event: %s", ev.Kind(), err))
	}
}

type metricsObserver struct {
	round      prometheus.Gauge
	admitted   prometheus.Gauge
	dead       prometheus.Counter
	left       prometheus.Counter
	rejected   *prometheus.CounterVec
	closed     prometheus.Counter
	submitters prometheus.Gauge
	duration   prometheus.Histogram
	finished   *prometheus.CounterVec
}

// NewMetricsObserver registers coordinator gauges with reg.
func NewMetricsObserver(namespace string, reg prometheus.Registerer) (Observer, error) {
	o := &metricsObserver{
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rounds", Name: "current",
			Help: "Index of the active round.",
		}),
		admitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "clients", Name: "admitted",
			Help: "Clients admitted to the experiment.",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "clients", Name: "dead_total",
			Help: "Clients evicted after a heartbeat timeout.",
		}),
		left: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "clients", Name: "left_total",
			Help: "Clients that closed their session.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "clients", Name: "rejected_total",
			Help: "Registrations rejected, by reason.",
		}, []string{"reason"}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rounds", Name: "closed_total",
			Help: "Rounds aggregated.",
		}),
		submitters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rounds", Name: "submitters",
			Help: "Submissions merged in the last closed round.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rounds", Name: "duration_seconds",
			Help:    "Time from round start to aggregation.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "experiments", Name: "finished_total",
			Help: "Experiments finished, by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{o.round, o.admitted, o.dead, o.left, o.rejected, o.closed, o.submitters, o.duration, o.finished} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return o, nil
}

func (o *metricsObserver) Notify(_ context.Context, ev Event) {
	switch e := ev.(type) {
	case ClientAdmitted:
		o.admitted.Inc()
	case ClientRejected:
		o.rejected.WithLabelValues(e.Reason).Inc()
	case ClientDead:
		o.dead.Inc()
		o.admitted.Dec()
	case ClientLeft:
		o.left.Inc()
		o.admitted.Dec()
	case RoundStarted:
		o.round.Set(float64(e.Round))
	case RoundClosed:
		o.closed.Inc()
		o.submitters.Set(float64(len(e.Submitters)))
		o.duration.Observe(e.Duration.Seconds())
	case ExperimentFinished:
		outcome := "complete"
		if e.Err != nil {
			outcome = "aborted"
		}
		o.finished.WithLabelValues(outcome).Inc()
		o.admitted.Set(0)
	}
}
