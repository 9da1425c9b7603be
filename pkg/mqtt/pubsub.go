package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout       = 10 * time.Second
	maxReconnectInterval = time.Minute
	disconnectQuiesce    = 250 * time.Millisecond
)

var (
	errTimeout    = errors.New("mqtt operation timed out")
	errEmptyTopic = errors.New("empty topic")
	errEmptyID    = errors.New("empty ID")
	errConnect    = errors.New("failed to connect to MQTT broker")
)

// Handler receives JSON messages decoded into a generic map.
type Handler func(topic string, msg map[string]any) error

type PubSub interface {
	Publish(ctx context.Context, topic string, msg any) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Disconnect(ctx context.Context) error
}

type Config struct {
	URL      string        `env:"URL"      envDefault:""`
	QoS      byte          `env:"QOS"      envDefault:"1"`
	Username string        `env:"USERNAME" envDefault:""`
	Password string        `env:"PASSWORD" envDefault:""`
	Prefix   string        `env:"PREFIX"   envDefault:"fl"`
	Timeout  time.Duration `env:"TIMEOUT"  envDefault:"30s"`
}

// Status is the last-will payload published on StatusTopic when a
// participant drops off the broker.
type Status struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusTopic is where the broker publishes the will of participant id.
func StatusTopic(prefix, id string) string {
	return fmt.Sprintf("%s/status/%s", prefix, id)
}

type pubsub struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logger  *slog.Logger

	// subs survive reconnects; the session is clean so the broker forgets
	// them.
	mu   sync.Mutex
	subs map[string]Handler
}

func NewPubSub(cfg Config, id string, logger *slog.Logger) (PubSub, error) {
	if id == "" {
		return nil, errEmptyID
	}

	ps := &pubsub{
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		logger:  logger.With(slog.String("mqtt_id", id)),
		subs:    make(map[string]Handler),
	}
	opts, err := ps.options(cfg, id)
	if err != nil {
		return nil, err
	}
	ps.client = mqtt.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), max(cfg.Timeout, connectTimeout))
	defer cancel()
	if err := ps.wait(ctx, ps.client.Connect()); err != nil {
		return nil, errors.Join(errConnect, err)
	}

	return ps, nil
}

func (ps *pubsub) options(cfg Config, id string) (*mqtt.ClientOptions, error) {
	will, err := json.Marshal(Status{ID: id, Status: "offline"})
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(id).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetWill(StatusTopic(cfg.Prefix, id), string(will), 0, false)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		ps.logger.Info("MQTT connection established")
		ps.resubscribe(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		ps.logger.Warn("MQTT connection lost", slog.Any("error", err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		ps.logger.Info("MQTT reconnecting")
	})

	return opts, nil
}

// wait blocks until the token completes, ctx ends or the configured timeout
// passes.
func (ps *pubsub) wait(ctx context.Context, token mqtt.Token) error {
	if ps.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ps.timeout)
		defer cancel()
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errTimeout
		}

		return ctx.Err()
	}
}

func (ps *pubsub) Publish(ctx context.Context, topic string, msg any) error {
	if topic == "" {
		return errEmptyTopic
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := ps.wait(ctx, ps.client.Publish(topic, ps.qos, false, data)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	return nil
}

func (ps *pubsub) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if topic == "" {
		return errEmptyTopic
	}

	if err := ps.wait(ctx, ps.client.Subscribe(topic, ps.qos, ps.mqttHandler(handler))); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	ps.mu.Lock()
	ps.subs[topic] = handler
	ps.mu.Unlock()

	return nil
}

func (ps *pubsub) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errEmptyTopic
	}

	ps.mu.Lock()
	delete(ps.subs, topic)
	ps.mu.Unlock()
	if err := ps.wait(ctx, ps.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", topic, err)
	}

	return nil
}

// Disconnect lets in-flight work finish for at most the quiesce period.
func (ps *pubsub) Disconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	quiesce := disconnectQuiesce
	if dl, ok := ctx.Deadline(); ok {
		quiesce = min(quiesce, time.Until(dl))
	}
	ps.client.Disconnect(uint(max(quiesce, 0).Milliseconds()))

	return nil
}

func (ps *pubsub) resubscribe(c mqtt.Client) {
	ps.mu.Lock()
	subs := maps.Clone(ps.subs)
	ps.mu.Unlock()

	for topic, h := range subs {
		token := c.Subscribe(topic, ps.qos, ps.mqttHandler(h))
		go func() {
			if err := ps.wait(context.Background(), token); err != nil {
				ps.logger.Warn("failed to restore subscription", slog.String("topic", topic), slog.Any("error", err))
			}
		}()
	}
}

func (ps *pubsub) mqttHandler(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		defer m.Ack()

		var msg map[string]any
		if err := json.Unmarshal(m.Payload(), &msg); err != nil {
			ps.logger.Warn("dropping malformed MQTT message", slog.String("topic", m.Topic()), slog.Any("error", err))

			return
		}
		if err := h(m.Topic(), msg); err != nil {
			ps.logger.Warn("MQTT handler failed", slog.String("topic", m.Topic()), slog.Any("error", err))
		}
	}
}
