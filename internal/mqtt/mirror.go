// Package mqtt mirrors telemetry and finished calibrations to an MQTT
// broker. Publishing is best effort and never blocks the caller.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"ble-locator.klederson.com/internal/actor"
	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/model"
)

// ErrQueueFull is returned when the publish queue is saturated.
var ErrQueueFull = errors.New("mqtt: publish queue full")

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Options tunes the mirror. Zero values use the config defaults.
type Options struct {
	Topic           string
	NodeID          string
	Queue           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *slog.Logger
}

func (o *Options) defaults() {
	if o.Topic == "" {
		o.Topic = config.MQTTTopic
	}
	if o.NodeID == "" {
		o.NodeID = uuid.New().String()
	}
	if o.Queue == 0 {
		o.Queue = config.MQTTQueue
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = config.MQTTBreakerFailures
	}
	if o.BreakerTimeout == 0 {
		o.BreakerTimeout = config.MQTTBreakerTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type publication struct {
	topic   string
	payload []byte
}

// Mirror queues payloads and publishes them from its own goroutine through
// a circuit breaker.
type Mirror struct {
	pub     Publisher
	opts    Options
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]

	queue chan publication
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// New creates a mirror over pub. Run drains the queue.
func New(pub Publisher, opts Options) *Mirror {
	opts.defaults()
	logger := opts.Logger.With("component", "mqtt", "node", opts.NodeID)
	failures := opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "mqtt:" + opts.Topic,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Mirror{
		pub:     pub,
		opts:    opts,
		logger:  logger,
		breaker: cb,
		queue:   make(chan publication, opts.Queue),
		done:    make(chan struct{}),
	}
}

// NodeID is the identifier used in every topic.
func (m *Mirror) NodeID() string { return m.opts.NodeID }

// TelemetryTopic is <topic>/<node>/telemetry.
func (m *Mirror) TelemetryTopic() string {
	return fmt.Sprintf("%s/%s/telemetry", m.opts.Topic, m.opts.NodeID)
}

// CalibrationTopic is <topic>/<node>/calibration.
func (m *Mirror) CalibrationTopic() string {
	return fmt.Sprintf("%s/%s/calibration", m.opts.Topic, m.opts.NodeID)
}

// PublishTelemetry queues one telemetry cycle.
func (m *Mirror) PublishTelemetry(t model.Telemetry) error {
	payload, err := encodeTelemetry(m.opts.NodeID, t)
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}
	return m.enqueue(m.TelemetryTopic(), payload)
}

// PublishCalibration queues a finished calibration.
func (m *Mirror) PublishCalibration(data []model.CalibrationData, at time.Time) error {
	payload, err := encodeCalibration(m.opts.NodeID, data, at)
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	return m.enqueue(m.CalibrationTopic(), payload)
}

func (m *Mirror) enqueue(topic string, payload []byte) error {
	select {
	case <-m.done:
		return context.Canceled
	default:
	}
	select {
	case m.queue <- publication{topic: topic, payload: payload}:
		return nil
	default:
		m.logger.Debug("publish dropped", "topic", topic)
		return ErrQueueFull
	}
}

// Run publishes queued payloads until ctx is cancelled or Close is called.
func (m *Mirror) Run(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case p := <-m.queue:
			m.publish(p)
		}
	}
}

func (m *Mirror) publish(p publication) {
	_, err := m.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, m.pub.Publish(p.topic, p.payload)
	})
	switch {
	case err == nil:
		m.logger.Log(context.Background(), actor.LevelTrace, "published", "topic", p.topic, "size", len(p.payload))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		m.logger.Debug("publish skipped, circuit open", "topic", p.topic)
	default:
		m.logger.Warn("publish failed", "topic", p.topic, "error", err)
	}
}

// State exposes the breaker state.
func (m *Mirror) State() gobreaker.State { return m.breaker.State() }

// Close stops Run and waits for it to return.
func (m *Mirror) Close() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Client adapts a paho client to Publisher.
type Client struct {
	c       paho.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Connect dials the broker (host:port or a full URL) with automatic
// reconnection enabled. A broker still unreachable after
// config.MQTTConnectTimeout is retried in the background.
func Connect(ctx context.Context, broker, clientID string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	opts := paho.NewClientOptions()
	opts.AddBroker(brokerURL(broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(config.RetryDelay)
	opts.SetMaxReconnectInterval(config.MQTTBreakerTimeout)
	opts.OnConnect = func(paho.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	c := paho.NewClient(opts)
	token := c.Connect()
	select {
	case <-token.Done():
	case <-time.After(config.MQTTConnectTimeout):
		logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", broker)
		return &Client{c: c, timeout: config.MQTTPublishTimeout, logger: logger}, nil
	case <-ctx.Done():
		c.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return &Client{c: c, timeout: config.MQTTPublishTimeout, logger: logger}, nil
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Publish sends payload at QoS 0.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.c.IsConnectionOpen() {
		return errors.New("not connected")
	}
	token := c.c.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(c.timeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() {
	if c.c.IsConnected() {
		c.c.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
}
