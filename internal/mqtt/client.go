package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/groutine"
	"github.com/battery-hawk/battery-hawk/internal/queue"
)

// ErrClosed is returned after Disconnect.
var ErrClosed = errors.New("mqtt client closed")

// QueuedMessage is one publication waiting for the broker to come back.
type QueuedMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	EnqueuedAt time.Time
	RetryCount int
}

// Stats are cumulative publisher counters.
type Stats struct {
	TotalConnections    uint64 `json:"total_connections"`
	TotalDisconnections uint64 `json:"total_disconnections"`
	TotalReconnections  uint64 `json:"total_reconnections"`
	MessagesPublished   uint64 `json:"messages_published"`
	MessagesQueued      uint64 `json:"messages_queued"`
	MessagesFailed      uint64 `json:"messages_failed"`
	MessagesDropped     uint64 `json:"messages_dropped"`
}

// Client maintains a resilient broker connection. Publishes during outages
// land in a bounded FIFO that a background worker drains once the
// connection returns; the oldest entries are dropped on overflow.
type Client struct {
	cfg    config.MQTTConfig
	topics *Topics
	log    *logrus.Entry

	mu     sync.Mutex
	paho   paho.Client
	closed bool

	pending *queue.Deque[QueuedMessage]
	wake    chan struct{}

	reconnecting atomic.Bool
	cancel       context.CancelFunc
	done         chan struct{}

	stats struct {
		connections    atomic.Uint64
		disconnections atomic.Uint64
		reconnections  atomic.Uint64
		published      atomic.Uint64
		queued         atomic.Uint64
		failed         atomic.Uint64
		dropped        atomic.Uint64
	}
}

// NewClient builds a client from the MQTT configuration section.
func NewClient(cfg config.MQTTConfig) *Client {
	size := cfg.MessageQueueSize
	if size <= 0 {
		size = 1000
	}
	return &Client{
		cfg:     cfg,
		topics:  NewTopics(cfg.TopicPrefix),
		log:     logrus.WithField("component", "mqtt"),
		pending: queue.New[QueuedMessage](size),
		wake:    make(chan struct{}, 1),
	}
}

// Topics returns the topic scheme bound to the configured prefix.
func (c *Client) Topics() *Topics { return c.topics }

func (c *Client) brokerURL() string {
	scheme := "tcp"
	if c.cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Broker, c.cfg.Port)
}

// Connect establishes the broker connection and starts the drain worker.
// A failed initial connect is not fatal: the client keeps retrying in the
// background and queues publishes meanwhile.
func (c *Client) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(c.brokerURL()).
		SetClientID("battery-hawk").
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetKeepAlive(time.Duration(c.cfg.Keepalive) * time.Second).
		SetConnectTimeout(secondsToDuration(c.cfg.ConnectionTimeout, 30*time.Second)).
		SetAutoReconnect(false).
		SetCleanSession(true)

	opts.SetOnConnectHandler(func(paho.Client) {
		c.stats.connections.Add(1)
		c.log.WithField("broker", c.brokerURL()).Info("mqtt connected")
		c.kick()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.stats.disconnections.Add(1)
		c.log.WithError(err).Warn("mqtt connection lost")
		c.startReconnect()
	})

	client := paho.NewClient(opts)
	c.mu.Lock()
	c.paho = client
	c.mu.Unlock()

	workerCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	groutine.Go(workerCtx, "mqtt-drain", func(ctx context.Context) {
		defer close(c.done)
		c.drainLoop(ctx)
	})

	if err := c.waitToken(ctx, client.Connect()); err != nil {
		c.log.WithError(err).Warn("mqtt initial connect failed, queuing")
		c.startReconnect()
	}
	return nil
}

// Disconnect stops the worker and closes the broker connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	client := c.paho
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		c.stats.disconnections.Add(1)
	}
	return nil
}

// Connected reports broker liveness.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paho != nil && c.paho.IsConnectionOpen()
}

// Publish serializes payload to JSON and sends it, or queues it when the
// broker is unreachable. Serialization errors drop the message.
func (c *Client) Publish(topic string, payload interface{}, qos byte, retain bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		c.stats.failed.Add(1)
		return fmt.Errorf("serialize payload for %s: %w", topic, err)
	}

	msg := QueuedMessage{Topic: topic, Payload: data, QoS: qos, Retain: retain, EnqueuedAt: time.Now()}
	if c.Connected() {
		if err := c.send(msg); err == nil {
			return nil
		}
		c.startReconnect()
	}
	c.enqueue(msg)
	return nil
}

// Subscribe registers handler for messages on topic.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	client := c.paho
	c.mu.Unlock()
	if client == nil {
		return ErrClosed
	}
	token := client.Subscribe(topic, c.qos(), func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	})
	token.Wait()
	return token.Error()
}

// GetStats returns cumulative counters.
func (c *Client) GetStats() Stats {
	return Stats{
		TotalConnections:    c.stats.connections.Load(),
		TotalDisconnections: c.stats.disconnections.Load(),
		TotalReconnections:  c.stats.reconnections.Load(),
		MessagesPublished:   c.stats.published.Load(),
		MessagesQueued:      c.stats.queued.Load(),
		MessagesFailed:      c.stats.failed.Load(),
		MessagesDropped:     c.stats.dropped.Load(),
	}
}

// QueueLen reports pending messages awaiting the broker.
func (c *Client) QueueLen() int { return c.pending.Len() }

func (c *Client) qos() byte {
	if c.cfg.QoS >= 0 && c.cfg.QoS <= 2 {
		return byte(c.cfg.QoS)
	}
	return 1
}

func (c *Client) send(msg QueuedMessage) error {
	c.mu.Lock()
	client := c.paho
	c.mu.Unlock()
	if client == nil {
		return ErrClosed
	}
	token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	if !token.WaitTimeout(secondsToDuration(c.cfg.ConnectionTimeout, 30*time.Second)) {
		return fmt.Errorf("publish to %s timed out", msg.Topic)
	}
	if err := token.Error(); err != nil {
		return err
	}
	c.stats.published.Add(1)
	return nil
}

func (c *Client) enqueue(msg QueuedMessage) {
	if _, dropped := c.pending.PushBack(msg); dropped {
		// A message pushed out of a full queue will never be delivered, so
		// the overflow counts as a failure as well as a drop.
		c.stats.dropped.Add(1)
		c.stats.failed.Add(1)
		c.log.WithField("topic", msg.Topic).Warn("mqtt queue full, dropped oldest")
	}
	c.stats.queued.Add(1)
	c.kick()
}

func (c *Client) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
		c.drain(ctx)
	}
}

// drain replays the queue in order. A failed message goes back to the front
// with its retry count bumped; past the limit it is dropped.
func (c *Client) drain(ctx context.Context) {
	retryLimit := c.cfg.MessageRetryLimit
	if retryLimit <= 0 {
		retryLimit = 3
	}
	for c.Connected() && ctx.Err() == nil {
		msg, ok := c.pending.PopFront()
		if !ok {
			return
		}
		if err := c.send(msg); err == nil {
			continue
		}
		c.stats.failed.Add(1)
		msg.RetryCount++
		if msg.RetryCount > retryLimit {
			c.stats.dropped.Add(1)
			c.log.WithFields(logrus.Fields{
				"topic":   msg.Topic,
				"retries": msg.RetryCount,
			}).Warn("dropping message past retry limit")
			continue
		}
		c.pending.PushFront(msg)
		c.startReconnect()
		return
	}
}

// startReconnect runs one background reconnect cycle with jittered
// exponential backoff. Concurrent triggers collapse into the running cycle.
func (c *Client) startReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	groutine.Go(context.Background(), "mqtt-reconnect", func(ctx context.Context) {
		defer c.reconnecting.Store(false)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = secondsToDuration(c.cfg.InitialRetryDelay, time.Second)
		bo.MaxInterval = secondsToDuration(c.cfg.MaxRetryDelay, 300*time.Second)
		bo.Multiplier = positiveOr(c.cfg.BackoffMultiplier, 2)
		bo.RandomizationFactor = positiveOr(c.cfg.JitterFactor, 0.1)
		bo.MaxElapsedTime = 0
		bo.Reset()

		maxRetries := c.cfg.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 10
		}

		for attempt := 1; attempt <= maxRetries; attempt++ {
			c.mu.Lock()
			closed, client := c.closed, c.paho
			c.mu.Unlock()
			if closed || client == nil {
				return
			}
			if client.IsConnectionOpen() {
				return
			}

			time.Sleep(bo.NextBackOff())
			token := client.Connect()
			token.Wait()
			if token.Error() == nil {
				c.stats.reconnections.Add(1)
				c.kick()
				return
			}
			c.log.WithError(token.Error()).WithField("attempt", attempt).Warn("mqtt reconnect failed")
		}
		c.log.Error("mqtt reconnect attempts exhausted")
	})
}

func (c *Client) waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func secondsToDuration(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func positiveOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
