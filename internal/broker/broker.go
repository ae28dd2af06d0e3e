// Package broker is the durable pub/sub connection to the message
// broker: reconnect-with-backoff, the three ingress wildcard
// subscriptions, and a blocking publish used for rule-list responses.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/tf-iot/core/internal/config"
	"github.com/tf-iot/core/internal/events"
)

// Topic filters subscribed on every (re-)connect.
const (
	TopicSensorData    = "+/sensors/+/data"
	TopicRuleRequests  = "rules/+"
	TopicConfigReplies = "+/settings/sensors/get/response"

	// TopicRuleCallback is where `rules/get` responses are published.
	TopicRuleCallback = "callback/rules"
)

// Handler is called for each inbound message on a subscribed topic.
// Implementations must be safe for concurrent use and must not block;
// the router built on top of Handler does its own fan-out to the
// sensor pipeline.
type Handler func(topic string, payload []byte)

// Client owns a single autopaho connection manager. Zero value is not
// usable; construct with New.
type Client struct {
	cfg     config.BrokerConfig
	logger  *slog.Logger
	handler Handler
	bus     *events.Bus

	cm        *autopaho.ConnectionManager
	connected atomic.Bool
}

// New creates a Client but does not connect; call Start to begin
// connecting. A nil logger is replaced with slog.Default. bus may be
// nil; Bus.Publish is a documented no-op on a nil receiver.
func New(cfg config.BrokerConfig, logger *slog.Logger, bus *events.Bus) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger, bus: bus}
}

// SetHandler registers the callback for inbound messages. Must be
// called before Start.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// Start connects to the broker and blocks until ctx is cancelled. The
// caller should bound ctx's deadline for the initial connection to
// treat a slow first connect as a fatal startup failure; once
// connected, reconnection is unbounded and handled by the underlying
// client's own capped exponential backoff.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.URL())
	if err != nil {
		return fmt.Errorf("broker: parse url: %w", err)
	}

	clientID := "tf-iot-core-" + uuid.NewString()[:8]

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		// ConnectRetryDelay seeds the client's own capped exponential
		// backoff (starts here, doubles, caps at 30s, resets on a
		// successful connect).
		ConnectRetryDelay: time.Second,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("broker connected", "broker", c.cfg.URL())
			c.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceBroker,
				Kind:      events.KindConnected,
				Data:      map[string]any{"broker": c.cfg.URL()},
			})
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.subscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			c.logger.Warn("broker connect error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnClientError: func(err error) {
				c.connected.Store(false)
				c.logger.Warn("broker client error", "error", err)
				c.bus.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceBroker,
					Kind:      events.KindDisconnected,
					Data:      map[string]any{"error": err.Error()},
				})
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				c.logger.Warn("broker server disconnect", "reason_code", d.ReasonCode)
				c.bus.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceBroker,
					Kind:      events.KindDisconnected,
					Data:      map[string]any{"reason_code": d.ReasonCode},
				})
			},
		},
	}

	if brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("broker: connect: %w", err)
	}
	c.cm = cm

	if c.handler == nil {
		c.handler = func(topic string, payload []byte) {
			c.logger.Debug("broker message received with no handler registered", "topic", topic)
		}
	}
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		c.dispatch(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("broker: initial connect: %w", err)
	}

	<-ctx.Done()
	return nil
}

// dispatch invokes the registered handler, recovering from panics so a
// single bad message can never take down the broker reader.
func (c *Client) dispatch(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("broker message handler panicked", "topic", topic, "panic", r)
		}
	}()
	c.handler(topic, payload)
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topics := []string{TopicSensorData, TopicRuleRequests, TopicConfigReplies}
	subs := make([]paho.SubscribeOptions, len(topics))
	for i, t := range topics {
		subs[i] = paho.SubscribeOptions{Topic: t, QoS: 0}
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		c.logger.Error("broker subscribe failed", "error", err, "topics", topics)
		return
	}
	c.logger.Info("broker subscribed", "topics", topics)
}

// Publish sends payload to topic with QoS 1 ("at least once"). Returns
// an error without attempting delivery if the connection is currently
// down — readings and responses produced while disconnected are not
// queued while disconnected.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.connected.Load() {
		return fmt.Errorf("broker: not connected")
	}
	if c.cm == nil {
		return fmt.Errorf("broker: not started")
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Stop disconnects cleanly. Safe to call on a Client that was never
// started.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}
