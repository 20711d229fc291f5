// Package relay publishes generation progress over MQTT so that other
// processes can follow long-running scene generations.
package relay

import (
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AaronLay10/SceneForge/internal/events"
)

const (
	connectTimeout = 10 * time.Second
	opTimeout      = 5 * time.Second
)

// Config holds broker settings.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Client wraps the Paho MQTT client.
type Client struct {
	client paho.Client
	broker string
	log    zerolog.Logger
}

// NewClient creates a client but does not connect.
func NewClient(cfg Config) *Client {
	broker := cfg.BrokerURL
	if broker == "" {
		broker = "tcp://localhost:1883"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sceneforge"
	}

	c := &Client{
		broker: broker,
		log:    log.With().Str("component", "relay").Str("broker", broker).Logger(),
	}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	c.client = paho.NewClient(opts)
	return c
}

// onConnect runs on the first connect and after every automatic reconnect.
func (c *Client) onConnect(paho.Client) {
	c.log.Info().Msg("connected")
	events.Emit("info", "relay.connected", "MQTT relay connected", map[string]interface{}{
		"broker": c.broker,
	})
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn().Err(err).Msg("connection lost")
	fields := map[string]interface{}{"broker": c.broker}
	if err != nil {
		fields["error"] = err.Error()
	}
	events.Emit("warn", "relay.disconnected", "MQTT relay connection lost", fields)
}

// Broker returns the broker URL.
func (c *Client) Broker() string { return c.broker }

// Connect attempts to connect to the broker without blocking indefinitely.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return &ConnectTimeoutError{Broker: c.broker}
	}
	return token.Error()
}

// Publish sends payload with QoS 0.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(opTimeout) {
		return &TimeoutError{Op: "publish", Topic: topic}
	}
	return token.Error()
}

// Subscribe registers handler for topic with QoS 0.
func (c *Client) Subscribe(topic string, handler paho.MessageHandler) error {
	token := c.client.Subscribe(topic, 0, handler)
	if !token.WaitTimeout(opTimeout) {
		return &TimeoutError{Op: "subscribe", Topic: topic}
	}
	return token.Error()
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(opTimeout) {
		return &TimeoutError{Op: "unsubscribe", Topic: topic}
	}
	return token.Error()
}

// Disconnect cleanly disconnects from the broker.
func (c *Client) Disconnect() {
	c.client.Disconnect(1000)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct {
	Broker string
}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout: " + e.Broker
}

// TimeoutError indicates a publish or subscribe was not acknowledged in time.
type TimeoutError struct {
	Op    string
	Topic string
}

func (e *TimeoutError) Error() string {
	return "mqtt " + e.Op + " timeout: " + e.Topic
}
