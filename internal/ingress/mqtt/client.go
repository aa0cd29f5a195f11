package mqtt

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const disconnectQuiesce = 250 // milliseconds

// ClientConfig holds broker connection settings.
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Client manages the broker connection. Subscriptions are owned by Subscriber.
type Client struct {
	client paho.Client
	config ClientConfig
	logger *zap.SugaredLogger
}

// NewClient connects to the broker. onConnect runs after every (re)connection so
// subscriptions survive a dropped session.
func NewClient(config ClientConfig, onConnect paho.OnConnectHandler, logger *zap.SugaredLogger) (*Client, error) {
	if config.Broker == "" {
		return nil, errors.New("mqtt: broker required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Infow("mqtt connected", "broker", config.Broker)
		if onConnect != nil {
			onConnect(c)
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warnw("mqtt connection lost", "broker", config.Broker, "error", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", config.Broker, token.Error())
	}
	return &Client{client: client, config: config, logger: logger}, nil
}

// Native returns the underlying paho client.
func (c *Client) Native() paho.Client {
	return c.client
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c != nil && c.client.IsConnected()
}

// Close disconnects, letting queued work finish for a short quiesce period.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.client.Disconnect(disconnectQuiesce)
	c.logger.Infow("mqtt disconnected", "broker", c.config.Broker)
}
