package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voice-relay/pkg/metrics"
)

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL            string
	QueueName      string
	ExchangeName   string
	RoutingKey     string
	ConnectTimeout time.Duration

	// ReconnectBackoff is the first retry delay; it doubles up to MaxReconnectBackoff.
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

type dialFunc func(url string, config amqp.Config) (*amqp.Connection, error)

// AMQPClient publishes call events to a durable queue. Once Connect has been
// called it keeps retrying in the background until Disconnect.
type AMQPClient struct {
	logger       *logrus.Logger
	config       AMQPConfig
	dial         dialFunc
	conn         *amqp.Connection
	channel      *amqp.Channel
	connected    bool
	reconnecting bool
	stopped      bool
	connMutex    sync.RWMutex
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = time.Second
	}
	if config.MaxReconnectBackoff <= 0 {
		config.MaxReconnectBackoff = 30 * time.Second
	}
	if config.MaxReconnectBackoff < config.ReconnectBackoff {
		config.MaxReconnectBackoff = config.ReconnectBackoff
	}

	return &AMQPClient{
		logger:   logger,
		config:   config,
		dial:     amqp.DialConfig,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes a connection to the AMQP server and declares the queue.
// When the broker is unreachable the error is returned and a background
// reconnect loop is started.
func (c *AMQPClient) Connect() error {
	if c.config.URL == "" || c.config.QueueName == "" {
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	err := c.connect()
	if err != nil {
		c.startReconnect()
	}
	return err
}

func (c *AMQPClient) connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.stopped {
		return fmt.Errorf("AMQP client is closed")
	}
	if c.connected {
		return nil
	}

	conn, err := c.dial(c.config.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(c.config.ConnectTimeout),
	})
	if err != nil {
		metrics.SetAMQPConnectionStatus(false)
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	_, err = channel.QueueDeclare(
		c.config.QueueName,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	c.reconnecting = false
	metrics.SetAMQPConnectionStatus(true)

	c.logger.WithFields(logrus.Fields{
		"queue": c.config.QueueName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(conn)

	return nil
}

// Disconnect stops any reconnect loop and closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	c.stopped = true
	c.stopOnce.Do(func() { close(c.stopChan) })

	if !c.connected {
		return
	}

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// PublishEvent publishes one call event as a persistent JSON message
func (c *AMQPClient) PublishEvent(event CallEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}

	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	if !c.connected || c.channel == nil {
		metrics.RecordAMQPPublish(c.config.QueueName, "not_connected")
		return fmt.Errorf("not connected to AMQP server")
	}

	err = c.channel.Publish(
		c.config.ExchangeName,
		c.config.RoutingKey,
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Type:         event.Type,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
			Expiration:   "43200000", // 12 hours in milliseconds
			Headers: amqp.Table{
				"x-call-sid": event.CallSID,
			},
		},
	)
	if err != nil {
		metrics.RecordAMQPPublish(c.config.QueueName, "error")
		return fmt.Errorf("failed to publish call event to AMQP: %w", err)
	}

	metrics.RecordAMQPPublish(c.config.QueueName, "success")
	return nil
}

// monitorConnection hands over to the reconnect loop when the broker drops the connection
func (c *AMQPClient) monitorConnection(conn *amqp.Connection) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-c.stopChan:
		return
	case closeErr := <-closeChan:
		c.connMutex.Lock()
		if c.conn == conn {
			c.connected = false
		}
		c.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
		c.startReconnect()
	}
}

func (c *AMQPClient) startReconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.stopped || c.connected || c.reconnecting {
		return
	}
	c.reconnecting = true
	go c.reconnectLoop()
}

func (c *AMQPClient) reconnectLoop() {
	backoff := c.config.ReconnectBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-c.stopChan:
			c.setReconnecting(false)
			return
		case <-timer.C:
		}

		err := c.connect()
		if err == nil {
			c.logger.WithField("attempt", attempt).Info("Successfully reconnected to AMQP server")
			return
		}

		backoff *= 2
		if backoff > c.config.MaxReconnectBackoff {
			backoff = c.config.MaxReconnectBackoff
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": backoff.String(),
		}).Warn("Failed to reconnect to AMQP server")
		timer.Reset(backoff)
	}
}

func (c *AMQPClient) setReconnecting(v bool) {
	c.connMutex.Lock()
	c.reconnecting = v
	c.connMutex.Unlock()
}
