// Package broker carries store change events between nodes: per-user
// transient queues feed websocket hubs, and a durable stream feeds
// standalone dispatcher processes.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	streamamqp "github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

const (
	// ExchangeEvents fans chat events out to per-user queues.
	ExchangeEvents = "pingup.events"

	// userQueueTTL bounds how long an event waits for a briefly
	// disconnected client before the queue drops it; the push path does
	// not depend on these queues.
	userQueueTTL = int32(5000)

	// userQueueExpiry removes a user queue once no client has consumed
	// it for a while.
	userQueueExpiry = int32(60000)
)

// Event is the wire envelope for everything relayed between nodes.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Client struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	streamEnv *stream.Environment
}

// NewClient connects to RabbitMQ and declares the event exchange. The
// stream environment is optional: streamURI may be empty for deployments
// that run the dispatcher in-process.
func NewClient(url, streamURI string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(ExchangeEvents, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare events exchange: %w", err)
	}

	c := &Client{conn: conn, channel: ch}
	if streamURI != "" {
		env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(streamURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to stream endpoint: %w", err)
		}
		c.streamEnv = env
	}
	return c, nil
}

// PublishUser routes an event to uid's queue on every node.
func (c *Client) PublishUser(ctx context.Context, uid string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = c.channel.PublishWithContext(ctx,
		ExchangeEvents,
		"user."+uid,
		false,
		false,
		amqp.Publishing{ContentType: "application/json", Body: body},
	)
	if err != nil {
		return fmt.Errorf("failed to publish user event: %w", err)
	}
	return nil
}

// ConsumeUserQueue declares uid's transient queue and consumes it.
// Returns the delivery channel and a cancel function that stops the
// consumer; the queue cleans itself up via its expiry.
func (c *Client) ConsumeUserQueue(uid string) (<-chan amqp.Delivery, func(), error) {
	queueName := "user." + uid
	args := amqp.Table{
		"x-message-ttl": userQueueTTL,
		"x-expires":     userQueueExpiry,
	}

	q, err := c.channel.QueueDeclare(queueName, false, false, false, false, args)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to declare user queue: %w", err)
	}
	if err := c.channel.QueueBind(q.Name, "user."+uid, ExchangeEvents, false, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to bind user queue: %w", err)
	}

	consumerTag := "consumer-" + uid
	deliveries, err := c.channel.Consume(q.Name, consumerTag, true, false, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	cancel := func() { c.channel.Cancel(consumerTag, false) }
	return deliveries, cancel, nil
}

// DeclareStream ensures the durable event stream exists.
func (c *Client) DeclareStream(name string) error {
	if c.streamEnv == nil {
		return fmt.Errorf("stream endpoint not configured")
	}
	err := c.streamEnv.DeclareStream(name,
		stream.NewStreamOptions().SetMaxLengthBytes(stream.ByteCapacity{}.GB(1)))
	if err != nil {
		return fmt.Errorf("failed to declare stream %s: %w", name, err)
	}
	return nil
}

// NewStreamProducer opens a producer on the durable event stream.
func (c *Client) NewStreamProducer(name string) (*stream.Producer, error) {
	if c.streamEnv == nil {
		return nil, fmt.Errorf("stream endpoint not configured")
	}
	producer, err := c.streamEnv.NewProducer(name, stream.NewProducerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}
	return producer, nil
}

// ConsumeStream attaches handler to the durable event stream, starting
// from the newest offset: a dispatcher only ever handles messages
// appended while it is running.
func (c *Client) ConsumeStream(name string, handler func(Event)) (*stream.Consumer, error) {
	if c.streamEnv == nil {
		return nil, fmt.Errorf("stream endpoint not configured")
	}
	consumer, err := c.streamEnv.NewConsumer(name,
		func(_ stream.ConsumerContext, message *streamamqp.Message) {
			var event Event
			if err := json.Unmarshal(message.GetData(), &event); err != nil {
				return
			}
			handler(event)
		},
		stream.NewConsumerOptions().SetOffset(stream.OffsetSpecification{}.Last()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start stream consumer: %w", err)
	}
	return consumer, nil
}

func (c *Client) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.streamEnv != nil {
		c.streamEnv.Close()
	}
}
