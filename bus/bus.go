// Package bus wraps the RabbitMQ connection shared by the control-plane
// services: durable queue declaration, persistent JSON publishing and
// at-least-once consumption, with reconnect backoff owned here so callers
// never deal with broker hiccups.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

var log = logrus.WithField("prefix", "bus")

// Queue names shared across services.
const (
	DeliveryRequestsQueue = "delivery_requests"
	DroneUpdatesQueue     = "drone_updates"
	DeliveryStatusQueue   = "delivery_status"
)

// Reconnect backoff: starts at one second, grows by 1.7x, capped at five.
const (
	backoffStart  = 1 * time.Second
	backoffFactor = 1.7
	backoffCap    = 5 * time.Second
)

// Conn is a lazily connected AMQP endpoint. The declared queues are
// re-declared idempotently on every (re)connect.
type Conn struct {
	url    string
	queues []string

	lock sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New prepares a connection to the broker at url that will own the given
// durable queues. No I/O happens until the first operation.
func New(url string, queues ...string) *Conn {
	return &Conn{url: url, queues: queues}
}

// Connect dials the broker, retrying with backoff until the context is
// cancelled.
func (c *Conn) Connect(ctx context.Context) error {
	delay := backoffStart
	for {
		_, err := c.channel()
		if err == nil {
			return nil
		}
		log.WithError(err).WithField("retry_in", delay).Warn("Broker unreachable")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = nextDelay(delay)
	}
}

// channel returns the live channel, dialing and declaring queues first
// when needed.
func (c *Conn) channel() (*amqp.Channel, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.ch != nil {
		return c.ch, nil
	}
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, errors.Wrap(err, "dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	for _, q := range c.queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, errors.Wrapf(err, "declare queue %s", q)
		}
	}
	c.conn = conn
	c.ch = ch

	// Drop the cached channel when the broker closes it so the next
	// operation redials.
	closed := make(chan *amqp.Error, 1)
	ch.NotifyClose(closed)
	go func() {
		if err := <-closed; err != nil {
			log.WithError(err).Warn("Broker channel closed")
		}
		c.reset()
	}()
	return ch, nil
}

func (c *Conn) reset() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.ch = nil
}

// Close tears the connection down.
func (c *Conn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.ch = nil
	return err
}

// PublishJSON publishes v onto queue with persistent delivery, redialing
// with backoff until the publish lands or the context ends.
func (c *Conn) PublishJSON(ctx context.Context, queue string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	delay := backoffStart
	for {
		ch, err := c.channel()
		if err == nil {
			err = ch.Publish("", queue, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
			})
			if err == nil {
				return nil
			}
			c.reset()
		}
		log.WithError(err).WithField("queue", queue).WithField("retry_in", delay).
			Warn("Publish failed, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = nextDelay(delay)
	}
}

// Consume delivers each message body on queue to handler until the
// context ends. Messages are acked after the handler returns; handler
// errors are logged and the message is not redelivered, so handlers must
// be idempotent against at-least-once delivery from the broker side.
func (c *Conn) Consume(ctx context.Context, queue string, handler func(context.Context, []byte) error) {
	delay := backoffStart
	for ctx.Err() == nil {
		ch, err := c.channel()
		if err != nil {
			log.WithError(err).WithField("queue", queue).WithField("retry_in", delay).
				Warn("Consumer cannot reach broker")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextDelay(delay)
			continue
		}
		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			c.reset()
			continue
		}
		delay = backoffStart
		c.drain(ctx, queue, deliveries, handler)
	}
}

func (c *Conn) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler func(context.Context, []byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				// Channel died; the outer loop redials.
				return
			}
			if err := handler(ctx, d.Body); err != nil {
				log.WithError(err).WithField("queue", queue).Error("Message handler failed")
			}
			if err := d.Ack(false); err != nil {
				log.WithError(err).WithField("queue", queue).Warn("Could not ack message")
			}
		}
	}
}

func nextDelay(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * backoffFactor)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
