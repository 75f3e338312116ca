// Package admission implements intake and admission control (C3): it
// turns object-creation events into Document records, queues an
// admission request per document, and enforces a global max-in-flight
// limit with a Redis sliding counter before a worker is allowed to move
// a document from QUEUED to RUNNING.
package admission

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
)

// Connection abstracts an AMQP connection so the queue can be dialed
// against a mock in tests instead of a live broker.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Channel abstracts the subset of AMQP channel operations intake and
// admission need: declare the work/dead-letter queues, publish an
// admission request, and consume it back out.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueInspect(name string) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Dialer abstracts amqp.Dial so it can be swapped for a mock in tests.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// RealConnection wraps an *amqp.Connection.
type RealConnection struct{ conn *amqp.Connection }

func (c *RealConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &RealChannel{ch: ch}, nil
}

func (c *RealConnection) Close() error { return c.conn.Close() }

// RealChannel wraps an *amqp.Channel.
type RealChannel struct{ ch *amqp.Channel }

func (c *RealChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *RealChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (c *RealChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (c *RealChannel) QueueInspect(name string) (amqp.Queue, error) {
	return c.ch.QueueInspect(name)
}

func (c *RealChannel) Close() error { return c.ch.Close() }

// RealDialer dials a live AMQP broker.
type RealDialer struct{}

func (RealDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &RealConnection{conn: conn}, nil
}

// AdmissionRequest is the message posted to the work queue for every
// newly-intaken document. The admission poller dequeues these and, once
// the sliding counter has headroom, transitions the referenced document
// to RUNNING.
type AdmissionRequest struct {
	DocumentID    string `json:"document_id"`
	InputLocation string `json:"input_location"`
}

// Queue wraps a durable AMQP work queue plus its configured dead-letter
// queue, following the teacher's declare-durable/publish-JSON/consume
// shape.
type Queue struct {
	conn       Connection
	channel    Channel
	name       string
	deadLetter string
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	URL            string
	AdmissionQueue string
	DeadLetterQueue string
}

// NewQueue dials dialer and declares both the admission queue and its
// dead-letter queue as durable.
func NewQueue(cfg QueueConfig, dialer Dialer) (*Queue, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("admission queue: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("admission queue: channel: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.AdmissionQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("admission queue: declare %s: %w", cfg.AdmissionQueue, err)
	}
	if cfg.DeadLetterQueue != "" {
		if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("admission queue: declare %s: %w", cfg.DeadLetterQueue, err)
		}
	}

	return &Queue{conn: conn, channel: ch, name: cfg.AdmissionQueue, deadLetter: cfg.DeadLetterQueue}, nil
}

// Publish enqueues req onto the admission queue.
func (q *Queue) Publish(req AdmissionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("admission queue: marshal: %w", err)
	}
	return q.channel.Publish("", q.name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// PublishDeadLetter moves a request to the dead-letter queue, used when
// a document's admission attempts are exhausted (visibility-timeout
// backoff retries that never see headroom).
func (q *Queue) PublishDeadLetter(req AdmissionRequest) error {
	if q.deadLetter == "" {
		return fmt.Errorf("admission queue: no dead-letter queue configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("admission queue: marshal: %w", err)
	}
	return q.channel.Publish("", q.deadLetter, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Consume starts consuming admission requests. Deliveries are manually
// acked by the caller after a successful admission decision so a crash
// mid-decision redelivers rather than silently drops the request.
func (q *Queue) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	return q.channel.Consume(q.name, consumerTag, false, false, false, false, nil)
}

// Depth reports the current message count on the admission queue, used
// to compare against queue_watermark_high for back-pressure.
func (q *Queue) Depth() (int, error) {
	info, err := q.channel.QueueInspect(q.name)
	if err != nil {
		return 0, fmt.Errorf("admission queue: inspect: %w", err)
	}
	return info.Messages, nil
}

// Close releases the channel and connection.
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
