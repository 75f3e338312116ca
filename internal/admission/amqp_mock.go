package admission

import (
	"sync"

	"github.com/streadway/amqp"
)

// mockDialer, mockConnection, and mockChannel give the admission tests an
// in-memory broker: publish appends to an in-process slice, Consume
// replays it over a channel, matching the teacher's interface-injection
// test pattern for AMQP without a live broker.
type mockDialer struct {
	conn *mockConnection
}

func newMockDialer() *mockDialer {
	return &mockDialer{conn: newMockConnection()}
}

func (d *mockDialer) Dial(url string) (Connection, error) {
	return d.conn, nil
}

type mockConnection struct {
	ch *mockChannel
}

func newMockConnection() *mockConnection {
	return &mockConnection{ch: newMockChannel()}
}

func (c *mockConnection) Channel() (Channel, error) { return c.ch, nil }
func (c *mockConnection) Close() error              { return nil }

type mockChannel struct {
	mu       sync.Mutex
	queues   map[string][]amqp.Publishing
	declared map[string]bool
	closed   bool
}

func newMockChannel() *mockChannel {
	return &mockChannel{
		queues:   make(map[string][]amqp.Publishing),
		declared: make(map[string]bool),
	}
}

func (c *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared[name] = true
	if _, ok := c.queues[name]; !ok {
		c.queues[name] = nil
	}
	return amqp.Queue{Name: name, Messages: len(c.queues[name])}, nil
}

func (c *mockChannel) QueueInspect(name string) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(c.queues[name])}, nil
}

func (c *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[key] = append(c.queues[key], msg)
	return nil
}

func (c *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	pending := c.queues[queue]
	c.queues[queue] = nil
	c.mu.Unlock()

	ack := &mockAcknowledger{}
	out := make(chan amqp.Delivery, len(pending))
	for i, msg := range pending {
		out <- amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  uint64(i + 1),
			Body:         msg.Body,
			ContentType:  msg.ContentType,
		}
	}
	return out, nil
}

// mockAcknowledger records Ack/Nack/Reject calls so tests can assert on
// them without a live broker.
type mockAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// deliveryWith builds an amqp.Delivery acknowledged through ack, for
// tests that drive Poller.handleDelivery directly without a round trip
// through a mockChannel's queue.
func deliveryWith(ack *mockAcknowledger, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body, ContentType: "application/json"}
}

func (c *mockChannel) depth(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[queue])
}
