// Package amqp is a broker on RabbitMQ. Redelivery of unacknowledged messages
// is left to the server: a delivery whose channel closes returns to its queue.
//
// ETA messages wait in a per-queue holding queue with a per-message TTL and
// dead-letter into the work queue when it expires. RabbitMQ only expires the
// head of a queue, so a long delay published before a short one holds the
// short one back until the long one expires.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"workq/internal/broker"
	"workq/internal/domain"
)

type Option func(*Broker)

// WithPrefetch sets the Qos prefetch count of each queue consumer.
func WithPrefetch(n int) Option { return func(b *Broker) { b.prefetch = n } }

// WithQueuePrefix namespaces the server-side queue names.
func WithQueuePrefix(p string) Option { return func(b *Broker) { b.prefix = p } }

type Broker struct {
	conn     *Connection
	opts     broker.Options
	prefetch int
	prefix   string

	mu        sync.Mutex
	declared  map[string]bool
	consumers map[string]*consumer
	closed    bool
}

// New returns a broker on conn. The connection belongs to the caller.
func New(conn *Connection, opts broker.Options, options ...Option) *Broker {
	b := &Broker{
		conn:      conn,
		opts:      opts.WithDefaults(),
		prefetch:  1,
		declared:  make(map[string]bool),
		consumers: make(map[string]*consumer),
	}
	for _, o := range options {
		o(b)
	}
	if b.prefetch <= 0 {
		b.prefetch = 1
	}
	return b
}

func (b *Broker) name(q string) string { return b.prefix + q }

func (b *Broker) ensure(ch *amqp.Channel, q string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[q] {
		return nil
	}
	if err := declare(ch, b.name(q)); err != nil {
		return err
	}
	b.declared[q] = true
	return nil
}

func (b *Broker) Enqueue(ctx context.Context, queue string, msg broker.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return domain.Unavailable("amqp enqueue", errors.New("broker closed"))
	}

	now := time.Now()
	msg.Queue = queue
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}
	body, err := b.opts.Codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return domain.Unavailable("amqp enqueue", err)
	}
	if err := b.ensure(ch, queue); err != nil {
		b.forget(queue)
		return domain.Unavailable("amqp enqueue", err)
	}

	pub := amqp.Publishing{
		ContentType:  b.opts.Codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.SentAt,
		Type:         msg.Task,
		Body:         body,
	}
	target := b.name(queue)
	if !msg.Due(now) {
		pub.Expiration = strconv.FormatInt(msg.ETA.Sub(now).Milliseconds(), 10)
		target = delayedName(target)
	}
	if err := ch.PublishWithContext(ctx, "", target, false, false, pub); err != nil {
		b.forget(queue)
		return domain.Unavailable("amqp enqueue", fmt.Errorf("publish to %s: %w", target, err))
	}
	log.Debug().Str("queue", target).Str("message_id", msg.ID).Str("task", msg.Task).Msg("published message")
	return nil
}

// forget drops the declaration cache for q so it is redeclared after a
// channel error.
func (b *Broker) forget(q string) {
	b.mu.Lock()
	delete(b.declared, q)
	b.mu.Unlock()
}

func (b *Broker) consumer(queue string) (*consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker closed")
	}
	if c, ok := b.consumers[queue]; ok {
		return c, nil
	}
	c := newConsumer(b, queue)
	b.consumers[queue] = c
	go c.run()
	return c, nil
}

func (b *Broker) Dequeue(ctx context.Context, queue string, max int) ([]broker.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	c, err := b.consumer(queue)
	if err != nil {
		return nil, domain.Unavailable("amqp dequeue", err)
	}

	timer := time.NewTimer(b.opts.PollTimeout)
	defer timer.Stop()

	var out []broker.Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d := <-c.deliveries:
		out = append(out, d)
	}
	for len(out) < max {
		select {
		case d := <-c.deliveries:
			out = append(out, d)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (b *Broker) settle(d broker.Delivery, fn func(amqp.Delivery) error) error {
	b.mu.Lock()
	c, ok := b.consumers[d.Queue]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("amqp: no consumer for queue %s", d.Queue)
	}
	raw, ok := c.take(d.Token)
	if !ok {
		// The channel that carried the delivery is gone and the server has
		// already requeued it.
		return nil
	}
	return fn(raw)
}

func (b *Broker) Ack(_ context.Context, d broker.Delivery) error {
	err := b.settle(d, func(raw amqp.Delivery) error { return raw.Ack(false) })
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return domain.Unavailable("amqp ack", err)
	}
	return nil
}

func (b *Broker) Reject(_ context.Context, d broker.Delivery, requeue bool) error {
	err := b.settle(d, func(raw amqp.Delivery) error { return raw.Nack(false, requeue) })
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return domain.Unavailable("amqp reject", err)
	}
	return nil
}

func (b *Broker) Depth(_ context.Context, queue string) (broker.Depth, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return broker.Depth{}, domain.Unavailable("amqp depth", err)
	}
	if err := b.ensure(ch, queue); err != nil {
		return broker.Depth{}, domain.Unavailable("amqp depth", err)
	}
	var d broker.Depth
	for _, name := range []string{b.name(queue), delayedName(b.name(queue))} {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return broker.Depth{}, domain.Unavailable("amqp depth", err)
		}
		d.Ready += q.Messages
	}
	dead, err := ch.QueueDeclarePassive(deadName(b.name(queue)), true, false, false, false, nil)
	if err != nil {
		return broker.Depth{}, domain.Unavailable("amqp depth", err)
	}
	d.Dead = dead.Messages

	b.mu.Lock()
	if c, ok := b.consumers[queue]; ok {
		d.InFlight = c.inflight()
	}
	b.mu.Unlock()
	return d, nil
}

// Purge empties the server-side queues behind queue. Tests only.
func (b *Broker) Purge(queue string) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	for _, name := range []string{b.name(queue), delayedName(b.name(queue)), deadName(b.name(queue))} {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return err
		}
	}
	b.forget(queue)
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = map[string]*consumer{}
	b.mu.Unlock()

	for _, c := range consumers {
		c.stop()
	}
	return nil
}
