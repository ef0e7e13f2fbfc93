package amqp

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"workq/internal/broker"
)

// consumer holds one channel consuming a work queue. Deliveries are buffered
// up to the prefetch count and settled through their token.
type consumer struct {
	b     *Broker
	queue string

	deliveries chan broker.Delivery
	done       chan struct{}
	once       sync.Once

	mu         sync.Mutex
	generation int
	ch         *amqp.Channel
	unsettled  map[string]amqp.Delivery
}

func newConsumer(b *Broker, queue string) *consumer {
	return &consumer{
		b:          b,
		queue:      queue,
		deliveries: make(chan broker.Delivery, b.prefetch),
		done:       make(chan struct{}),
		unsettled:  make(map[string]amqp.Delivery),
	}
}

func (c *consumer) run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		raw, err := c.setup()
		if err != nil {
			log.Error().Err(err).Str("queue", c.queue).Msg("failed to set up consumer")
			select {
			case <-c.done:
				return
			case <-c.b.conn.Reconnected():
			case <-time.After(time.Second):
			}
			continue
		}
		log.Info().Str("queue", c.queue).Msg("consumer started")

		c.pump(raw)

		select {
		case <-c.done:
			return
		default:
			log.Warn().Str("queue", c.queue).Msg("deliveries channel closed, resubscribing")
		}
	}
}

func (c *consumer) setup() (<-chan amqp.Delivery, error) {
	ch, err := c.b.conn.OpenChannel()
	if err != nil {
		return nil, err
	}
	if err := c.b.ensure(ch, c.queue); err != nil {
		ch.Close()
		c.b.forget(c.queue)
		return nil, err
	}
	if err := ch.Qos(c.b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	raw, err := ch.Consume(
		c.b.name(c.queue), // queue
		"",                // consumer tag
		false,             // auto-ack
		false,             // exclusive
		false,             // no-local
		false,             // no-wait
		nil,               // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	c.mu.Lock()
	c.generation++
	c.ch = ch
	// Tags from the previous channel are void; the server requeued them.
	c.unsettled = make(map[string]amqp.Delivery)
	c.mu.Unlock()
	return raw, nil
}

func (c *consumer) pump(raw <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case d, ok := <-raw:
			if !ok {
				return
			}
			var msg broker.Message
			if err := c.b.opts.Codec.Unmarshal(d.Body, &msg); err != nil {
				log.Error().Err(err).Str("queue", c.queue).Str("message_id", d.MessageId).Msg("failed to decode message")
				_ = d.Nack(false, false)
				continue
			}

			c.mu.Lock()
			token := fmt.Sprintf("%d:%d", c.generation, d.DeliveryTag)
			c.unsettled[token] = d
			c.mu.Unlock()

			select {
			case c.deliveries <- broker.Delivery{Message: msg, Queue: c.queue, Token: token, Redelivered: d.Redelivered}:
			case <-c.done:
				return
			}
		}
	}
}

func (c *consumer) take(token string) (amqp.Delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.unsettled[token]
	delete(c.unsettled, token)
	return d, ok
}

func (c *consumer) inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unsettled)
}

func (c *consumer) stop() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.ch != nil {
			_ = c.ch.Close()
		}
		c.mu.Unlock()
	})
}
