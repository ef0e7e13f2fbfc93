package amqp

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Every logical queue q is backed by three durable queues on the default
// exchange:
//
//	q          work queue, dead-letters to q.dead
//	q.delayed  holding queue for ETA messages, expires into q
//	q.dead     rejected and undecodable messages
func delayedName(q string) string { return q + ".delayed" }
func deadName(q string) string { return q + ".dead" }

func declare(ch *amqp.Channel, q string) error {
	queues := []struct {
		name string
		args amqp.Table
	}{
		{deadName(q), nil},
		{q, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": deadName(q),
		}},
		{delayedName(q), amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q,
		}},
	}
	for _, spec := range queues {
		_, err := ch.QueueDeclare(
			spec.name, // name
			true,      // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			spec.args, // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", spec.name, err)
		}
	}
	return nil
}
