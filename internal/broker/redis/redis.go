// Package redis is a broker on Redis lists. Ready messages live in a list,
// delayed ones in a sorted set scored by ETA, and delivered ones in an
// inflight hash plus a lease sorted set scored by visibility deadline.
//
// Each stored element carries a one byte prefix recording whether it is a
// redelivery, followed by the codec-encoded envelope.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"workq/internal/broker"
	"workq/internal/domain"
)

const (
	flagFresh       = "n"
	flagRedelivered = "r"

	scanInterval = 50 * time.Millisecond
	promoteBatch = 100
)

// popScript moves the oldest ready element into the inflight hash under a
// lease. KEYS: ready, inflight, leases. ARGV: token, deadline.
var popScript = goredis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if not v then return false end
redis.call('HSET', KEYS[2], ARGV[1], v)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return v
`)

// settleScript removes a lease and optionally pushes the element to a target
// list with a new flag. KEYS: inflight, leases, target. ARGV: token, flag.
// An empty target only drops the lease.
var settleScript = goredis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if KEYS[3] ~= '' then
  redis.call('LPUSH', KEYS[3], ARGV[2] .. string.sub(v, 2))
end
return 1
`)

type Option func(*Broker)

// WithPrefix namespaces every key.
func WithPrefix(p string) Option { return func(b *Broker) { b.keys.prefix = p } }

type Broker struct {
	client goredis.Cmdable
	opts   broker.Options
	keys   keys
	now    func() time.Time
	closed atomic.Bool
}

// New returns a broker on client. The caller owns the client lifecycle.
func New(client goredis.Cmdable, opts broker.Options, options ...Option) *Broker {
	b := &Broker{client: client, opts: opts.WithDefaults(), keys: keys{prefix: defaultPrefix}, now: time.Now}
	for _, o := range options {
		o(b)
	}
	return b
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Enqueue(ctx context.Context, queue string, msg broker.Message) error {
	if b.closed.Load() {
		return domain.Unavailable("redis enqueue", errors.New("broker closed"))
	}
	now := b.now()
	msg.Queue = queue
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}
	body, err := b.opts.Codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	elem := flagFresh + string(body)

	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, b.keys.queues(), queue)
	if msg.Due(now) {
		pipe.LPush(ctx, b.keys.ready(queue), elem)
	} else {
		pipe.ZAdd(ctx, b.keys.delayed(queue), goredis.Z{Score: float64(msg.ETA.UnixMilli()), Member: elem})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Unavailable("redis enqueue", err)
	}
	return nil
}

// promote moves due delayed elements to the ready list. Only the caller whose
// ZREM succeeds pushes, so concurrent consumers never duplicate a message.
func (b *Broker) promote(ctx context.Context, queue string) error {
	max := strconv.FormatInt(b.now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, b.keys.delayed(queue), &goredis.ZRangeBy{
		Min: "-inf", Max: max, Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, elem := range due {
		n, err := b.client.ZRem(ctx, b.keys.delayed(queue), elem).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := b.client.LPush(ctx, b.keys.ready(queue), elem).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) Dequeue(ctx context.Context, queue string, max int) ([]broker.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(b.opts.PollTimeout)
	ticker := time.NewTicker(min(scanInterval, b.opts.PollTimeout))
	defer ticker.Stop()

	for {
		if b.closed.Load() {
			return nil, domain.Unavailable("redis dequeue", errors.New("broker closed"))
		}
		ds, err := b.pop(ctx, queue, max)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.Unavailable("redis dequeue", err)
		}
		if len(ds) > 0 || !time.Now().Before(deadline) {
			return ds, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Broker) pop(ctx context.Context, queue string, max int) ([]broker.Delivery, error) {
	if err := b.promote(ctx, queue); err != nil {
		return nil, err
	}
	var out []broker.Delivery
	for len(out) < max {
		token := uuid.NewString()
		deadline := b.now().Add(b.opts.VisibilityTimeout).UnixMilli()
		elem, err := popScript.Run(ctx, b.client,
			[]string{b.keys.ready(queue), b.keys.inflight(queue), b.keys.leases(queue)},
			token, deadline).Text()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return out, err
		}
		d, derr := b.decode(queue, token, elem)
		if derr != nil {
			// Undecodable elements are dead-lettered straight away.
			if err := b.settle(ctx, queue, token, b.keys.dead(queue), flagFresh); err != nil {
				return out, err
			}
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (b *Broker) decode(queue, token, elem string) (broker.Delivery, error) {
	if elem == "" {
		return broker.Delivery{}, errors.New("redis: empty element")
	}
	var msg broker.Message
	if err := b.opts.Codec.Unmarshal([]byte(elem[1:]), &msg); err != nil {
		return broker.Delivery{}, err
	}
	return broker.Delivery{
		Message:     msg,
		Queue:       queue,
		Token:       token,
		Redelivered: elem[:1] == flagRedelivered,
	}, nil
}

func (b *Broker) settle(ctx context.Context, queue, token, target, flag string) error {
	return settleScript.Run(ctx, b.client,
		[]string{b.keys.inflight(queue), b.keys.leases(queue), target},
		token, flag).Err()
}

func (b *Broker) Ack(ctx context.Context, d broker.Delivery) error {
	if err := b.settle(ctx, d.Queue, d.Token, "", ""); err != nil {
		return domain.Unavailable("redis ack", err)
	}
	return nil
}

func (b *Broker) Reject(ctx context.Context, d broker.Delivery, requeue bool) error {
	target := b.keys.dead(d.Queue)
	if requeue {
		target = b.keys.ready(d.Queue)
	}
	if err := b.settle(ctx, d.Queue, d.Token, target, flagRedelivered); err != nil {
		return domain.Unavailable("redis reject", err)
	}
	return nil
}

// RecoverExpired requeues every delivery whose lease deadline has passed, on
// every queue this broker has seen.
func (b *Broker) RecoverExpired(ctx context.Context) (int, error) {
	queues, err := b.client.SMembers(ctx, b.keys.queues()).Result()
	if err != nil {
		return 0, domain.Unavailable("redis recover", err)
	}
	now := strconv.FormatInt(b.now().UnixMilli(), 10)
	total := 0
	for _, q := range queues {
		tokens, err := b.client.ZRangeByScore(ctx, b.keys.leases(q), &goredis.ZRangeBy{Min: "-inf", Max: "(" + now}).Result()
		if err != nil {
			return total, domain.Unavailable("redis recover", err)
		}
		for _, tok := range tokens {
			n, err := settleScript.Run(ctx, b.client,
				[]string{b.keys.inflight(q), b.keys.leases(q), b.keys.ready(q)},
				tok, flagRedelivered).Int()
			if err != nil {
				return total, domain.Unavailable("redis recover", err)
			}
			total += n
		}
	}
	return total, nil
}

func (b *Broker) Depth(ctx context.Context, queue string) (broker.Depth, error) {
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, b.keys.ready(queue))
	delayed := pipe.ZCard(ctx, b.keys.delayed(queue))
	inflight := pipe.HLen(ctx, b.keys.inflight(queue))
	dead := pipe.LLen(ctx, b.keys.dead(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Depth{}, domain.Unavailable("redis depth", err)
	}
	return broker.Depth{
		Ready:    int(ready.Val() + delayed.Val()),
		InFlight: int(inflight.Val()),
		Dead:     int(dead.Val()),
	}, nil
}

// Close stops the broker. The client belongs to the caller.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}
