// Package memory is an in-process broker for tests and single-binary setups.
// It honours ETAs, visibility timeouts and dead-lettering like the durable
// adapters, but loses everything on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"workq/internal/broker"
	"workq/internal/domain"
)

type inflight struct {
	msg      broker.Message
	deadline time.Time
}

type entry struct {
	msg         broker.Message
	redelivered bool
}

type queue struct {
	pending  []entry
	inflight map[string]inflight
	dead     []broker.Message
	wake     chan struct{}
}

func newQueue() *queue {
	return &queue{inflight: make(map[string]inflight), wake: make(chan struct{})}
}

// signal wakes every blocked Dequeue on the queue. Caller holds the lock.
func (q *queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type Broker struct {
	opts broker.Options
	now  func() time.Time

	mu     sync.Mutex
	queues map[string]*queue
	seq    uint64
	closed bool
}

func New(opts broker.Options) *Broker {
	return &Broker{opts: opts.WithDefaults(), now: time.Now, queues: make(map[string]*queue)}
}

// SetClock replaces the time source; tests only.
func (b *Broker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

func (b *Broker) queue(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

func (b *Broker) Enqueue(_ context.Context, name string, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.Unavailable("memory enqueue", fmt.Errorf("broker closed"))
	}
	msg.Queue = name
	if msg.SentAt.IsZero() {
		msg.SentAt = b.now()
	}
	q := b.queue(name)
	q.pending = append(q.pending, entry{msg: msg})
	q.signal()
	return nil
}

func (b *Broker) Dequeue(ctx context.Context, name string, max int) ([]broker.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.NewTimer(b.opts.PollTimeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, domain.Unavailable("memory dequeue", fmt.Errorf("broker closed"))
		}
		q := b.queue(name)
		now := b.now()
		out, nextETA := b.take(q, name, now, max)
		wake := q.wake
		b.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}

		var etaC <-chan time.Time
		var etaTimer *time.Timer
		if !nextETA.IsZero() {
			etaTimer = time.NewTimer(nextETA.Sub(now))
			etaC = etaTimer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(etaTimer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(etaTimer)
			return nil, nil
		case <-wake:
		case <-etaC:
		}
		stopTimer(etaTimer)
	}
}

// take removes up to max due messages from q. Caller holds the lock.
func (b *Broker) take(q *queue, name string, now time.Time, max int) ([]broker.Delivery, time.Time) {
	var out []broker.Delivery
	var nextETA time.Time
	kept := q.pending[:0]
	for _, e := range q.pending {
		msg := e.msg
		if len(out) < max && msg.Due(now) {
			b.seq++
			token := fmt.Sprintf("%s:%d", name, b.seq)
			q.inflight[token] = inflight{msg: msg, deadline: now.Add(b.opts.VisibilityTimeout)}
			out = append(out, broker.Delivery{Message: msg, Queue: name, Token: token, Redelivered: e.redelivered})
			continue
		}
		if !msg.Due(now) && (nextETA.IsZero() || msg.ETA.Before(nextETA)) {
			nextETA = msg.ETA
		}
		kept = append(kept, e)
	}
	q.pending = kept
	return out, nextETA
}

func (b *Broker) settle(d broker.Delivery) (*queue, inflight, error) {
	q := b.queue(d.Queue)
	in, ok := q.inflight[d.Token]
	if !ok {
		return nil, inflight{}, fmt.Errorf("memory: unknown delivery %s", d.Token)
	}
	delete(q.inflight, d.Token)
	return q, in, nil
}

func (b *Broker) Ack(_ context.Context, d broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, err := b.settle(d)
	return err
}

func (b *Broker) Reject(_ context.Context, d broker.Delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, in, err := b.settle(d)
	if err != nil {
		return err
	}
	if requeue {
		q.pending = append(q.pending, entry{msg: in.msg, redelivered: true})
		q.signal()
		return nil
	}
	q.dead = append(q.dead, in.msg)
	return nil
}

// RecoverExpired requeues unacknowledged messages whose lease ran out.
func (b *Broker) RecoverExpired(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	total := 0
	for _, q := range b.queues {
		n := 0
		for token, in := range q.inflight {
			if now.Before(in.deadline) {
				continue
			}
			delete(q.inflight, token)
			q.pending = append(q.pending, entry{msg: in.msg, redelivered: true})
			n++
		}
		if n > 0 {
			q.signal()
		}
		total += n
	}
	return total, nil
}

// Len returns the number of messages waiting on name, due or not.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(name).pending)
}

// InFlight returns the number of delivered but unsettled messages on name.
func (b *Broker) InFlight(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(name).inflight)
}

// Pending returns a copy of the waiting messages on name.
func (b *Broker) Pending(name string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.queue(name).pending
	out := make([]broker.Message, len(pending))
	for i, e := range pending {
		out[i] = e.msg
	}
	return out
}

// Dead returns a copy of the dead-lettered messages on name.
func (b *Broker) Dead(name string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.queue(name).dead...)
}

func (b *Broker) Depth(_ context.Context, name string) (broker.Depth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(name)
	return broker.Depth{Ready: len(q.pending), InFlight: len(q.inflight), Dead: len(q.dead)}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.signal()
	}
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
