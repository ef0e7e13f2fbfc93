// Package sqlite is a broker backed by the messages table of a local SQLite
// database. Deliveries are leases: a leased row that is neither acked nor
// rejected before lease_until is returned to the queue by RecoverExpired.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"workq/internal/broker"
	"workq/internal/db"
	"workq/internal/domain"
)

// scanInterval bounds how often an idle Dequeue re-reads the table.
const scanInterval = 50 * time.Millisecond

type Broker struct {
	db     *sql.DB
	opts   broker.Options
	now    func() time.Time
	closed atomic.Bool
}

// New returns a broker on db. The schema is created by db.MigrateSQLite.
func New(conn *sql.DB, opts broker.Options) *Broker {
	return &Broker{db: conn, opts: opts.WithDefaults(), now: time.Now}
}

func (b *Broker) Enqueue(ctx context.Context, queue string, msg broker.Message) error {
	if b.closed.Load() {
		return domain.Unavailable("sqlite enqueue", errors.New("broker closed"))
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
	runAt := now
	if !msg.ETA.IsZero() {
		runAt = msg.ETA
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO messages (queue, instance_id, body, state, next_run_at, created_at)
VALUES (?, ?, ?, 'ready', ?, ?)`, queue, msg.ID, body, db.Nanos(runAt), db.Nanos(now))
	if err != nil {
		return domain.Unavailable("sqlite enqueue", err)
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
			return nil, domain.Unavailable("sqlite dequeue", errors.New("broker closed"))
		}
		ds, err := b.lease(ctx, queue, max)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.Unavailable("sqlite dequeue", err)
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

// lease claims up to max due rows in one transaction.
func (b *Broker) lease(ctx context.Context, queue string, max int) (out []broker.Delivery, err error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := b.now()
	rows, err := tx.QueryContext(ctx, `
SELECT id, body, redelivered FROM messages
WHERE queue = ? AND state = 'ready' AND next_run_at <= ?
ORDER BY next_run_at, id
LIMIT ?`, queue, db.Nanos(now), max)
	if err != nil {
		return nil, err
	}
	type row struct {
		id          int64
		body        []byte
		redelivered bool
	}
	var claimed []row
	for rows.Next() {
		var r row
		if err = rows.Scan(&r.id, &r.body, &r.redelivered); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, tx.Rollback()
	}

	until := db.Nanos(now.Add(b.opts.VisibilityTimeout))
	for _, r := range claimed {
		var msg broker.Message
		if derr := b.opts.Codec.Unmarshal(r.body, &msg); derr != nil {
			// Undecodable bodies can never be processed.
			if _, err = tx.ExecContext(ctx, `UPDATE messages SET state='dead' WHERE id=?`, r.id); err != nil {
				return nil, err
			}
			continue
		}
		if _, err = tx.ExecContext(ctx, `UPDATE messages SET state='leased', lease_until=? WHERE id=? AND state='ready'`, until, r.id); err != nil {
			return nil, err
		}
		out = append(out, broker.Delivery{
			Message:     msg,
			Queue:       queue,
			Token:       token(r.id, until),
			Redelivered: r.redelivered,
		})
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// The lease timestamp is part of the token so a consumer whose lease was
// recovered cannot settle the next consumer's delivery.
func token(id, until int64) string { return fmt.Sprintf("%d:%d", id, until) }

func parseToken(tok string) (id, until int64, err error) {
	a, c, ok := strings.Cut(tok, ":")
	if !ok {
		return 0, 0, fmt.Errorf("sqlite: malformed delivery token %q", tok)
	}
	if id, err = strconv.ParseInt(a, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("sqlite: malformed delivery token %q", tok)
	}
	if until, err = strconv.ParseInt(c, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("sqlite: malformed delivery token %q", tok)
	}
	return id, until, nil
}

func (b *Broker) Ack(ctx context.Context, d broker.Delivery) error {
	id, until, err := parseToken(d.Token)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `DELETE FROM messages WHERE id=? AND state='leased' AND lease_until=?`, id, until)
	if err != nil {
		return domain.Unavailable("sqlite ack", err)
	}
	return nil
}

func (b *Broker) Reject(ctx context.Context, d broker.Delivery, requeue bool) error {
	id, until, err := parseToken(d.Token)
	if err != nil {
		return err
	}
	if requeue {
		_, err = b.db.ExecContext(ctx, `
UPDATE messages SET state='ready', lease_until=NULL, redelivered=1, next_run_at=?
WHERE id=? AND state='leased' AND lease_until=?`, db.Nanos(b.now()), id, until)
	} else {
		_, err = b.db.ExecContext(ctx, `
UPDATE messages SET state='dead', lease_until=NULL
WHERE id=? AND state='leased' AND lease_until=?`, id, until)
	}
	if err != nil {
		return domain.Unavailable("sqlite reject", err)
	}
	return nil
}

// RecoverExpired returns leased rows past their visibility timeout to the
// ready state.
func (b *Broker) RecoverExpired(ctx context.Context) (int, error) {
	now := db.Nanos(b.now())
	res, err := b.db.ExecContext(ctx, `
UPDATE messages SET state='ready', lease_until=NULL, redelivered=1, next_run_at=?
WHERE state='leased' AND lease_until < ?`, now, now)
	if err != nil {
		return 0, domain.Unavailable("sqlite recover", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *Broker) Depth(ctx context.Context, queue string) (broker.Depth, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM messages WHERE queue=? GROUP BY state`, queue)
	if err != nil {
		return broker.Depth{}, domain.Unavailable("sqlite depth", err)
	}
	defer rows.Close()
	var d broker.Depth
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return broker.Depth{}, err
		}
		switch state {
		case "ready":
			d.Ready = n
		case "leased":
			d.InFlight = n
		case "dead":
			d.Dead = n
		}
	}
	return d, rows.Err()
}

// Close stops the broker. The database handle belongs to the caller.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}
