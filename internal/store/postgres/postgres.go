// Package postgres stores instance records and schedule state in PostgreSQL
// through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"workq/internal/domain"
	"workq/internal/store"
)

var (
	_ store.ResultStore   = (*Store)(nil)
	_ store.ScheduleStore = (*Store)(nil)
)

const columns = `id, task, queue, args, state, attempt, max_retries, eta, result,
		       error_kind, error_message, progress, schedule, revoke_requested, worker, heartbeat_at,
		       created_at, updated_at, started_at, finished_at`

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New returns a store on pool. The schema is created by db.MigratePostgres.
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool, now: time.Now} }

func scan(row pgx.Row) (*domain.Instance, error) {
	var (
		inst             domain.Instance
		args, result     []byte
		progress         *domain.Progress
		errKind, errMsg  *string
		worker           *string
		created, updated time.Time
	)
	err := row.Scan(&inst.ID, &inst.Task, &inst.Queue, &args, &inst.State, &inst.Attempt, &inst.MaxRetries,
		&inst.ETA, &result, &errKind, &errMsg, &progress, &inst.Schedule, &inst.RevokeRequested, &worker,
		&inst.HeartbeatAt, &created, &updated, &inst.StartedAt, &inst.FinishedAt)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		inst.Args = args
	}
	if len(result) > 0 {
		inst.Result = result
	}
	if errKind != nil {
		inst.Error = &domain.ErrorInfo{Kind: domain.ErrorKind(*errKind)}
		if errMsg != nil {
			inst.Error.Message = *errMsg
		}
	}
	if worker != nil {
		inst.Worker = *worker
	}
	inst.Progress = progress
	inst.CreatedAt = created.UTC()
	inst.UpdatedAt = updated.UTC()
	return &inst, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func errorColumns(e *domain.ErrorInfo) (*string, *string) {
	if e == nil {
		return nil, nil
	}
	kind := string(e.Kind)
	return &kind, &e.Message
}

func (s *Store) Create(ctx context.Context, inst *domain.Instance) error {
	now := s.now().UTC()
	created := inst.CreatedAt
	if created.IsZero() {
		created = now
	}
	errKind, errMsg := errorColumns(inst.Error)
	query := `
		INSERT INTO instances (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		inst.ID, inst.Task, inst.Queue, rawOrNil(inst.Args), string(inst.State), inst.Attempt, inst.MaxRetries,
		inst.ETA, rawOrNil(inst.Result), errKind, errMsg, inst.Progress, inst.Schedule, inst.RevokeRequested,
		nullString(inst.Worker), inst.HeartbeatAt, created, now, inst.StartedAt, inst.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, id string, m store.Mutation) (*domain.Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	inst, err := scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM instances WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select instance: %w", err)
	}
	now := s.now().UTC()
	if err := m(inst, now); err != nil {
		if errors.Is(err, store.ErrUnchanged) {
			return inst, tx.Commit(ctx)
		}
		return nil, err
	}
	inst.UpdatedAt = now

	errKind, errMsg := errorColumns(inst.Error)
	query := `
		UPDATE instances
		SET state = $2, attempt = $3, eta = $4, result = $5, error_kind = $6, error_message = $7,
		    progress = $8, revoke_requested = $9, worker = $10, heartbeat_at = $11, updated_at = $12,
		    started_at = $13, finished_at = $14
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query,
		id, string(inst.State), inst.Attempt, inst.ETA, rawOrNil(inst.Result), errKind, errMsg,
		inst.Progress, inst.RevokeRequested, nullString(inst.Worker), inst.HeartbeatAt, now,
		inst.StartedAt, inst.FinishedAt,
	); err != nil {
		return nil, fmt.Errorf("update instance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inst, nil
}

func (s *Store) Transition(ctx context.Context, id string, from, to domain.State, u domain.Update) (*domain.Instance, error) {
	return s.mutate(ctx, id, store.TransitionTo(from, to, u))
}

func (s *Store) UpdateProgress(ctx context.Context, id string, p domain.Progress) (*domain.Instance, error) {
	return s.mutate(ctx, id, store.RecordProgress(p))
}

func (s *Store) RequestRevoke(ctx context.Context, id string) (*domain.Instance, error) {
	return s.mutate(ctx, id, store.Revoke())
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Instance, error) {
	inst, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return inst, err
}

func (s *Store) Heartbeat(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE instances SET heartbeat_at = $1
		WHERE state IN ('STARTED', 'PROGRESS') AND id = ANY($2)
	`, at.UTC(), ids)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*domain.Instance, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Instance
	for rows.Next() {
		inst, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Instance, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	return s.query(ctx, `
		SELECT `+columns+`
		FROM instances
		WHERE state IN ('STARTED', 'PROGRESS') AND COALESCE(heartbeat_at, updated_at) < $1
		ORDER BY updated_at
		LIMIT $2
	`, before.UTC(), limit)
}

func (s *Store) List(ctx context.Context, opts store.ListOpts) ([]*domain.Instance, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.State != "" {
		where = append(where, "state = "+arg(string(opts.State)))
	}
	if opts.Task != "" {
		where = append(where, "task = "+arg(opts.Task))
	}
	if opts.Queue != "" {
		where = append(where, "queue = "+arg(opts.Queue))
	}
	q := `SELECT ` + columns + ` FROM instances`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT " + arg(opts.EffectiveLimit()) + " OFFSET " + arg(opts.Offset)
	return s.query(ctx, q, args...)
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM instances
		WHERE state IN ('SUCCESS', 'FAILURE', 'REVOKED') AND finished_at IS NOT NULL AND finished_at < $1
	`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) LastFired(ctx context.Context, name string) (time.Time, bool, error) {
	var last time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_fired FROM schedules WHERE name = $1`, name).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last fired: %w", err)
	}
	return last.UTC(), true, nil
}

func (s *Store) Advance(ctx context.Context, name string, prev, next time.Time, instanceID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	var affected int64
	if prev.IsZero() {
		tag, err := tx.Exec(ctx, `
			INSERT INTO schedules (name, last_fired, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO NOTHING
		`, name, next.UTC(), now)
		if err != nil {
			return false, fmt.Errorf("insert schedule: %w", err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE schedules SET last_fired = $3, updated_at = $4
			WHERE name = $1 AND last_fired = $2 AND last_fired < $3
		`, name, prev.UTC(), next.UTC(), now)
		if err != nil {
			return false, fmt.Errorf("advance schedule: %w", err)
		}
		affected = tag.RowsAffected()
	}
	if affected != 1 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schedule_fires (name, instant, instance_id, fired_at) VALUES ($1, $2, $3, $4)
	`, name, next.UTC(), instanceID, now); err != nil {
		return false, fmt.Errorf("log fire: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) ListFired(ctx context.Context, name string, limit int) ([]store.Fire, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT name, instant, instance_id, fired_at
		FROM schedule_fires
		WHERE name = $1
		ORDER BY instant DESC
		LIMIT $2
	`, name, lim)
	if err != nil {
		return nil, fmt.Errorf("list fires: %w", err)
	}
	defer rows.Close()
	var out []store.Fire
	for rows.Next() {
		var f store.Fire
		if err := rows.Scan(&f.Schedule, &f.Instant, &f.InstanceID, &f.FiredAt); err != nil {
			return nil, err
		}
		f.Instant = f.Instant.UTC()
		f.FiredAt = f.FiredAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }
