// Package sqlite stores instance records and schedule state in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"workq/internal/db"
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
	db  *sql.DB
	now func() time.Time
}

// New returns a store on conn. The schema is created by db.MigrateSQLite.
func New(conn *sql.DB) *Store { return &Store{db: conn, now: time.Now} }

type scanner interface{ Scan(dest ...any) error }

func scan(r scanner) (*domain.Instance, error) {
	var (
		inst                         domain.Instance
		args, result                 []byte
		errKind, errMsg, progress    sql.NullString
		schedule, worker             sql.NullString
		eta, heartbeat, started, fin sql.NullInt64
		created, updated             int64
	)
	err := r.Scan(&inst.ID, &inst.Task, &inst.Queue, &args, &inst.State, &inst.Attempt, &inst.MaxRetries,
		&eta, &result, &errKind, &errMsg, &progress, &schedule, &inst.RevokeRequested, &worker, &heartbeat,
		&created, &updated, &started, &fin)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		inst.Args = json.RawMessage(args)
	}
	if len(result) > 0 {
		inst.Result = json.RawMessage(result)
	}
	if errKind.Valid {
		inst.Error = &domain.ErrorInfo{Kind: domain.ErrorKind(errKind.String), Message: errMsg.String}
	}
	if progress.Valid {
		var p domain.Progress
		if err := json.Unmarshal([]byte(progress.String), &p); err != nil {
			return nil, fmt.Errorf("decode progress of %s: %w", inst.ID, err)
		}
		inst.Progress = &p
	}
	if schedule.Valid {
		s := schedule.String
		inst.Schedule = &s
	}
	inst.Worker = worker.String
	inst.ETA = db.FromNullNanos(eta)
	inst.HeartbeatAt = db.FromNullNanos(heartbeat)
	inst.StartedAt = db.FromNullNanos(started)
	inst.FinishedAt = db.FromNullNanos(fin)
	inst.CreatedAt = db.FromNanos(created)
	inst.UpdatedAt = db.FromNanos(updated)
	return &inst, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func encodeProgress(p *domain.Progress) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func errorColumns(e *domain.ErrorInfo) (sql.NullString, sql.NullString) {
	if e == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(e.Kind), Valid: true}, sql.NullString{String: e.Message, Valid: true}
}

func (s *Store) Create(ctx context.Context, inst *domain.Instance) error {
	now := s.now().UTC()
	created := inst.CreatedAt
	if created.IsZero() {
		created = now
	}
	progress, err := encodeProgress(inst.Progress)
	if err != nil {
		return err
	}
	errKind, errMsg := errorColumns(inst.Error)
	var schedule sql.NullString
	if inst.Schedule != nil {
		schedule = sql.NullString{String: *inst.Schedule, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO instances (`+columns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		inst.ID, inst.Task, inst.Queue, []byte(inst.Args), inst.State, inst.Attempt, inst.MaxRetries,
		db.NanosPtr(inst.ETA), []byte(inst.Result), errKind, errMsg, progress, schedule, inst.RevokeRequested,
		nullString(inst.Worker), db.NanosPtr(inst.HeartbeatAt),
		db.Nanos(created), db.Nanos(now), db.NanosPtr(inst.StartedAt), db.NanosPtr(inst.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, id string, m store.Mutation) (inst *domain.Instance, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	inst, err = scan(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM instances WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prev := inst.State
	now := s.now().UTC()
	if merr := m(inst, now); merr != nil {
		if errors.Is(merr, store.ErrUnchanged) {
			return inst, tx.Commit()
		}
		return nil, merr
	}
	inst.UpdatedAt = now

	progress, err := encodeProgress(inst.Progress)
	if err != nil {
		return nil, err
	}
	errKind, errMsg := errorColumns(inst.Error)
	res, err := tx.ExecContext(ctx, `
UPDATE instances SET state=?, attempt=?, eta=?, result=?, error_kind=?, error_message=?, progress=?,
  revoke_requested=?, worker=?, heartbeat_at=?, updated_at=?, started_at=?, finished_at=?
WHERE id=? AND state=?`,
		inst.State, inst.Attempt, db.NanosPtr(inst.ETA), []byte(inst.Result), errKind, errMsg, progress,
		inst.RevokeRequested, nullString(inst.Worker), db.NanosPtr(inst.HeartbeatAt), db.Nanos(now),
		db.NanosPtr(inst.StartedAt), db.NanosPtr(inst.FinishedAt), id, prev)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		err = &domain.TransitionError{ID: id, Expected: prev, Actual: prev, To: inst.State}
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
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
	inst, err := scan(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM instances WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return inst, err
}

func (s *Store) Heartbeat(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, db.Nanos(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE instances SET heartbeat_at=?
WHERE state IN ('STARTED','PROGRESS') AND id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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
	return s.query(ctx, `SELECT `+columns+` FROM instances
WHERE state IN ('STARTED','PROGRESS') AND COALESCE(heartbeat_at, updated_at) < ?
ORDER BY updated_at LIMIT ?`, db.Nanos(before), limit)
}

func (s *Store) List(ctx context.Context, opts store.ListOpts) ([]*domain.Instance, error) {
	var where []string
	var args []any
	if opts.State != "" {
		where = append(where, "state=?")
		args = append(args, opts.State)
	}
	if opts.Task != "" {
		where = append(where, "task=?")
		args = append(args, opts.Task)
	}
	if opts.Queue != "" {
		where = append(where, "queue=?")
		args = append(args, opts.Queue)
	}
	q := `SELECT ` + columns + ` FROM instances`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.EffectiveLimit(), opts.Offset)
	return s.query(ctx, q, args...)
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM instances
WHERE state IN ('SUCCESS','FAILURE','REVOKED') AND finished_at IS NOT NULL AND finished_at < ?`, db.Nanos(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) LastFired(ctx context.Context, name string) (time.Time, bool, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_fired FROM schedules WHERE name=?`, name).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return db.FromNanos(last), true, nil
}

func (s *Store) Advance(ctx context.Context, name string, prev, next time.Time, instanceID string) (won bool, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !won {
			_ = tx.Rollback()
		}
	}()

	now := db.Nanos(s.now())
	var res sql.Result
	if prev.IsZero() {
		res, err = tx.ExecContext(ctx, `
INSERT INTO schedules (name, last_fired, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO NOTHING`, name, db.Nanos(next), now)
	} else {
		res, err = tx.ExecContext(ctx, `
UPDATE schedules SET last_fired=?, updated_at=? WHERE name=? AND last_fired=? AND last_fired < ?`,
			db.Nanos(next), now, name, db.Nanos(prev), db.Nanos(next))
	}
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO schedule_fires (name, instant, instance_id, fired_at) VALUES (?, ?, ?, ?)`,
		name, db.Nanos(next), instanceID, now); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListFired(ctx context.Context, name string, limit int) ([]store.Fire, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT name, instant, instance_id, fired_at FROM schedule_fires
WHERE name=? ORDER BY instant DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Fire
	for rows.Next() {
		var f store.Fire
		var instant, fired int64
		if err := rows.Scan(&f.Schedule, &instant, &f.InstanceID, &fired); err != nil {
			return nil, err
		}
		f.Instant = db.FromNanos(instant)
		f.FiredAt = db.FromNanos(fired)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close is a no-op; the database handle belongs to the caller.
func (s *Store) Close() error { return nil }
