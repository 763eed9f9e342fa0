package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"socialflow/internal/domain"
	"socialflow/internal/sqlitedb"
)

var (
	ErrEmpty     = errors.New("no tasks ready")
	ErrLeaseLost = errors.New("task lease lost")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','dead')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_run_at INTEGER NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  locked_by TEXT,
  lease_token TEXT,
  lease_until INTEGER,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  lease_token TEXT NOT NULL,
  worker TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is a durable at-least-once work queue. A claimed task is leased
// to one worker until it is acked, failed, or its lease expires.
type Repository interface {
	// Enqueue stores t. A zero NextRunAt makes the task due immediately.
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	// DequeueDue claims the next task whose not-before time has passed.
	DequeueDue(ctx context.Context, workerID string, now time.Time) (domain.Task, error)
	Ack(ctx context.Context, id, leaseToken string) error
	// Fail releases a claimed task. With retry the task becomes due again at
	// next (never earlier than its original not-before); otherwise it is dead.
	Fail(ctx context.Context, id, leaseToken, errStr string, retry bool, next time.Time) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
}

type sqliteRepo struct {
	db         *sql.DB
	now        func() time.Time
	visibility int // seconds
}

type Option func(*sqliteRepo)

// WithVisibility sets the lease length for tasks enqueued without one.
func WithVisibility(d time.Duration) Option {
	return func(r *sqliteRepo) {
		if s := int(d / time.Second); s > 0 {
			r.visibility = s
		}
	}
}

func NewSQLiteRepo(db *sql.DB, opts ...Option) Repository {
	r := &sqliteRepo{db: db, now: time.Now, visibility: 60}
	for _, o := range opts {
		o(r)
	}
	return r
}

const taskColumns = `id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,locked_by,lease_token,lease_until,last_error,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                     domain.Task
		idem, by, token       sql.NullString
		nextRun, created, upd int64
		leaseUntil            sql.NullInt64
	)
	if err := s.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &nextRun, &t.VisibilityTimeout, &idem, &by, &token, &leaseUntil, &t.LastError, &created, &upd); err != nil {
		return domain.Task{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	t.LockedBy = by.String
	t.LeaseToken = token.String
	t.LeaseUntil = sqlitedb.FromNullMillis(leaseUntil)
	t.NextRunAt = sqlitedb.FromMillis(nextRun)
	t.CreatedAt = sqlitedb.FromMillis(created)
	t.UpdatedAt = sqlitedb.FromMillis(upd)
	return t, nil
}

func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = r.visibility
	}
	now := r.now()
	if t.NextRunAt.IsZero() {
		t.NextRunAt = now
	}

	// Check for existing task with same idempotency key
	if t.IdempotencyKey != nil {
		row := r.db.QueryRowContext(ctx, "SELECT id FROM tasks WHERE idempotency_key = ?", *t.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,payload,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?,'queued',0,?,?,?,?,?,?)
`, id, t.Type, t.Payload, t.Priority, t.MaxAttempts, sqlitedb.Millis(t.NextRunAt), t.VisibilityTimeout, t.IdempotencyKey, sqlitedb.Millis(now), sqlitedb.Millis(now))
	return id, err
}

func (r *sqliteRepo) DequeueDue(ctx context.Context, workerID string, now time.Time) (t domain.Task, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	nowMs := sqlitedb.Millis(now)
	// Expired leases are claimable again: the previous holder is presumed dead.
	row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE (state='queued' AND next_run_at <= ?) OR (state='running' AND lease_until < ?)
ORDER BY next_run_at ASC, priority DESC, created_at ASC
LIMIT 1
`, nowMs, nowMs)
	t, err = scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEmpty
		return domain.Task{}, err
	}
	if err != nil {
		return domain.Task{}, err
	}

	token := uuid.NewString()
	leaseUntil := now.Add(time.Duration(t.VisibilityTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, `
UPDATE tasks
SET state='running', attempts=attempts+1, locked_by=?, lease_token=?, lease_until=?, updated_at=?
WHERE id=?`, workerID, token, sqlitedb.Millis(leaseUntil), nowMs, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, lease_token, worker, started_at) VALUES (?,?,?,?)`, t.ID, token, workerID, nowMs)
	if err != nil {
		return domain.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	t.State = domain.TaskRunning
	t.Attempts++
	t.LockedBy = workerID
	t.LeaseToken = token
	t.LeaseUntil = &leaseUntil
	return t, nil
}

func (r *sqliteRepo) Ack(ctx context.Context, id, leaseToken string) error {
	return r.finish(ctx, id, leaseToken, `state='succeeded'`, "", true)
}

func (r *sqliteRepo) Fail(ctx context.Context, id, leaseToken, errStr string, retry bool, next time.Time) error {
	if !retry {
		return r.finish(ctx, id, leaseToken, `state='dead'`, errStr, false)
	}
	return r.finish(ctx, id, leaseToken, `state='queued', next_run_at=MAX(next_run_at, ?)`, errStr, false, sqlitedb.Millis(next))
}

// finish settles a running task, provided the caller still holds its lease.
func (r *sqliteRepo) finish(ctx context.Context, id, leaseToken, set, errStr string, success bool, args ...any) error {
	now := sqlitedb.Millis(r.now())
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	args = append(args, errStr, now, id, leaseToken)
	res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET `+set+`, last_error=?, locked_by=NULL, lease_until=NULL, updated_at=?
WHERE id=? AND lease_token=? AND state='running'`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE task_attempts SET finished_at=?, success=?, error=? WHERE task_id=? AND lease_token=?`,
		now, success, errStr, id, leaseToken); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', locked_by=NULL, lease_until=NULL, updated_at=?
WHERE state='running' AND lease_until < ?`, sqlitedb.Millis(now), sqlitedb.Millis(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
