package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"tgrelay/internal/model"
)

// eligibilityWindow lets tasks scheduled marginally in the future be leased
// in the current fetch cycle instead of waiting a full poll interval.
const eligibilityWindow = 50 * time.Millisecond

const taskColumns = `id, type, payload, dedup_key, group_id, priority, attempts, status,
	scheduled_at, next_retry_at, created_at, started_at, locked_until, completed_at, last_error`

// Push inserts a task. When the task carries a dedup key and an equal key
// already exists, the push is silently ignored and Push returns false.
func (s *SQLite) Push(ctx context.Context, t *model.Task) (bool, error) {
	ts := now()
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = ts
	}
	if t.NextRetryAt.IsZero() {
		t.NextRetryAt = ts
	}
	t.Status = model.TaskPending
	t.CreatedAt = ts

	var dedupKey, groupID any
	if t.DedupKey != "" {
		dedupKey = t.DedupKey
	}
	if t.GroupID != 0 {
		groupID = t.GroupID
	}

	res, err := s.writer.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_queue
		   (type, payload, dedup_key, group_id, priority, attempts, status,
		    scheduled_at, next_retry_at, created_at, last_error)
		 VALUES (?, ?, ?, ?, ?, 0, 'pending', ?, ?, ?, '')`,
		t.Type, string(t.Payload), dedupKey, groupID, t.Priority,
		fmtTime(t.ScheduledAt), fmtTime(t.NextRetryAt), fmtTime(t.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("push task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	return true, nil
}

// PushBatch pushes tasks one by one and returns how many were inserted.
// Deduplicated tasks are not an error.
func (s *SQLite) PushBatch(ctx context.Context, ts []*model.Task) (int, error) {
	inserted := 0
	for _, t := range ts {
		ok, err := s.Push(ctx, t)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// FetchNext atomically leases up to limit eligible tasks. Eligible means
// pending, or running with an expired lock, and both scheduled_at and
// next_retry_at within the eligibility window. If a leased task belongs to
// a group, its pending peers are leased in the same transaction so an album
// is always handed to a single worker.
func (s *SQLite) FetchNext(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error) {
	horizon := fmtTime(now().Add(eligibilityWindow))
	nowStr := fmtTime(now())

	// Read-only candidate scan first; the write lock is only held for the
	// conditional update below.
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, group_id FROM task_queue
		 WHERE (status = 'pending' OR (status = 'running' AND locked_until <= ?))
		   AND scheduled_at <= ? AND next_retry_at <= ?
		 ORDER BY priority DESC, created_at ASC
		 LIMIT ?`,
		nowStr, horizon, horizon, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scan candidates: %w", err)
	}
	ids := make([]int64, 0, limit)
	groups := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		var group sql.NullInt64
		if err := rows.Scan(&id, &group); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		ids = append(ids, id)
		if group.Valid {
			groups[group.Int64] = struct{}{}
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Pull in pending peers of any group touched by this lease.
	for group := range groups {
		peerRows, err := s.reader.QueryContext(ctx,
			`SELECT id FROM task_queue WHERE group_id = ? AND status = 'pending'`, group)
		if err != nil {
			return nil, fmt.Errorf("scan group peers: %w", err)
		}
		for peerRows.Next() {
			var id int64
			if err := peerRows.Scan(&id); err != nil {
				_ = peerRows.Close()
				return nil, fmt.Errorf("scan peer: %w", err)
			}
			ids = appendUnique(ids, id)
		}
		_ = peerRows.Close()
		if err := peerRows.Err(); err != nil {
			return nil, fmt.Errorf("group peers: %w", err)
		}
	}

	return s.leaseIDs(ctx, ids, lease)
}

// FetchGroupTasks leases the remaining pending peers of a group. A worker
// calls this when it notices it holds one member of an album.
func (s *SQLite) FetchGroupTasks(ctx context.Context, groupID, excludeID int64, lease time.Duration) ([]model.Task, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id FROM task_queue WHERE group_id = ? AND id != ? AND status = 'pending'`,
		groupID, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.leaseIDs(ctx, ids, lease)
}

// leaseIDs marks the given candidates running inside one write
// transaction. The UPDATE re-checks eligibility and RETURNING yields
// exactly the rows this call transitioned, so two callers racing over
// the same candidates never share a task.
func (s *SQLite) leaseIDs(ctx context.Context, ids []int64, lease time.Duration) ([]model.Task, error) {
	startedAt := now()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders, idArgs := inClause(ids)
	args := append([]any{fmtTime(startedAt), fmtTime(startedAt.Add(lease)), fmtTime(startedAt)}, idArgs...)
	rows, err := tx.QueryContext(ctx,
		`UPDATE task_queue
		 SET status = 'running', started_at = ?, locked_until = ?
		 WHERE (status = 'pending' OR (status = 'running' AND locked_until <= ?))
		   AND id IN (`+placeholders+`)
		 RETURNING `+taskColumns,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("lease update: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	// RETURNING has no defined order.
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// Complete marks a task completed. Allowed from running or pending.
func (s *SQLite) Complete(ctx context.Context, id int64) error {
	return s.transition(ctx, id, []model.TaskStatus{model.TaskRunning, model.TaskPending},
		`UPDATE task_queue SET status = 'completed', completed_at = ?, locked_until = NULL
		 WHERE id = ?`, fmtTime(now()), id)
}

// Fail marks a task terminally failed. Allowed from running only.
func (s *SQLite) Fail(ctx context.Context, id int64, errMsg string) error {
	return s.transition(ctx, id, []model.TaskStatus{model.TaskRunning},
		`UPDATE task_queue SET status = 'failed', completed_at = ?, last_error = ?, locked_until = NULL
		 WHERE id = ?`, fmtTime(now()), truncate(errMsg, 1000), id)
}

// FailOrRetry increments the attempt counter and either reschedules the
// task (attempts < maxRetries) or fails it terminally. retryIn overrides
// the exponential backoff when positive; flood-wait handling uses this to
// honour the server-provided delay exactly. Returns true when the task was
// rescheduled.
func (s *SQLite) FailOrRetry(ctx context.Context, id int64, errMsg string, maxRetries int, retryIn time.Duration) (bool, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin retry tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var attempts, priority int
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempts, priority FROM task_queue WHERE id = ?`, id,
	).Scan(&status, &attempts, &priority)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load task: %w", err)
	}
	if model.TaskStatus(status) != model.TaskRunning {
		return false, fmt.Errorf("%w: %s -> retry", ErrInvalidTransition, status)
	}

	attempts++
	msg := truncate(errMsg, 1000)

	if attempts >= maxRetries {
		_, err = tx.ExecContext(ctx,
			`UPDATE task_queue SET status = 'failed', attempts = ?, completed_at = ?,
			   last_error = ?, locked_until = NULL WHERE id = ?`,
			attempts, fmtTime(now()), msg, id)
		if err != nil {
			return false, fmt.Errorf("fail task: %w", err)
		}
		return false, tx.Commit()
	}

	if retryIn <= 0 {
		retryIn = backoff(attempts)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE task_queue SET status = 'pending', attempts = ?, priority = ?,
		   next_retry_at = ?, last_error = ?, locked_until = NULL WHERE id = ?`,
		attempts, priority+1, fmtTime(now().Add(retryIn)), msg, id)
	if err != nil {
		return false, fmt.Errorf("retry task: %w", err)
	}
	return true, tx.Commit()
}

// Requeue resets a terminally failed task to pending (manual operation).
func (s *SQLite) Requeue(ctx context.Context, id int64) error {
	return s.transition(ctx, id, []model.TaskStatus{model.TaskFailed},
		`UPDATE task_queue SET status = 'pending', next_retry_at = ?, completed_at = NULL
		 WHERE id = ?`, fmtTime(now()), id)
}

// Reschedule moves a pending task's eligibility time.
func (s *SQLite) Reschedule(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, id, []model.TaskStatus{model.TaskPending},
		`UPDATE task_queue SET scheduled_at = ?, next_retry_at = ? WHERE id = ?`,
		fmtTime(at), fmtTime(at), id)
}

// RescueStuck resets running tasks whose lock expired longer than timeout
// ago back to pending, bumping attempts and annotating the error.
func (s *SQLite) RescueStuck(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := fmtTime(now().Add(-timeout))
	res, err := s.writer.ExecContext(ctx,
		`UPDATE task_queue
		 SET status = 'pending', attempts = attempts + 1, locked_until = NULL,
		     next_retry_at = ?, last_error = 'rescued: worker lost lease (' || last_error || ')'
		 WHERE status = 'running' AND locked_until IS NOT NULL AND locked_until <= ?`,
		fmtTime(now()), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("rescue stuck: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// QueueStatus returns the status histogram and the average completion delay
// over the last 100 completed tasks.
func (s *SQLite) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	status := &QueueStatus{}
	rows, err := s.reader.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM task_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status histogram: %w", err)
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan histogram: %w", err)
		}
		switch model.TaskStatus(st) {
		case model.TaskPending:
			status.Pending = n
		case model.TaskRunning:
			status.Running = n
		case model.TaskCompleted:
			status.Completed = n
		case model.TaskFailed:
			status.Failed = n
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("histogram rows: %w", err)
	}

	delayRows, err := s.reader.QueryContext(ctx,
		`SELECT created_at, completed_at FROM task_queue
		 WHERE status = 'completed' AND completed_at IS NOT NULL
		 ORDER BY completed_at DESC LIMIT 100`)
	if err != nil {
		return nil, fmt.Errorf("completion delays: %w", err)
	}
	defer func() { _ = delayRows.Close() }()

	var total time.Duration
	count := 0
	for delayRows.Next() {
		var created, completed string
		if err := delayRows.Scan(&created, &completed); err != nil {
			return nil, fmt.Errorf("scan delay: %w", err)
		}
		total += parseTime(completed).Sub(parseTime(created))
		count++
	}
	if err := delayRows.Err(); err != nil {
		return nil, fmt.Errorf("delay rows: %w", err)
	}
	if count > 0 {
		status.AvgCompletionSeconds = total.Seconds() / float64(count)
	}
	return status, nil
}

// GetTask loads a single task by id.
func (s *SQLite) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// transition performs a guarded status update, rejecting anything outside
// the legal state machine.
func (s *SQLite) transition(ctx context.Context, id int64, from []model.TaskStatus, query string, args ...any) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM task_queue WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	allowed := false
	for _, f := range from {
		if model.TaskStatus(current) == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: from %s", ErrInvalidTransition, current)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("transition update: %w", err)
	}
	return tx.Commit()
}

// backoff is the shared exponential retry curve, capped at one hour.
func backoff(attempts int) time.Duration {
	if attempts > 12 {
		attempts = 12
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func scanTask(row scannable) (*model.Task, error) {
	var t model.Task
	var payload, status string
	var dedup sql.NullString
	var group sql.NullInt64
	var scheduled, nextRetry, created string
	var started, locked, completed sql.NullString
	err := row.Scan(&t.ID, &t.Type, &payload, &dedup, &group, &t.Priority, &t.Attempts,
		&status, &scheduled, &nextRetry, &created, &started, &locked, &completed, &t.LastError)
	if err != nil {
		return nil, err
	}
	t.Payload = []byte(payload)
	t.DedupKey = dedup.String
	t.GroupID = group.Int64
	t.Status = model.TaskStatus(status)
	t.ScheduledAt = parseTime(scheduled)
	t.NextRetryAt = parseTime(nextRetry)
	t.CreatedAt = parseTime(created)
	t.StartedAt = parseTimePtr(started)
	t.LockedUntil = parseTimePtr(locked)
	t.CompletedAt = parseTimePtr(completed)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]model.Task, error) {
	defer func() { _ = rows.Close() }()
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
