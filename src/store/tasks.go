package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apimgr/assistant/src/task"
)

// TaskFilter narrows ListForUser results.
type TaskFilter struct {
	Status   task.Status
	TaskType task.TaskType
	Limit    int
}

// RunUpdate carries the atomic post-run state change.
type RunUpdate struct {
	Status    task.Status
	LastRunAt *time.Time
	NextRunAt *time.Time
	Error     string
}

// Create inserts a new task and returns it with the assigned id. New
// tasks start active with a computed next_run_at.
func (s *Store) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if t.NextRunAt == nil {
		next, err := task.NextRun(t.ScheduleType, t.ScheduleConfig, now)
		if err != nil {
			return nil, err
		}
		t.NextRunAt = next
	}
	t.Status = task.StatusActive
	t.CreatedAt = now
	t.UpdatedAt = now

	cfg, err := task.EncodeScheduleConfig(t.ScheduleConfig)
	if err != nil {
		return nil, fmt.Errorf("store: encode schedule_config: %w", err)
	}
	channels, err := json.Marshal(t.NotificationChannels)
	if err != nil {
		return nil, fmt.Errorf("store: encode channels: %w", err)
	}

	err = s.withRetry(ctx, func() error {
		if s.driver == "pgx" {
			return s.queryRow(ctx, `INSERT INTO ai_tasks
				(user_id, title, description, task_type, schedule_type, schedule_config,
				 next_run_at, status, ai_context, notification_channels, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
				t.UserID, t.Title, t.Description, string(t.TaskType), string(t.ScheduleType),
				string(cfg), nullTime(t.NextRunAt), string(t.Status), t.AIContext,
				string(channels), t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
		}
		res, err := s.exec(ctx, `INSERT INTO ai_tasks
			(user_id, title, description, task_type, schedule_type, schedule_config,
			 next_run_at, status, ai_context, notification_channels, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.UserID, t.Title, t.Description, string(t.TaskType), string(t.ScheduleType),
			string(cfg), nullTime(t.NextRunAt), string(t.Status), t.AIContext,
			string(channels), t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return err
		}
		t.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isUnique(err) {
			return nil, fmt.Errorf("task %q: %w", t.Title, task.ErrAlreadyExists)
		}
		return nil, err
	}
	return t, nil
}

const taskColumns = `id, user_id, title, description, task_type, schedule_type,
	schedule_config, next_run_at, last_run_at, status, ai_context,
	notification_channels, created_at, updated_at`

// Get returns a task by id.
func (s *Store) Get(ctx context.Context, id int64) (*task.Task, error) {
	var t *task.Task
	err := s.withRetry(ctx, func() error {
		row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM ai_tasks WHERE id = ?`, id)
		var scanErr error
		t, scanErr = scanTask(row)
		return scanErr
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, task.ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

// ClaimDueTasks atomically selects at most limit due tasks, marks each
// processing, and returns them. Safe against concurrent schedulers: on
// PostgreSQL/MySQL rows are taken with FOR UPDATE SKIP LOCKED; on SQLite
// each row is claimed with a status compare-and-swap.
func (s *Store) ClaimDueTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	var claimed []*task.Task
	err := s.withRetry(ctx, func() error {
		claimed = nil
		if s.supportsSkipLocked() {
			return s.claimLocked(ctx, now, limit, &claimed)
		}
		return s.claimCAS(ctx, now, limit, &claimed)
	})
	return claimed, err
}

func (s *Store) claimLocked(ctx context.Context, now time.Time, limit int, out *[]*task.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT `+taskColumns+`
		FROM ai_tasks
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ? FOR UPDATE SKIP LOCKED`), now, limit)
	if err != nil {
		return err
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE ai_tasks SET status = 'processing', updated_at = ? WHERE id = ?`),
			now, t.ID); err != nil {
			return err
		}
		t.Status = task.StatusProcessing
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	*out = tasks
	return nil
}

func (s *Store) claimCAS(ctx context.Context, now time.Time, limit int, out *[]*task.Task) error {
	rows, err := s.query(ctx, `SELECT `+taskColumns+`
		FROM ai_tasks
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return err
	}
	candidates, err := scanTasks(rows)
	if err != nil {
		return err
	}

	var claimed []*task.Task
	for _, t := range candidates {
		res, err := s.exec(ctx,
			`UPDATE ai_tasks SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'active'`,
			now, t.ID)
		if err != nil {
			return err
		}
		// Zero rows means another worker won the claim.
		if n, _ := res.RowsAffected(); n == 1 {
			t.Status = task.StatusProcessing
			claimed = append(claimed, t)
		}
	}
	*out = claimed
	return nil
}

// ReclaimStaleProcessing returns tasks stranded in processing back to
// active. A claim goes stale when the claiming worker died between
// marking the row and finishing the run; anything processing for longer
// than olderThan is assumed orphaned and made claimable again.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("store: reclaim window must be positive: %w", task.ErrInvalidSpec)
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	var reclaimed int64
	err := s.withRetry(ctx, func() error {
		res, err := s.exec(ctx, `UPDATE ai_tasks
			SET status = 'active', updated_at = ?
			WHERE status = 'processing' AND updated_at < ?`,
			time.Now().UTC(), cutoff)
		if err != nil {
			return err
		}
		reclaimed, err = res.RowsAffected()
		return err
	})
	return reclaimed, err
}

// UpdateAfterRun applies the post-run state change atomically. The task
// must currently be processing; a recurring task returning to active
// must advance next_run_at beyond last_run_at.
func (s *Store) UpdateAfterRun(ctx context.Context, id int64, up RunUpdate) error {
	if !task.ValidTransition(task.StatusProcessing, up.Status) {
		return fmt.Errorf("processing -> %s: %w", up.Status, task.ErrInvalidStateTransition)
	}
	if up.Status == task.StatusActive && up.NextRunAt != nil && up.LastRunAt != nil &&
		!up.NextRunAt.After(*up.LastRunAt) {
		return fmt.Errorf("next_run_at %v not after last_run_at %v: %w",
			up.NextRunAt, up.LastRunAt, task.ErrInvalidSpec)
	}

	return s.withRetry(ctx, func() error {
		res, err := s.exec(ctx, `UPDATE ai_tasks
			SET status = ?, last_run_at = ?, next_run_at = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			string(up.Status), nullTime(up.LastRunAt), nullTime(up.NextRunAt),
			up.Error, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.Get(ctx, id); err != nil {
				return err
			}
			return fmt.Errorf("task %d not processing: %w", id, task.ErrInvalidStateTransition)
		}
		return nil
	})
}

// SetStatus moves a task between active and paused by user action.
func (s *Store) SetStatus(ctx context.Context, id int64, from, to task.Status) error {
	if !task.ValidTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, task.ErrInvalidStateTransition)
	}
	return s.withRetry(ctx, func() error {
		res, err := s.exec(ctx,
			`UPDATE ai_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), time.Now().UTC(), id, string(from))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.Get(ctx, id); err != nil {
				return err
			}
			return fmt.Errorf("task %d not %s: %w", id, from, task.ErrInvalidStateTransition)
		}
		return nil
	})
}

// ListForUser returns a user's tasks, newest first.
func (s *Store) ListForUser(ctx context.Context, userID int64, filter TaskFilter) ([]*task.Task, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, string(filter.TaskType))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	var tasks []*task.Task
	err := s.withRetry(ctx, func() error {
		rows, err := s.query(ctx, `SELECT `+taskColumns+` FROM ai_tasks
			WHERE `+strings.Join(where, " AND ")+`
			ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
		if err != nil {
			return err
		}
		tasks, err = scanTasks(rows)
		return err
	})
	return tasks, err
}

// Delete removes a task owned by the given user.
func (s *Store) Delete(ctx context.Context, id, userID int64) error {
	return s.withRetry(ctx, func() error {
		res, err := s.exec(ctx, `DELETE FROM ai_tasks WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %d for user %d: %w", id, userID, task.ErrNotFound)
		}
		return nil
	})
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		desc      sql.NullString
		cfg       string
		nextRun   sql.NullTime
		lastRun   sql.NullTime
		status    string
		taskType  string
		schedType string
		aiCtx     sql.NullString
		channels  string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &desc, &taskType, &schedType,
		&cfg, &nextRun, &lastRun, &status, &aiCtx, &channels, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.TaskType = task.TaskType(taskType)
	t.ScheduleType = task.ScheduleType(schedType)
	t.Status = task.Status(status)
	t.AIContext = aiCtx.String
	if nextRun.Valid {
		v := nextRun.Time.UTC()
		t.NextRunAt = &v
	}
	if lastRun.Valid {
		v := lastRun.Time.UTC()
		t.LastRunAt = &v
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()

	sc, err := task.DecodeScheduleConfig([]byte(cfg))
	if err != nil {
		return nil, err
	}
	t.ScheduleConfig = sc
	if err := json.Unmarshal([]byte(channels), &t.NotificationChannels); err != nil {
		return nil, fmt.Errorf("store: decode channels: %w", err)
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer rows.Close()
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
