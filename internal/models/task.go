// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/qbitmaid/qbitmaid/internal/dbinterface"
)

// TaskType identifies which processing phase a task performs.
type TaskType string

const (
	TaskTypeAdded     TaskType = "added"
	TaskTypeCompleted TaskType = "completed"
)

// TaskStatus is the durable lifecycle state of a task row.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is the durable intent to perform one phase of processing on one
// torrent. Keyed by (torrent_hash, task_type); at most one row per key.
// Timestamps are unix seconds, double precision. NextRetry of 0 means
// eligible now.
type Task struct {
	TorrentHash   string
	Type          TaskType
	Status        TaskStatus
	RetryCount    int
	LastAttempt   float64
	NextRetry     float64
	FailureReason string
	CreatedTime   float64
	UpdatedTime   float64
}

// TaskStats is an operational snapshot of the queue.
type TaskStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

type TaskStore struct {
	db  dbinterface.TxBeginner
	now func() time.Time
}

func NewTaskStore(db dbinterface.TxBeginner) *TaskStore {
	return &TaskStore{
		db:  db,
		now: time.Now,
	}
}

func (s *TaskStore) nowUnix() float64 {
	return float64(s.now().UnixMilli()) / 1000.0
}

// withBusyRetry runs op, retrying exactly once when SQLite reports a
// transient busy/locked condition.
func withBusyRetry(op func() error) error {
	return retry.Do(op,
		retry.Attempts(2),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusyError),
	)
}

// Save inserts a task if absent and reports whether a new row was created.
// A false return means a row already exists in any status, including
// processing: this is the dedup point against the scanner rediscovering a
// torrent whose tags have not propagated yet.
func (s *TaskStore) Save(ctx context.Context, hash string, taskType TaskType) (bool, error) {
	now := s.nowUnix()

	var inserted bool
	err := withBusyRetry(func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (torrent_hash, task_type, status, created_time, updated_time)
			VALUES (?, ?, 'pending', ?, ?)
			ON CONFLICT (torrent_hash, task_type) DO NOTHING
		`, hash, string(taskType), now, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("save task %s/%s: %w", hash, taskType, err)
	}
	return inserted, nil
}

// Exists reports whether a row exists for (hash, taskType) in any status.
func (s *TaskStore) Exists(ctx context.Context, hash string, taskType TaskType) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM tasks WHERE torrent_hash = ? AND task_type = ?",
		hash, string(taskType)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("task exists %s/%s: %w", hash, taskType, err)
	}
	return true, nil
}

// ClaimPending atomically claims up to limit eligible tasks. Eligible rows
// are pending or failed with next_retry due; pending rows are claimed
// first, oldest first. The select and the per-row conditional update run
// inside one transaction, so two concurrent callers never claim the same
// row even on the same database file.
func (s *TaskStore) ClaimPending(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := s.nowUnix()

	var claimed []Task
	err := withBusyRetry(func() error {
		claimed = claimed[:0]

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `
			SELECT torrent_hash, task_type, status, retry_count, last_attempt,
			       next_retry, failure_reason, created_time, updated_time
			FROM tasks
			WHERE status IN ('pending', 'failed')
			  AND (next_retry = 0 OR next_retry <= ?)
			ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, created_time ASC
			LIMIT ?
		`, now, limit)
		if err != nil {
			return err
		}

		var candidates []Task
		for rows.Next() {
			var t Task
			var taskType, status string
			if err := rows.Scan(&t.TorrentHash, &taskType, &status, &t.RetryCount,
				&t.LastAttempt, &t.NextRetry, &t.FailureReason, &t.CreatedTime, &t.UpdatedTime); err != nil {
				rows.Close()
				return err
			}
			t.Type = TaskType(taskType)
			t.Status = TaskStatus(status)
			candidates = append(candidates, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'processing', last_attempt = ?, updated_time = ?
				WHERE torrent_hash = ? AND task_type = ?
				  AND status IN ('pending', 'failed')
			`, now, now, t.TorrentHash, string(t.Type))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				// Lost to a concurrent claimer.
				continue
			}
			t.Status = TaskStatusProcessing
			t.LastAttempt = now
			t.UpdatedTime = now
			claimed = append(claimed, t)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending tasks: %w", err)
	}
	return claimed, nil
}

// Complete removes a task. Only called on terminal success or confirmed
// torrent non-existence; failure is never terminal.
func (s *TaskStore) Complete(ctx context.Context, hash string, taskType TaskType) (bool, error) {
	var deleted bool
	err := withBusyRetry(func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM tasks WHERE torrent_hash = ? AND task_type = ?",
			hash, string(taskType))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("complete task %s/%s: %w", hash, taskType, err)
	}
	return deleted, nil
}

// ScheduleRetry marks a task failed and records when it becomes eligible
// again, together with the failure reason that selects the retry strategy.
func (s *TaskStore) ScheduleRetry(ctx context.Context, hash string, taskType TaskType, nextRetry float64, reason string) (bool, error) {
	now := s.nowUnix()

	var updated bool
	err := withBusyRetry(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'failed', retry_count = retry_count + 1,
			    next_retry = ?, failure_reason = ?, updated_time = ?
			WHERE torrent_hash = ? AND task_type = ?
		`, nextRetry, reason, now, hash, string(taskType))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("schedule retry %s/%s: %w", hash, taskType, err)
	}
	return updated, nil
}

// ResetStuck reaps processing rows whose worker died: anything still in
// processing after timeout goes back to pending. Called at startup and
// periodically.
func (s *TaskStore) ResetStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := s.nowUnix() - timeout.Seconds()

	var reset int64
	err := withBusyRetry(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', updated_time = ?
			WHERE status = 'processing' AND updated_time < ?
		`, s.nowUnix(), cutoff)
		if err != nil {
			return err
		}
		reset, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	if reset > 0 {
		log.Info().Int64("count", reset).Msg("reset stuck tasks back to pending")
	}
	return reset, nil
}

// ListOlderThan returns tasks created more than age ago. The orphan
// cleanup loop probes the remote engine for each and completes the ones
// whose torrent is gone.
func (s *TaskStore) ListOlderThan(ctx context.Context, age time.Duration) ([]Task, error) {
	cutoff := s.nowUnix() - age.Seconds()

	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_hash, task_type, status, retry_count, last_attempt,
		       next_retry, failure_reason, created_time, updated_time
		FROM tasks
		WHERE created_time < ?
		ORDER BY created_time ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list old tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var taskType, status string
		if err := rows.Scan(&t.TorrentHash, &taskType, &status, &t.RetryCount,
			&t.LastAttempt, &t.NextRetry, &t.FailureReason, &t.CreatedTime, &t.UpdatedTime); err != nil {
			return nil, err
		}
		t.Type = TaskType(taskType)
		t.Status = TaskStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Stats returns the queue total and per-status counts.
func (s *TaskStore) Stats(ctx context.Context) (TaskStats, error) {
	stats := TaskStats{ByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return stats, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}
