package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskctl/controlplane/internal/db/dialect"
)

// DeleteTerminalRunsOlderThan removes terminal runs whose ended_at is
// older than the retention window, in batches of at most limit rows so a
// single sweep never holds a long-running transaction against a busy
// table. It selects candidate ids first and deletes by id, since
// DELETE ... LIMIT is not portable between SQLite and PostgreSQL.
func (s *sqlStore) DeleteTerminalRunsOlderThan(ctx context.Context, days int, limit int) (int64, error) {
	cutoff := dialect.DateNowMinusDays(s.driver, "?")
	query := fmt.Sprintf(`
		SELECT id FROM runs
		WHERE state IN ('SUCCEEDED', 'FAILED', 'OBSOLETE') AND ended_at < %s
		LIMIT %d
	`, cutoff, limit)

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), days)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.deleteRunsByID(ctx, ids)
}

func (s *sqlStore) deleteRunsByID(ctx context.Context, ids []string) (int64, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM runs WHERE id IN (%s)`, strings.Join(placeholders, ","))
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListTasksEligibleForCleanup returns up to limit tasks that have been
// disabled for at least protectedDays and have no runs still in flight. A
// task with active runs is never eligible regardless of age, since
// deleting it would cascade into runs a client may still be polling.
func (s *sqlStore) ListTasksEligibleForCleanup(ctx context.Context, protectedDays, limit int) ([]*model.Task, error) {
	cutoff := dialect.DateNowMinusDays(s.driver, "?")
	query := fmt.Sprintf(`
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.disabled = 1 AND t.updated_at < %s
		AND NOT EXISTS (
			SELECT 1 FROM runs r WHERE r.task_id = t.id
			AND r.state IN ('QUEUED', 'PENDING_APPROVAL', 'RUNNING')
		)
		ORDER BY t.updated_at
		LIMIT %d
	`, cutoff, limit)
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), protectedDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTask removes a task and, through ON DELETE CASCADE, every run and
// task runtime row that references it. Event checkpoint rows have no
// foreign key to tasks and are not removed.
func (s *sqlStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	return err
}

// DatabaseSizeBytes reports the on-disk size of the database, used by the
// retention loop to decide whether size-pressure deletion is needed.
func (s *sqlStore) DatabaseSizeBytes(ctx context.Context) (int64, error) {
	if dialect.IsPostgres(s.driver) {
		var size int64
		err := s.ro.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`).Scan(&size)
		return size, err
	}
	var pageCount, pageSize int64
	if err := s.ro.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.ro.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Vacuum reclaims space freed by the retention loop's deletions. PostgreSQL
// cannot run VACUUM inside a transaction block, so this must go through a
// connection that is not already in one; database/sql's ExecContext on the
// pool issues it on its own connection, which satisfies that requirement.
func (s *sqlStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

// DeleteOrphanedEventsOlderThan removes structured events whose run has
// already been deleted by the retention sweep (orphaned rows left behind
// once the owning run row is gone), in batches of at most limit rows.
func (s *sqlStore) DeleteOrphanedEventsOlderThan(ctx context.Context, days int, limit int) (int64, error) {
	cutoff := dialect.DateNowMinusDays(s.driver, "?")
	query := fmt.Sprintf(`
		DELETE FROM run_structured_events WHERE run_id IN (
			SELECT run_id FROM run_structured_events e
			WHERE NOT EXISTS (SELECT 1 FROM runs r WHERE r.id = e.run_id)
			AND e.timestamp < %s
			LIMIT %d
		)
	`, cutoff, limit)
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), days)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
