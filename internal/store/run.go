package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskctl/controlplane/internal/db/dialect"
	"github.com/taskctl/controlplane/internal/model"
)

const runColumns = `
	id, repository_id, task_id, runtime_id, state, attempt,
	summary, output_json, result_envelope_ref, failure_class, pr_url,
	worker_image_ref, worker_image_digest, worker_image_source,
	execution_mode, structured_protocol, session_profile_id,
	instruction_stack_hash, mcp_config_snapshot_json, automation_run_id,
	obsolete, created_at, started_at, ended_at
`

func (s *sqlStore) CreateRun(ctx context.Context, r *model.Run) error {
	if r.ID == "" {
		r.ID = model.NewID()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO runs (`+runColumns+`) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		)
	`), r.ID, r.Repository, r.TaskID, r.RuntimeID, r.State, r.Attempt,
		r.Summary, r.OutputJSON, r.ResultEnvelopeRef, r.FailureClass, r.PRUrl,
		r.WorkerImage.Ref, r.WorkerImage.Digest, r.WorkerImage.Source,
		r.ExecutionMode, r.StructuredProtocol, r.SessionProfileID,
		r.InstructionStackHash, r.MCPConfigSnapshotJSON, r.AutomationRunID,
		dialect.BoolToInt(r.Obsolete), r.CreatedAt, r.StartedAt, r.EndedAt)
	return err
}

func scanRun(row interface {
	Scan(dest ...any) error
}) (*model.Run, error) {
	r := &model.Run{}
	var obsolete int
	var startedAt, endedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Repository, &r.TaskID, &r.RuntimeID, &r.State, &r.Attempt,
		&r.Summary, &r.OutputJSON, &r.ResultEnvelopeRef, &r.FailureClass, &r.PRUrl,
		&r.WorkerImage.Ref, &r.WorkerImage.Digest, &r.WorkerImage.Source,
		&r.ExecutionMode, &r.StructuredProtocol, &r.SessionProfileID,
		&r.InstructionStackHash, &r.MCPConfigSnapshotJSON, &r.AutomationRunID,
		&obsolete, &r.CreatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Obsolete = obsolete != 0
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return r, nil
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return r, err
}

func (s *sqlStore) UpdateRun(ctx context.Context, r *model.Run) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET runtime_id = ?, state = ?, attempt = ?, summary = ?, output_json = ?,
			result_envelope_ref = ?, failure_class = ?, pr_url = ?,
			worker_image_ref = ?, worker_image_digest = ?, worker_image_source = ?,
			execution_mode = ?, structured_protocol = ?, session_profile_id = ?,
			instruction_stack_hash = ?, mcp_config_snapshot_json = ?, automation_run_id = ?,
			obsolete = ?, started_at = ?, ended_at = ?
		WHERE id = ?
	`), r.RuntimeID, r.State, r.Attempt, r.Summary, r.OutputJSON,
		r.ResultEnvelopeRef, r.FailureClass, r.PRUrl,
		r.WorkerImage.Ref, r.WorkerImage.Digest, r.WorkerImage.Source,
		r.ExecutionMode, r.StructuredProtocol, r.SessionProfileID,
		r.InstructionStackHash, r.MCPConfigSnapshotJSON, r.AutomationRunID,
		dialect.BoolToInt(r.Obsolete), r.StartedAt, r.EndedAt, r.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("run not found: %s", r.ID)
	}
	return nil
}

func (s *sqlStore) listRunsWhere(ctx context.Context, clause string, args ...any) ([]*model.Run, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`SELECT `+runColumns+` FROM runs WHERE `+clause+` ORDER BY created_at`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListQueuedRunsForTask(ctx context.Context, taskID string) ([]*model.Run, error) {
	return s.listRunsWhere(ctx, "task_id = ? AND state = ?", taskID, model.RunStateQueued)
}

func (s *sqlStore) ListRunsByState(ctx context.Context, state model.RunState) ([]*model.Run, error) {
	return s.listRunsWhere(ctx, "state = ?", state)
}

func (s *sqlStore) ListRunsByRuntime(ctx context.Context, runtimeID string) ([]*model.Run, error) {
	return s.listRunsWhere(ctx, "runtime_id = ?", runtimeID)
}

// ListTaskIDsWithQueuedRuns returns the distinct task IDs that currently
// have at least one Queued run, the per-tick work list for the queue
// drainer.
func (s *sqlStore) ListTaskIDsWithQueuedRuns(ctx context.Context) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT DISTINCT task_id FROM runs WHERE state = ? ORDER BY task_id
	`), model.RunStateQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, err
		}
		out = append(out, taskID)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountActiveRunsForTask(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM runs WHERE task_id = ? AND state = ?
	`), taskID, model.RunStateRunning).Scan(&count)
	return count, err
}

// MarkRunCompleted transitions a run to a terminal state exactly once,
// using a conditional UPDATE so the effectively-once completion contract
// holds even if two callers race: only the row not already in a terminal
// state is affected, and the second caller observes rows == 0.
func (s *sqlStore) MarkRunCompleted(ctx context.Context, runID string, state model.RunState, summary, outputJSON, prURL string, failureClass model.FailureClass, endedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET state = ?, summary = ?, output_json = ?, pr_url = ?, failure_class = ?, ended_at = ?
		WHERE id = ? AND state NOT IN (?, ?, ?)
	`), state, summary, outputJSON, prURL, failureClass, endedAt,
		runID, model.RunStateSucceeded, model.RunStateFailed, model.RunStateObsolete)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *sqlStore) MarkRunObsolete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE runs SET obsolete = 1 WHERE id = ?`), runID)
	return err
}
