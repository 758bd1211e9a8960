package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/taskctl/controlplane/internal/model"
)

// AppendRunStructuredEvent inserts the event if its sequence has not
// already been recorded for the run, returning false when it was a
// duplicate (so the listener's effectively-once guarantee holds across
// retried deliveries after a reconnect).
func (s *sqlStore) AppendRunStructuredEvent(ctx context.Context, e *model.RunStructuredEvent) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO run_structured_events (run_id, sequence, event_type, category, summary, error, payload_json, schema_version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.RunID, e.Sequence, e.EventType, e.Category, e.Summary, e.Error, e.PayloadJSON, e.SchemaVersion, e.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sqlStore) ListRunStructuredEvents(ctx context.Context, runID string, sinceSequence int64) ([]*model.RunStructuredEvent, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT run_id, sequence, event_type, category, summary, error, payload_json, schema_version, timestamp
		FROM run_structured_events WHERE run_id = ? AND sequence > ? ORDER BY sequence
	`), runID, sinceSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RunStructuredEvent
	for rows.Next() {
		e := &model.RunStructuredEvent{}
		if err := rows.Scan(&e.RunID, &e.Sequence, &e.EventType, &e.Category, &e.Summary, &e.Error, &e.PayloadJSON, &e.SchemaVersion, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertRunDiffSnapshot replaces the current diff view for a run only if
// the incoming sequence is strictly newer, implementing the
// latest-wins-by-sequence rule for out-of-order delivery.
func (s *sqlStore) UpsertRunDiffSnapshot(ctx context.Context, d *model.RunDiffSnapshot) (bool, error) {
	existing, err := s.GetRunDiffSnapshot(ctx, d.RunID)
	if err != nil {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO run_diff_snapshots (run_id, sequence, diff_stat, diff_patch, schema_version)
			VALUES (?, ?, ?, ?, ?)
		`), d.RunID, d.Sequence, d.DiffStat, d.DiffPatch, d.SchemaVersion)
		if err != nil {
			return false, err
		}
		return true, nil
	}
	if d.Sequence <= existing.Sequence {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE run_diff_snapshots SET sequence = ?, diff_stat = ?, diff_patch = ?, schema_version = ? WHERE run_id = ?
	`), d.Sequence, d.DiffStat, d.DiffPatch, d.SchemaVersion, d.RunID)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) GetRunDiffSnapshot(ctx context.Context, runID string) (*model.RunDiffSnapshot, error) {
	d := &model.RunDiffSnapshot{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT run_id, sequence, diff_stat, diff_patch, schema_version FROM run_diff_snapshots WHERE run_id = ?
	`), runID).Scan(&d.RunID, &d.Sequence, &d.DiffStat, &d.DiffPatch, &d.SchemaVersion)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *sqlStore) UpsertRunToolProjection(ctx context.Context, p *model.RunToolProjection) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO run_tool_projections (run_id, tool_call_id, tool_name, sequence_start, sequence_end, status, input_json, output_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, tool_call_id) DO UPDATE SET
			tool_name = excluded.tool_name,
			sequence_start = excluded.sequence_start,
			sequence_end = excluded.sequence_end,
			status = excluded.status,
			input_json = excluded.input_json,
			output_json = excluded.output_json
	`), p.RunID, p.ToolCallID, p.ToolName, p.SequenceStart, p.SequenceEnd, p.Status, p.InputJSON, p.OutputJSON)
	return err
}

func (s *sqlStore) ListRunToolProjections(ctx context.Context, runID string) ([]*model.RunToolProjection, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT run_id, tool_call_id, tool_name, sequence_start, sequence_end, status, input_json, output_json
		FROM run_tool_projections WHERE run_id = ? ORDER BY sequence_start
	`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RunToolProjection
	for rows.Next() {
		p := &model.RunToolProjection{}
		if err := rows.Scan(&p.RunID, &p.ToolCallID, &p.ToolName, &p.SequenceStart, &p.SequenceEnd, &p.Status, &p.InputJSON, &p.OutputJSON); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendRunLogEvent inserts a non-structured log line, returning false for
// a duplicate sequence under the same at-least-once-delivery guarantee
// AppendRunStructuredEvent provides for structured events.
func (s *sqlStore) AppendRunLogEvent(ctx context.Context, e *model.RunLogEvent) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO run_log_events (run_id, sequence, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`), e.RunID, e.Sequence, e.Level, e.Message, e.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sqlStore) ListRunLogEvents(ctx context.Context, runID string, sinceSequence int64) ([]*model.RunLogEvent, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT run_id, sequence, level, message, timestamp
		FROM run_log_events WHERE run_id = ? AND sequence > ? ORDER BY sequence
	`), runID, sinceSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RunLogEvent
	for rows.Next() {
		e := &model.RunLogEvent{}
		if err := rows.Scan(&e.RunID, &e.Sequence, &e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// isUniqueViolation detects a primary-key/unique constraint violation
// across both the sqlite3 and pgx drivers without importing their
// driver-specific error types, matching on the text both drivers use.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
