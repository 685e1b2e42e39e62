package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"managym/internal/domain"
	"managym/internal/engine"
	"managym/internal/eval"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL DEFAULT '',
	workflow_name TEXT NOT NULL DEFAULT '',
	manager_id TEXT NOT NULL DEFAULT '',
	final_state TEXT NOT NULL DEFAULT '',
	end_reason TEXT NOT NULL DEFAULT '',
	timesteps INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0,
	total_hours REAL NOT NULL DEFAULT 0,
	task_counts TEXT NOT NULL DEFAULT '{}',
	rewards TEXT NOT NULL DEFAULT '[]',
	comms_stats TEXT NOT NULL DEFAULT '{}',
	started_at INTEGER NULL,
	finished_at INTEGER NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_timesteps (
	run_id TEXT NOT NULL,
	timestep INTEGER NOT NULL,
	execution_state TEXT NOT NULL,
	action_type TEXT NOT NULL DEFAULT '',
	action_summary TEXT NOT NULL DEFAULT '',
	action_success INTEGER NOT NULL DEFAULT 0,
	tasks_started TEXT NOT NULL DEFAULT '[]',
	tasks_completed TEXT NOT NULL DEFAULT '[]',
	tasks_failed TEXT NOT NULL DEFAULT '[]',
	reward REAL NOT NULL DEFAULT 0,
	completed_hours REAL NOT NULL DEFAULT 0,
	execution_seconds REAL NOT NULL DEFAULT 0,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, timestep)
);

CREATE TABLE IF NOT EXISTS run_messages (
	id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL DEFAULT '',
	recipients TEXT NOT NULL DEFAULT '[]',
	type TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	related_task_id TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	sent_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, id)
);
CREATE INDEX IF NOT EXISTS idx_run_messages_order ON run_messages(run_id, sent_at);

CREATE TABLE IF NOT EXISTS run_evaluations (
	run_id TEXT NOT NULL,
	timestep INTEGER NOT NULL,
	cadence TEXT NOT NULL,
	weighted_total REAL NOT NULL DEFAULT 0,
	payload TEXT NOT NULL DEFAULT '{}',
	evaluated_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, timestep, cadence)
);
`

// Store persists workflow runs in sqlite and implements the engine's
// serializer contract.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// ensureRun creates the run row on first write so per-timestep saves never
// depend on summary order.
func (s *Store) ensureRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO runs(id, created_at) VALUES(?, ?)`,
		runID, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("ensure run: %w", err)
	}
	return nil
}

func (s *Store) SaveTimestep(runID string, rec *domain.TimestepRecord) error {
	ctx := context.Background()
	if err := s.ensureRun(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO run_timesteps(
			run_id, timestep, execution_state, action_type, action_summary, action_success,
			tasks_started, tasks_completed, tasks_failed, reward, completed_hours,
			execution_seconds, recorded_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Timestep, string(rec.ExecutionState), rec.ActionType, rec.ActionSummary,
		boolToInt(rec.ActionSuccess), mustJSON(rec.TasksStarted), mustJSON(rec.TasksCompleted),
		mustJSON(rec.TasksFailed), rec.Reward, rec.CompletedSimulatedHours,
		rec.ExecutionTimeSeconds, rec.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save timestep: %w", err)
	}
	return nil
}

func (s *Store) SaveExecutionLogs(runID string, msgs []*domain.Message) error {
	ctx := context.Background()
	if err := s.ensureRun(ctx, runID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save logs: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range msgs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR REPLACE INTO run_messages(
				id, run_id, sender, receiver, recipients, type, thread_id,
				related_task_id, priority, content, sent_at
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, runID, m.SenderID, m.ReceiverID, mustJSON(m.Recipients), string(m.Type),
			m.ThreadID, m.RelatedTaskID, m.Priority, m.Content, m.Timestamp.Unix(),
		); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save logs: %w", err)
	}
	return nil
}

func (s *Store) SaveEvaluationOutputs(runID string, results []*eval.EvaluationResult) error {
	ctx := context.Background()
	if err := s.ensureRun(ctx, runID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save evaluations: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, r := range results {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR REPLACE INTO run_evaluations(
				run_id, timestep, cadence, weighted_total, payload, evaluated_at
			) VALUES(?, ?, ?, ?, ?, ?)`,
			runID, r.Timestep, string(r.Cadence), r.WeightedPreferenceTotal,
			mustJSON(r), r.EvaluatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("save evaluation timestep %d: %w", r.Timestep, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save evaluations: %w", err)
	}
	return nil
}

func (s *Store) SaveWorkflowSummary(summary *engine.RunSummary) error {
	ctx := context.Background()
	if err := s.ensureRun(ctx, summary.RunID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET
			workflow_id = ?, workflow_name = ?, manager_id = ?, final_state = ?,
			end_reason = ?, timesteps = ?, total_cost = ?, total_hours = ?,
			task_counts = ?, rewards = ?, comms_stats = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		summary.WorkflowID, summary.WorkflowName, summary.ManagerID, string(summary.FinalState),
		summary.EndReason, summary.Timesteps, summary.TotalCost, summary.TotalSimulatedHours,
		mustJSON(summary.TaskCounts), mustJSON(summary.Rewards), mustJSON(summary.Comms),
		summary.StartedAt.Unix(), summary.FinishedAt.Unix(),
		summary.RunID,
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// RunRow is the stored view of one run.
type RunRow struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	ManagerID    string
	FinalState   string
	EndReason    string
	Timesteps    int
	TotalCost    float64
	TotalHours   float64
	StartedAt    time.Time
	FinishedAt   time.Time
	CreatedAt    time.Time
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, workflow_id, workflow_name, manager_id, final_state, end_reason,
			timesteps, total_cost, total_hours, started_at, finished_at, created_at
		FROM runs ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]RunRow, 0, limit)
	for rows.Next() {
		var r RunRow
		var started, finished sql.NullInt64
		var created int64
		if err := rows.Scan(
			&r.ID, &r.WorkflowID, &r.WorkflowName, &r.ManagerID, &r.FinalState, &r.EndReason,
			&r.Timesteps, &r.TotalCost, &r.TotalHours, &started, &finished, &created,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if started.Valid {
			r.StartedAt = unixToTime(started.Int64)
		}
		if finished.Valid {
			r.FinishedAt = unixToTime(finished.Int64)
		}
		r.CreatedAt = unixToTime(created)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) ListTimesteps(ctx context.Context, runID string, limit int) ([]domain.TimestepRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT timestep, execution_state, action_type, action_summary, action_success,
			tasks_started, tasks_completed, tasks_failed, reward, completed_hours,
			execution_seconds, recorded_at
		FROM run_timesteps WHERE run_id = ? ORDER BY timestep ASC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list timesteps: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TimestepRecord, 0, limit)
	for rows.Next() {
		var rec domain.TimestepRecord
		var state string
		var actionSuccess int
		var started, completed, failed string
		var recordedAt int64
		if err := rows.Scan(
			&rec.Timestep, &state, &rec.ActionType, &rec.ActionSummary, &actionSuccess,
			&started, &completed, &failed, &rec.Reward, &rec.CompletedSimulatedHours,
			&rec.ExecutionTimeSeconds, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan timestep: %w", err)
		}
		rec.ExecutionState = domain.ExecutionState(state)
		rec.ActionSuccess = actionSuccess != 0
		rec.TasksStarted = unmarshalIDs(started)
		rec.TasksCompleted = unmarshalIDs(completed)
		rec.TasksFailed = unmarshalIDs(failed)
		rec.RecordedAt = unixToTime(recordedAt)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timesteps: %w", err)
	}
	return result, nil
}

func (s *Store) ListMessages(ctx context.Context, runID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, sender, receiver, recipients, type, thread_id, related_task_id,
			priority, content, sent_at
		FROM run_messages WHERE run_id = ? ORDER BY sent_at ASC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Message, 0, limit)
	for rows.Next() {
		var m domain.Message
		var typ, recipients string
		var sentAt int64
		if err := rows.Scan(
			&m.ID, &m.SenderID, &m.ReceiverID, &recipients, &typ, &m.ThreadID,
			&m.RelatedTaskID, &m.Priority, &m.Content, &sentAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = domain.MessageType(typ)
		m.Recipients = unmarshalIDs(recipients)
		m.Timestamp = unixToTime(sentAt)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func (s *Store) ListEvaluations(ctx context.Context, runID string, limit int) ([]eval.EvaluationResult, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT payload FROM run_evaluations
		WHERE run_id = ? ORDER BY timestep ASC, cadence ASC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	result := make([]eval.EvaluationResult, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		var r eval.EvaluationResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode evaluation: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluations: %w", err)
	}
	return result, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

func unmarshalIDs(raw string) []string {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}
