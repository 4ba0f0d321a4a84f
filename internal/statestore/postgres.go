package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/state"
)

// PostgresStateRepository is the durable implementation of the State
// Repository Contract, adapted from the teacher's internal/repo.Repository:
// same sqlx.Connect + connection-pool tuning, generalized from two
// execution-record tables to the five tables spec §4.8 requires. Every
// write is an upsert keyed by the record's natural key so at-least-once
// delivery stays idempotent (spec §8).
type PostgresStateRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// PoolConfig mirrors internal/config.DatabaseConfig's connection-pool
// fields without importing that package, to keep statestore free of a
// dependency on the ambient config layer.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewPostgresStateRepository(databaseURL string, pool PoolConfig, logger *zap.Logger) (*PostgresStateRepository, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	return &PostgresStateRepository{db: db, logger: logger.With(zap.String("component", "postgres_state_repository"))}, nil
}

func (r *PostgresStateRepository) Close() error { return r.db.Close() }
func (r *PostgresStateRepository) Ping() error  { return r.db.Ping() }

// Stats exposes the pool's live connection counts for observability.Metrics.
func (r *PostgresStateRepository) Stats() sql.DBStats { return r.db.Stats() }

// Schema (applied by the deployment's migration tooling, not by this
// package): the five tables named in spec §4.8, each keyed by its natural
// key and carrying jsonb payload columns for opaque/interface{} fields.
//
//	CREATE TABLE workflow_instances (
//	    instance_id       text PRIMARY KEY,
//	    graph_id          text NOT NULL,
//	    graph_version     integer NOT NULL,
//	    status            text NOT NULL,
//	    current_step_id   text,
//	    created_at        timestamptz NOT NULL,
//	    updated_at        timestamptz NOT NULL,
//	    has_suspension    boolean NOT NULL DEFAULT false,
//	    has_async_state   boolean NOT NULL DEFAULT false,
//	    context_snapshot  bytea,
//	    terminal_error    jsonb
//	);
//	CREATE TABLE retry_contexts (
//	    instance_id        text NOT NULL,
//	    step_id            text NOT NULL,
//	    attempt            integer NOT NULL,
//	    max_attempts       integer NOT NULL,
//	    first_attempt_at   timestamptz NOT NULL,
//	    current_attempt_at timestamptz NOT NULL,
//	    last_error         text,
//	    PRIMARY KEY (instance_id, step_id)
//	);
//	CREATE TABLE circuit_breaker_snapshots (
//	    graph_id                 text NOT NULL,
//	    step_id                  text NOT NULL,
//	    state                    text NOT NULL,
//	    consecutive_failures     integer NOT NULL,
//	    half_open_success_count  integer NOT NULL,
//	    half_open_attempt_count  integer NOT NULL,
//	    last_failure_at          timestamptz,
//	    last_state_change_at     timestamptz NOT NULL,
//	    PRIMARY KEY (graph_id, step_id)
//	);
//	CREATE TABLE async_step_states (
//	    instance_id      text NOT NULL,
//	    task_id          text NOT NULL,
//	    message_id       text NOT NULL,
//	    initial_data     jsonb,
//	    current_data     jsonb,
//	    percent_complete integer NOT NULL DEFAULT 0,
//	    status_message   text,
//	    started_at       timestamptz NOT NULL,
//	    completed_at     timestamptz,
//	    result_data      jsonb,
//	    final_result     bytea,
//	    error            text,
//	    status           text NOT NULL,
//	    PRIMARY KEY (instance_id, task_id)
//	);
//	CREATE TABLE suspension_payloads (
//	    instance_id         text PRIMARY KEY,
//	    producing_step_id   text NOT NULL,
//	    prompt_data         jsonb,
//	    expected_input_type text,
//	    metadata            jsonb
//	);

type instanceRow struct {
	InstanceID      string         `db:"instance_id"`
	GraphID         string         `db:"graph_id"`
	GraphVersion    int            `db:"graph_version"`
	Status          string         `db:"status"`
	CurrentStepID   sql.NullString `db:"current_step_id"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	HasSuspension   bool           `db:"has_suspension"`
	HasAsyncState   bool           `db:"has_async_state"`
	ContextSnapshot []byte         `db:"context_snapshot"`
	TerminalError   []byte         `db:"terminal_error"`
}

func (r *PostgresStateRepository) SaveInstance(ctx context.Context, inst *state.WorkflowInstance) error {
	var terminalErr []byte
	if inst.TerminalError != nil {
		var err error
		terminalErr, err = json.Marshal(inst.TerminalError)
		if err != nil {
			return err
		}
	}

	row := instanceRow{
		InstanceID:      inst.InstanceID,
		GraphID:         inst.GraphID,
		GraphVersion:    inst.GraphVersion,
		Status:          string(inst.Status),
		CurrentStepID:   sql.NullString{String: inst.CurrentStepID, Valid: inst.CurrentStepID != ""},
		CreatedAt:       inst.CreatedAt,
		UpdatedAt:       inst.UpdatedAt,
		HasSuspension:   inst.HasSuspension,
		HasAsyncState:   inst.HasAsyncState,
		ContextSnapshot: inst.ContextSnapshot,
		TerminalError:   terminalErr,
	}

	query := `
		INSERT INTO workflow_instances
			(instance_id, graph_id, graph_version, status, current_step_id, created_at, updated_at, has_suspension, has_async_state, context_snapshot, terminal_error)
		VALUES
			(:instance_id, :graph_id, :graph_version, :status, :current_step_id, :created_at, :updated_at, :has_suspension, :has_async_state, :context_snapshot, :terminal_error)
		ON CONFLICT (instance_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step_id = EXCLUDED.current_step_id,
			updated_at = EXCLUDED.updated_at,
			has_suspension = EXCLUDED.has_suspension,
			has_async_state = EXCLUDED.has_async_state,
			context_snapshot = EXCLUDED.context_snapshot,
			terminal_error = EXCLUDED.terminal_error
	`
	_, err := r.db.NamedExecContext(ctx, query, row)
	return err
}

func (r *PostgresStateRepository) LoadInstance(ctx context.Context, instanceID string) (*state.WorkflowInstance, error) {
	var row instanceRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM workflow_instances WHERE instance_id = $1`, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inst := &state.WorkflowInstance{
		InstanceID:      row.InstanceID,
		GraphID:         row.GraphID,
		GraphVersion:    row.GraphVersion,
		Status:          state.InstanceStatus(row.Status),
		CurrentStepID:   row.CurrentStepID.String,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		HasSuspension:   row.HasSuspension,
		HasAsyncState:   row.HasAsyncState,
		ContextSnapshot: row.ContextSnapshot,
	}
	if len(row.TerminalError) > 0 {
		var execErr state.ExecutionError
		if err := json.Unmarshal(row.TerminalError, &execErr); err == nil {
			inst.TerminalError = &execErr
		}
	}
	return inst, nil
}

func (r *PostgresStateRepository) DeleteInstance(ctx context.Context, instanceID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workflow_instances WHERE instance_id = $1`, instanceID)
	return err
}

func (r *PostgresStateRepository) SaveRetryContext(ctx context.Context, rc *state.RetryContext) error {
	query := `
		INSERT INTO retry_contexts (instance_id, step_id, attempt, max_attempts, first_attempt_at, current_attempt_at, last_error)
		VALUES (:instance_id, :step_id, :attempt, :max_attempts, :first_attempt_at, :current_attempt_at, :last_error)
		ON CONFLICT (instance_id, step_id) DO UPDATE SET
			attempt = EXCLUDED.attempt,
			current_attempt_at = EXCLUDED.current_attempt_at,
			last_error = EXCLUDED.last_error
	`
	_, err := r.db.NamedExecContext(ctx, query, rc)
	return err
}

func (r *PostgresStateRepository) LoadRetryContext(ctx context.Context, instanceID, stepID string) (*state.RetryContext, error) {
	var rc state.RetryContext
	err := r.db.GetContext(ctx, &rc, `SELECT * FROM retry_contexts WHERE instance_id = $1 AND step_id = $2`, instanceID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	return &rc, err
}

func (r *PostgresStateRepository) DeleteRetryContext(ctx context.Context, instanceID, stepID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM retry_contexts WHERE instance_id = $1 AND step_id = $2`, instanceID, stepID)
	return err
}

func (r *PostgresStateRepository) SaveBreakerSnapshot(ctx context.Context, snap *state.CircuitBreakerSnapshot) error {
	query := `
		INSERT INTO circuit_breaker_snapshots
			(graph_id, step_id, state, consecutive_failures, half_open_success_count, half_open_attempt_count, last_failure_at, last_state_change_at)
		VALUES
			(:graph_id, :step_id, :state, :consecutive_failures, :half_open_success_count, :half_open_attempt_count, :last_failure_at, :last_state_change_at)
		ON CONFLICT (graph_id, step_id) DO UPDATE SET
			state = EXCLUDED.state,
			consecutive_failures = EXCLUDED.consecutive_failures,
			half_open_success_count = EXCLUDED.half_open_success_count,
			half_open_attempt_count = EXCLUDED.half_open_attempt_count,
			last_failure_at = EXCLUDED.last_failure_at,
			last_state_change_at = EXCLUDED.last_state_change_at
	`
	_, err := r.db.NamedExecContext(ctx, query, snap)
	return err
}

func (r *PostgresStateRepository) LoadBreakerSnapshot(ctx context.Context, graphID, stepID string) (*state.CircuitBreakerSnapshot, error) {
	var snap state.CircuitBreakerSnapshot
	err := r.db.GetContext(ctx, &snap, `SELECT * FROM circuit_breaker_snapshots WHERE graph_id = $1 AND step_id = $2`, graphID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &snap, err
}

func (r *PostgresStateRepository) DeleteBreakerSnapshot(ctx context.Context, graphID, stepID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM circuit_breaker_snapshots WHERE graph_id = $1 AND step_id = $2`, graphID, stepID)
	return err
}

type asyncStateRow struct {
	InstanceID      string         `db:"instance_id"`
	TaskID          string         `db:"task_id"`
	MessageID       string         `db:"message_id"`
	InitialData     []byte         `db:"initial_data"`
	CurrentData     []byte         `db:"current_data"`
	PercentComplete int            `db:"percent_complete"`
	StatusMessage   sql.NullString `db:"status_message"`
	StartedAt       time.Time      `db:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
	ResultData      []byte         `db:"result_data"`
	FinalResult     []byte         `db:"final_result"`
	Error           sql.NullString `db:"error"`
	Status          string         `db:"status"`
}

func (r *PostgresStateRepository) SaveAsyncState(ctx context.Context, st *state.AsyncStepState) error {
	row := asyncStateRow{
		InstanceID:      st.InstanceID,
		TaskID:          st.TaskID,
		MessageID:       st.MessageID,
		PercentComplete: st.PercentComplete,
		StatusMessage:   sql.NullString{String: st.StatusMessage, Valid: st.StatusMessage != ""},
		StartedAt:       st.StartedAt,
		CompletedAt:     st.CompletedAt,
		FinalResult:     st.FinalResult,
		Error:           sql.NullString{String: st.Error, Valid: st.Error != ""},
		Status:          string(st.Status),
	}
	if st.InitialData != nil {
		row.InitialData, _ = json.Marshal(st.InitialData)
	}
	if st.CurrentData != nil {
		row.CurrentData, _ = json.Marshal(st.CurrentData)
	}
	if st.ResultData != nil {
		row.ResultData, _ = json.Marshal(st.ResultData)
	}

	query := `
		INSERT INTO async_step_states
			(instance_id, task_id, message_id, initial_data, current_data, percent_complete, status_message, started_at, completed_at, result_data, final_result, error, status)
		VALUES
			(:instance_id, :task_id, :message_id, :initial_data, :current_data, :percent_complete, :status_message, :started_at, :completed_at, :result_data, :final_result, :error, :status)
		ON CONFLICT (instance_id, task_id) DO UPDATE SET
			current_data = EXCLUDED.current_data,
			percent_complete = EXCLUDED.percent_complete,
			status_message = EXCLUDED.status_message,
			completed_at = EXCLUDED.completed_at,
			result_data = EXCLUDED.result_data,
			final_result = EXCLUDED.final_result,
			error = EXCLUDED.error,
			status = EXCLUDED.status
	`
	_, err := r.db.NamedExecContext(ctx, query, row)
	return err
}

func (r *PostgresStateRepository) LoadAsyncState(ctx context.Context, instanceID, taskID string) (*state.AsyncStepState, error) {
	var row asyncStateRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM async_step_states WHERE instance_id = $1 AND task_id = $2`, instanceID, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	st := &state.AsyncStepState{
		InstanceID:      row.InstanceID,
		TaskID:          row.TaskID,
		MessageID:       row.MessageID,
		PercentComplete: row.PercentComplete,
		StatusMessage:   row.StatusMessage.String,
		StartedAt:       row.StartedAt,
		CompletedAt:     row.CompletedAt,
		FinalResult:     row.FinalResult,
		Error:           row.Error.String,
		Status:          state.AsyncTaskStatus(row.Status),
	}
	if len(row.InitialData) > 0 {
		json.Unmarshal(row.InitialData, &st.InitialData)
	}
	if len(row.CurrentData) > 0 {
		json.Unmarshal(row.CurrentData, &st.CurrentData)
	}
	if len(row.ResultData) > 0 {
		json.Unmarshal(row.ResultData, &st.ResultData)
	}
	return st, nil
}

func (r *PostgresStateRepository) DeleteAsyncState(ctx context.Context, instanceID, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM async_step_states WHERE instance_id = $1 AND task_id = $2`, instanceID, taskID)
	return err
}

type suspensionRow struct {
	InstanceID        string `db:"instance_id"`
	ProducingStepID   string `db:"producing_step_id"`
	PromptData        []byte `db:"prompt_data"`
	ExpectedInputType string `db:"expected_input_type"`
	Metadata          []byte `db:"metadata"`
}

func (r *PostgresStateRepository) SaveSuspension(ctx context.Context, sp *state.SuspensionPayload) error {
	row := suspensionRow{
		InstanceID:        sp.InstanceID,
		ProducingStepID:   sp.ProducingStepID,
		ExpectedInputType: sp.ExpectedInputType,
	}
	if sp.PromptData != nil {
		row.PromptData, _ = json.Marshal(sp.PromptData)
	}
	if sp.Metadata != nil {
		row.Metadata, _ = json.Marshal(sp.Metadata)
	}

	query := `
		INSERT INTO suspension_payloads (instance_id, producing_step_id, prompt_data, expected_input_type, metadata)
		VALUES (:instance_id, :producing_step_id, :prompt_data, :expected_input_type, :metadata)
		ON CONFLICT (instance_id) DO UPDATE SET
			producing_step_id = EXCLUDED.producing_step_id,
			prompt_data = EXCLUDED.prompt_data,
			expected_input_type = EXCLUDED.expected_input_type,
			metadata = EXCLUDED.metadata
	`
	_, err := r.db.NamedExecContext(ctx, query, row)
	return err
}

func (r *PostgresStateRepository) LoadSuspension(ctx context.Context, instanceID string) (*state.SuspensionPayload, error) {
	var row suspensionRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM suspension_payloads WHERE instance_id = $1`, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sp := &state.SuspensionPayload{
		InstanceID:        row.InstanceID,
		ProducingStepID:   row.ProducingStepID,
		ExpectedInputType: row.ExpectedInputType,
	}
	if len(row.PromptData) > 0 {
		json.Unmarshal(row.PromptData, &sp.PromptData)
	}
	if len(row.Metadata) > 0 {
		json.Unmarshal(row.Metadata, &sp.Metadata)
	}
	return sp, nil
}

func (r *PostgresStateRepository) DeleteSuspension(ctx context.Context, instanceID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM suspension_payloads WHERE instance_id = $1`, instanceID)
	return err
}

func (r *PostgresStateRepository) DeleteInstanceState(ctx context.Context, instanceID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Circuit breaker snapshots are keyed by (graph id, step id), not by
	// instance, so terminal instance cleanup leaves them untouched.
	for _, stmt := range []string{
		`DELETE FROM workflow_instances WHERE instance_id = $1`,
		`DELETE FROM retry_contexts WHERE instance_id = $1`,
		`DELETE FROM async_step_states WHERE instance_id = $1`,
		`DELETE FROM suspension_payloads WHERE instance_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, instanceID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

var _ state.Repository = (*PostgresStateRepository)(nil)
