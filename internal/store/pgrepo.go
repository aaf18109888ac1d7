package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository is the production Repository backed by PostgreSQL: a
// pgxpool.Pool wrapped by parameterized SQL, with map/slice fields
// marshaled into JSONB columns.
type PGRepository struct {
	pool      *pgxpool.Pool
	secretKey [32]byte
}

// NewPGRepository connects to PostgreSQL and verifies the connection, same
// as session.NewStore.
func NewPGRepository(ctx context.Context, databaseURL string, secretKey [32]byte) (*PGRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PGRepository{pool: pool, secretKey: secretKey}, nil
}

func (r *PGRepository) Close() { r.pool.Close() }

func (r *PGRepository) GetAgentInstance(ctx context.Context, id string) (*AgentInstance, error) {
	a := &AgentInstance{}
	var apiKeySealed []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, friendly_name, provider, model_name, api_key, target_url,
		        agent_type, use_lambda, user_id, instruction
		 FROM agent_instances WHERE id = $1`, id,
	).Scan(&a.ID, &a.FriendlyName, &a.Provider, &a.ModelName, &apiKeySealed, &a.TargetURL,
		&a.AgentType, &a.UseLambda, &a.UserID, &a.Instruction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent instance: %w", err)
	}
	if len(apiKeySealed) > 0 {
		plaintext, err := decryptSecret(r.secretKey, apiKeySealed)
		if err != nil {
			return nil, fmt.Errorf("decrypting api_key: %w", err)
		}
		a.APIKey = plaintext
	}
	return a, nil
}

func (r *PGRepository) GetAgentTask(ctx context.Context, id string) (*AgentTask, error) {
	t := &AgentTask{}
	var inputSourcesJSON []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, agent_instance_id, instruction, input_sources, schedule_type,
		        scheduled_at, interval_minutes, status, last_executed_at, next_execution_at,
		        max_executions, execution_count, triggered_by_task_id, user_id
		 FROM agent_tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.AgentInstanceID, &t.Instruction, &inputSourcesJSON, &t.ScheduleType,
		&t.ScheduledAt, &t.IntervalMinutes, &t.Status, &t.LastExecutedAt, &t.NextExecutionAt,
		&t.MaxExecutions, &t.ExecutionCount, &t.TriggeredByTaskID, &t.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent task: %w", err)
	}
	if len(inputSourcesJSON) > 0 {
		if err := json.Unmarshal(inputSourcesJSON, &t.InputSources); err != nil {
			return nil, fmt.Errorf("unmarshalling input_sources: %w", err)
		}
	}
	return t, nil
}

func (r *PGRepository) UpdateAgentTask(ctx context.Context, t *AgentTask) error {
	inputSourcesJSON, err := json.Marshal(t.InputSources)
	if err != nil {
		return fmt.Errorf("marshalling input_sources: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE agent_tasks SET
		   name=$2, instruction=$3, input_sources=$4, schedule_type=$5, scheduled_at=$6,
		   interval_minutes=$7, status=$8, last_executed_at=$9, next_execution_at=$10,
		   max_executions=$11, execution_count=$12, triggered_by_task_id=$13
		 WHERE id=$1`,
		t.ID, t.Name, t.Instruction, inputSourcesJSON, t.ScheduleType, t.ScheduledAt,
		t.IntervalMinutes, t.Status, t.LastExecutedAt, t.NextExecutionAt,
		t.MaxExecutions, t.ExecutionCount, t.TriggeredByTaskID,
	)
	if err != nil {
		return fmt.Errorf("updating agent task: %w", err)
	}
	return nil
}

func (r *PGRepository) FirstProjectForInstance(ctx context.Context, agentInstanceID string) (*AgentProject, error) {
	p := &AgentProject{}
	err := r.pool.QueryRow(ctx,
		`SELECT p.id, p.title, p.description, p.user_id
		 FROM agent_projects p
		 JOIN agent_project_instances pi ON pi.project_id = p.id
		 WHERE pi.agent_instance_id = $1
		 ORDER BY p.id LIMIT 1`, agentInstanceID,
	).Scan(&p.ID, &p.Title, &p.Description, &p.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying project for instance: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetProjectSecret(ctx context.Context, projectID, userID, key string) (string, error) {
	var sealed []byte
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM project_environment_secrets
		 WHERE project_id=$1 AND user_id=$2 AND key=$3`, projectID, userID, key,
	).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying project secret: %w", err)
	}
	plaintext, err := decryptSecret(r.secretKey, sealed)
	if err != nil {
		return "", fmt.Errorf("decrypting secret %s: %w", key, err)
	}
	return plaintext, nil
}

func (r *PGRepository) ListProjectsForUser(ctx context.Context, userID string) ([]*AgentProject, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, description, user_id FROM agent_projects WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying projects for user: %w", err)
	}
	defer rows.Close()

	var projects []*AgentProject
	for rows.Next() {
		p := &AgentProject{}
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.UserID); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// CreateExecutionIfNotInFlight implements P1 only, as an indexed existence
// check run inside the same transaction as the insert, per DESIGN.md's
// open-question decision. P4 (the max_executions cap) is the caller's
// responsibility: ListReadyTasks' SQL predicate already excludes capped
// tasks for the scan path, and Scheduler.ScheduleForced checks the cap
// explicitly before calling this for the forced-dispatch path.
func (r *PGRepository) CreateExecutionIfNotInFlight(ctx context.Context, exec *AgentTaskExecution) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the task row so concurrent callers for the same task serialize
	// here; the existence check below then sees any execution a previous
	// holder of the lock committed.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM agent_tasks WHERE id=$1 FOR UPDATE`, exec.AgentTaskID); err != nil {
		return fmt.Errorf("locking task row: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM agent_task_executions
		   WHERE agent_task_id=$1 AND status IN ('pending','running')
		   LIMIT 1
		 )`, exec.AgentTaskID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking in-flight executions: %w", err)
	}
	if exists {
		return ErrInFlight
	}

	inputDataJSON := exec.InputData
	if inputDataJSON == nil {
		inputDataJSON = json.RawMessage("null")
	}
	securitySummaryJSON, err := json.Marshal(exec.APISecuritySummary)
	if err != nil {
		return fmt.Errorf("marshalling api_security_summary: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO agent_task_executions
		   (id, agent_task_id, status, input_data, api_security_summary)
		 VALUES ($1, $2, $3, $4, $5)`,
		exec.ID, exec.AgentTaskID, exec.Status, inputDataJSON, securitySummaryJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (r *PGRepository) GetExecution(ctx context.Context, id string) (*AgentTaskExecution, error) {
	e := &AgentTaskExecution{}
	var outputDataJSON, securitySummaryJSON []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, agent_task_id, status, started_at, completed_at, execution_time_seconds,
		        input_data, output_data, error_message, api_security_summary
		 FROM agent_task_executions WHERE id = $1`, id,
	).Scan(&e.ID, &e.AgentTaskID, &e.Status, &e.StartedAt, &e.CompletedAt, &e.ExecutionTimeSeconds,
		&e.InputData, &outputDataJSON, &e.ErrorMessage, &securitySummaryJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	if len(outputDataJSON) > 0 {
		var out OutputData
		if err := json.Unmarshal(outputDataJSON, &out); err != nil {
			return nil, fmt.Errorf("unmarshalling output_data: %w", err)
		}
		e.OutputData = &out
	}
	if len(securitySummaryJSON) > 0 {
		if err := json.Unmarshal(securitySummaryJSON, &e.APISecuritySummary); err != nil {
			return nil, fmt.Errorf("unmarshalling api_security_summary: %w", err)
		}
	}
	return e, nil
}

// UpdateExecution persists an execution row. P2 (terminal states are
// absorbing) is enforced by guarding the WHERE clause against rows already
// in a terminal status.
func (r *PGRepository) UpdateExecution(ctx context.Context, e *AgentTaskExecution) error {
	var outputDataJSON []byte
	if e.OutputData != nil {
		var err error
		outputDataJSON, err = json.Marshal(e.OutputData)
		if err != nil {
			return fmt.Errorf("marshalling output_data: %w", err)
		}
	}
	securitySummaryJSON, err := json.Marshal(e.APISecuritySummary)
	if err != nil {
		return fmt.Errorf("marshalling api_security_summary: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE agent_task_executions SET
		   status=$2, started_at=$3, completed_at=$4, execution_time_seconds=$5,
		   input_data=$6, output_data=$7, error_message=$8, api_security_summary=$9
		 WHERE id=$1 AND status NOT IN ('completed','failed')`,
		e.ID, e.Status, e.StartedAt, e.CompletedAt, e.ExecutionTimeSeconds,
		e.InputData, outputDataJSON, e.ErrorMessage, securitySummaryJSON,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	if tag.RowsAffected() == 0 && !e.Status.IsTerminal() {
		return fmt.Errorf("updating execution %s: no matching non-terminal row", e.ID)
	}
	return nil
}

func (r *PGRepository) ListReadyTasks(ctx context.Context) ([]*AgentTask, error) {
	now := time.Now()
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM agent_tasks
		 WHERE status='active' AND next_execution_at IS NOT NULL AND next_execution_at <= $1
		   AND (max_executions IS NULL OR execution_count < max_executions)`, now,
	)
	if err != nil {
		return nil, fmt.Errorf("querying ready tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning ready task id: %w", err)
		}
		ids = append(ids, id)
	}

	var tasks []*AgentTask
	for _, id := range ids {
		t, err := r.GetAgentTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (r *PGRepository) ListTasksTriggeredBy(ctx context.Context, taskID string) ([]*AgentTask, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM agent_tasks WHERE triggered_by_task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying triggered tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning triggered task id: %w", err)
		}
		ids = append(ids, id)
	}

	var tasks []*AgentTask
	for _, id := range ids {
		t, err := r.GetAgentTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (r *PGRepository) HasNonTerminalExecution(ctx context.Context, taskID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM agent_task_executions
		   WHERE agent_task_id=$1 AND status IN ('pending','running') LIMIT 1
		 )`, taskID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking non-terminal executions: %w", err)
	}
	return exists, nil
}
