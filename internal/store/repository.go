package store

import "context"

// Repository is the persistence seam every other component depends on.
// Production code uses PGRepository; tests use MemRepository, mirroring
// the teacher's use of a controller-runtime fake client in
// internal/controller/agentrun_controller_test.go.
type Repository interface {
	GetAgentInstance(ctx context.Context, id string) (*AgentInstance, error)
	GetAgentTask(ctx context.Context, id string) (*AgentTask, error)
	UpdateAgentTask(ctx context.Context, task *AgentTask) error

	// FirstProjectForInstance returns the first AgentProject that contains
	// the given agent instance, per spec.md §4.7's
	// "T.agent_instance.projects[0]". Returns ErrNotFound if the instance
	// belongs to no project.
	FirstProjectForInstance(ctx context.Context, agentInstanceID string) (*AgentProject, error)

	GetProjectSecret(ctx context.Context, projectID, userID, key string) (string, error)

	// ListProjectsForUser returns every AgentProject owned by userID, for
	// the list_user_projects agent tool.
	ListProjectsForUser(ctx context.Context, userID string) ([]*AgentProject, error)

	// CreateExecutionIfNotInFlight atomically checks P1 (no existing
	// pending/running execution for the task) before inserting a new
	// pending execution. Returns ErrInFlight if an in-flight execution
	// already exists. It does not check P4 (the max_executions cap) —
	// callers must do that themselves: ListReadyTasks' SQL predicate
	// already excludes capped tasks for the scan path, and
	// Scheduler.ScheduleForced checks the cap explicitly before calling
	// this for the forced-dispatch path.
	CreateExecutionIfNotInFlight(ctx context.Context, exec *AgentTaskExecution) error

	GetExecution(ctx context.Context, id string) (*AgentTaskExecution, error)
	UpdateExecution(ctx context.Context, exec *AgentTaskExecution) error

	// ListReadyTasks returns all active tasks whose next_execution_at has
	// elapsed, for the Scheduler's periodic pending scan.
	ListReadyTasks(ctx context.Context) ([]*AgentTask, error)

	// ListTasksTriggeredBy returns every task whose triggered_by_task_id
	// equals taskID, for the Execution Engine's chain-trigger step.
	ListTasksTriggeredBy(ctx context.Context, taskID string) ([]*AgentTask, error)

	// HasNonTerminalExecution reports whether taskID currently has a
	// pending or running execution. The Execution Engine's chain-trigger
	// step uses it to skip re-triggering a downstream task that is already
	// in flight, rather than mutating its input sources only to have
	// CreateExecutionIfNotInFlight reject the enqueue (spec.md §9).
	HasNonTerminalExecution(ctx context.Context, taskID string) (bool, error)

	Close()
}
