package store

import "errors"

// Sentinel errors callers branch on, wrapped with fmt.Errorf("...: %w", err)
// as they propagate, per the teacher's own errors.As idiom.
var (
	ErrBedrockRequiresLambda     = errors.New("store: BEDROCK provider requires use_lambda=true")
	ErrMissingAPIKey             = errors.New("store: non-BEDROCK provider requires a non-empty api_key")
	ErrRemoteExecutionDisabled   = errors.New("store: use_lambda=true requires global remote execution to be enabled")
	ErrMissingTargetURL          = errors.New("store: OLLAMA provider requires target_url")
	ErrInvalidInterval           = errors.New("store: custom_interval schedule requires interval_minutes > 0")
	ErrMissingTriggerTask        = errors.New("store: agent schedule requires triggered_by_task_id")
	ErrAgentTaskHasNextExecution = errors.New("store: agent schedule must not set next_execution_at")
	ErrExecutionCountExceedsCap  = errors.New("store: execution_count exceeds max_executions")
	ErrNotFound                  = errors.New("store: not found")
	ErrInFlight                  = errors.New("store: task already has an in-flight execution")
	ErrTaskNotActive             = errors.New("store: task is not active")
	ErrExecutionCapReached       = errors.New("store: task has reached its max_executions cap")
)
