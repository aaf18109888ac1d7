package execution

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sympozium/agentcore/internal/fetch"
	"github.com/sympozium/agentcore/internal/provider"
	"github.com/sympozium/agentcore/internal/store"
	"github.com/sympozium/agentcore/internal/template"
)

type fakeScheduler struct {
	forced []string
}

func (s *fakeScheduler) ScheduleForced(ctx context.Context, taskID string) error {
	s.forced = append(s.forced, taskID)
	return nil
}

type fakeRunner struct {
	output   string
	err      error
	lastReq  provider.Request
	toolExec provider.ToolExecutor

	// toolCallName/toolCallArgs, when set, make Run invoke the bound
	// ToolExecutor once with that name and JSON arguments before returning,
	// simulating a model that issues one tool call mid-turn.
	toolCallName string
	toolCallArgs string
}

func (r *fakeRunner) Run(ctx context.Context, instance *store.AgentInstance, req provider.Request) (*provider.Response, error) {
	r.lastReq = req
	if r.err != nil {
		return nil, r.err
	}
	if r.toolExec != nil && r.toolCallName != "" {
		r.toolExec.Execute(ctx, r.toolCallName, r.toolCallArgs)
	}
	return &provider.Response{Output: r.output}, nil
}

func newTestEngine(repo store.Repository, runner *fakeRunner, scheduler Scheduler) *Engine {
	fetcher := fetch.New(repo)
	renderer := template.New(repo)
	return newEngineForTest(repo, fetcher, renderer, scheduler, func(toolExec provider.ToolExecutor) providerRunner {
		runner.toolExec = toolExec
		return runner
	})
}

func seedOnceTask(repo *store.MemRepository) (*store.AgentInstance, *store.AgentTask) {
	instance := &store.AgentInstance{
		ID: "inst-1", FriendlyName: "Demo", Provider: store.ProviderOpenAI,
		ModelName: "gpt-4", APIKey: "key", AgentType: store.AgentTypeOneShot, UserID: "user-1",
		Instruction: "You are a helpful agent.",
	}
	repo.PutAgentInstance(instance)

	task := &store.AgentTask{
		ID: "task-1", Name: "demo-task", AgentInstanceID: "inst-1",
		Instruction: "Summarize the sources.", ScheduleType: store.ScheduleOnce,
		Status: store.TaskStatusActive, UserID: "user-1",
	}
	repo.PutAgentTask(task)
	return instance, task
}

func seedExecution(repo *store.MemRepository, taskID string) *store.AgentTaskExecution {
	exec := &store.AgentTaskExecution{ID: "exec-1", AgentTaskID: taskID, Status: store.ExecutionPending}
	_ = repo.CreateExecutionIfNotInFlight(context.Background(), exec)
	return exec
}

func TestRunOnceTaskCompletesAndGoesTerminal(t *testing.T) {
	repo := store.NewMemRepository()
	_, task := seedOnceTask(repo)
	exec := seedExecution(repo, task.ID)

	runner := &fakeRunner{output: "final answer"}
	scheduler := &fakeScheduler{}
	engine := newTestEngine(repo, runner, scheduler)

	if err := engine.Run(context.Background(), task, exec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if exec.Status != store.ExecutionCompleted {
		t.Errorf("got execution status %q, want completed", exec.Status)
	}
	if exec.OutputData == nil || exec.OutputData.Result != "final answer" {
		t.Errorf("got output data %+v", exec.OutputData)
	}

	updated, err := repo.GetAgentTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetAgentTask: %v", err)
	}
	if updated.Status != store.TaskStatusCompleted {
		t.Errorf("got task status %q, want completed (once tasks are terminal on first success)", updated.Status)
	}
	if updated.ExecutionCount != 1 {
		t.Errorf("got execution count %d, want 1", updated.ExecutionCount)
	}
	if updated.NextExecutionAt != nil {
		t.Errorf("got next_execution_at %v, want nil for a once task", updated.NextExecutionAt)
	}
}

func TestRunManualTaskStaysActiveUntilMaxExecutions(t *testing.T) {
	repo := store.NewMemRepository()
	max := 2
	instance := &store.AgentInstance{
		ID: "inst-1", Provider: store.ProviderOpenAI, ModelName: "gpt-4",
		APIKey: "key", AgentType: store.AgentTypeOneShot, UserID: "user-1",
	}
	repo.PutAgentInstance(instance)
	task := &store.AgentTask{
		ID: "task-1", Name: "manual-task", AgentInstanceID: "inst-1",
		Instruction: "Do the thing.", ScheduleType: store.ScheduleManual,
		Status: store.TaskStatusActive, UserID: "user-1",
		MaxExecutions: &max, ExecutionCount: 1,
	}
	repo.PutAgentTask(task)
	exec := seedExecution(repo, task.ID)

	runner := &fakeRunner{output: "ok"}
	engine := newTestEngine(repo, runner, &fakeScheduler{})

	if err := engine.Run(context.Background(), task, exec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	updated, _ := repo.GetAgentTask(context.Background(), task.ID)
	if updated.Status != store.TaskStatusCompleted {
		t.Errorf("got task status %q, want completed once max_executions is reached", updated.Status)
	}
	if updated.ExecutionCount != 2 {
		t.Errorf("got execution count %d, want 2", updated.ExecutionCount)
	}
}

func TestRunManualTaskBelowCapStaysActive(t *testing.T) {
	repo := store.NewMemRepository()
	max := 5
	instance := &store.AgentInstance{
		ID: "inst-1", Provider: store.ProviderOpenAI, ModelName: "gpt-4",
		APIKey: "key", AgentType: store.AgentTypeOneShot, UserID: "user-1",
	}
	repo.PutAgentInstance(instance)
	task := &store.AgentTask{
		ID: "task-1", Name: "manual-task", AgentInstanceID: "inst-1",
		Instruction: "Do the thing.", ScheduleType: store.ScheduleManual,
		Status: store.TaskStatusActive, UserID: "user-1",
		MaxExecutions: &max, ExecutionCount: 1,
	}
	repo.PutAgentTask(task)
	exec := seedExecution(repo, task.ID)

	runner := &fakeRunner{output: "ok"}
	engine := newTestEngine(repo, runner, &fakeScheduler{})

	if err := engine.Run(context.Background(), task, exec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	updated, _ := repo.GetAgentTask(context.Background(), task.ID)
	if updated.Status != store.TaskStatusActive {
		t.Errorf("got task status %q, want still active below max_executions", updated.Status)
	}
}

func TestRunHourlyTaskRecomputesNextExecution(t *testing.T) {
	repo := store.NewMemRepository()
	instance := &store.AgentInstance{
		ID: "inst-1", Provider: store.ProviderOpenAI, ModelName: "gpt-4",
		APIKey: "key", AgentType: store.AgentTypeOneShot, UserID: "user-1",
	}
	repo.PutAgentInstance(instance)
	task := &store.AgentTask{
		ID: "task-1", Name: "hourly-task", AgentInstanceID: "inst-1",
		Instruction: "Poll something.", ScheduleType: store.ScheduleHourly,
		Status: store.TaskStatusActive, UserID: "user-1",
	}
	repo.PutAgentTask(task)
	exec := seedExecution(repo, task.ID)

	runner := &fakeRunner{output: "ok"}
	engine := newTestEngine(repo, runner, &fakeScheduler{})

	if err := engine.Run(context.Background(), task, exec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	updated, _ := repo.GetAgentTask(context.Background(), task.ID)
	if updated.Status != store.TaskStatusActive {
		t.Errorf("got task status %q, want active (recurring tasks never go terminal on success)", updated.Status)
	}
	if updated.NextExecutionAt == nil {
		t.Fatal("got nil next_execution_at for an hourly task")
	}
}

func TestRunFormatsSourcesBlockAndEnhancesInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello from source"))
	}))
	defer srv.Close()

	repo := store.NewMemRepository()
	_, task := seedOnceTask(repo)
	task.InputSources = []store.InputSource{
		{URL: srv.URL + "/notes.txt", SourceType: "url", Filename: "notes.txt", ContentType: "text/plain"},
	}
	repo.PutAgentTask(task)
	exec := seedExecution(repo, task.ID)

	runner := &fakeRunner{output: "ok"}
	engine := newTestEngine(repo, runner, &fakeScheduler{})

	if err := engine.Run(context.Background(), task, exec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(runner.lastReq.Prompt, "--- INPUT SOURCES ---") {
		t.Errorf("prompt missing sources header: %q", runner.lastReq.Prompt)
	}
	if !strings.Contains(runner.lastReq.Prompt, "Source 1:") {
		t.Errorf("prompt missing source index: %q", runner.lastReq.Prompt)
	}
	if !strings.Contains(runner.lastReq.Prompt, "hello from source") {
		t.Errorf("prompt missing fetched content: %q", runner.lastReq.Prompt)
	}
}

func TestRunFailurePropagatesToTaskAndExecution(t *testing.T) {
	repo := store.NewMemRepository()
	_, task := seedOnceTask(repo)
	exec := seedExecution(repo, task.ID)

	runner := &fakeRunner{err: context.DeadlineExceeded}
	engine := newTestEngine(repo, runner, &fakeScheduler{})

	if err := engine.Run(context.Background(), task, exec); err == nil {
		t.Fatal("expected Run to return an error when dispatch fails")
	}

	if exec.Status != store.ExecutionFailed {
		t.Errorf("got execution status %q, want failed", exec.Status)
	}
	if exec.ErrorMessage == "" {
		t.Error("expected ErrorMessage to be populated on failure")
	}

	updated, _ := repo.GetAgentTask(context.Background(), task.ID)
	if updated.Status != store.TaskStatusFailed {
		t.Errorf("got task status %q, want failed", updated.Status)
	}
}

func TestRunTriggersChainedTask(t *testing.T) {
	repo := store.NewMemRepository()
	_, task := seedOnceTask(repo)
	child := &store.AgentTask{
		ID: "task-2", Name: "child-task", AgentInstanceID: "inst-1",
		Instruction: "React to parent output.", ScheduleType: store.ScheduleAgent,
		Status: store.TaskStatusActive, UserID: "user-1", TriggeredByTaskID: task.ID,
		InputSources: []store.InputSource{{URL: "placeholder://", SourceType: "placeholder"}},
	}
	repo.PutAgentTask(child)
	exec := seedExecution(repo, task.ID)

	runner := &fakeRunner{output: "chained output"}
	scheduler := &fakeScheduler{}
	engine := newTestEngine(repo, runner, scheduler)

	if err := engine.Run(context.Background(), task, exec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(scheduler.forced) != 1 || scheduler.forced[0] != child.ID {
		t.Fatalf("got forced schedule calls %v, want [%s]", scheduler.forced, child.ID)
	}

	updatedChild, err := repo.GetAgentTask(context.Background(), child.ID)
	if err != nil {
		t.Fatalf("GetAgentTask(child): %v", err)
	}
	if len(updatedChild.InputSources) != 1 {
		t.Fatalf("got %d input sources on child, want 1", len(updatedChild.InputSources))
	}
	src := updatedChild.InputSources[0]
	if src.SourceType != "agent_output" {
		t.Errorf("got source type %q, want agent_output", src.SourceType)
	}
	if src.ProcessedContent != "chained output" {
		t.Errorf("got processed content %q, want chained output", src.ProcessedContent)
	}
	if src.AgentExecutionID != exec.ID {
		t.Errorf("got agent_execution_id %q, want %q", src.AgentExecutionID, exec.ID)
	}
}

func TestRunWithToolBindingRecordsAPICalls(t *testing.T) {
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer apiSrv.Close()

	repo := store.NewMemRepository()
	_, task := seedOnceTask(repo)
	repo.PutAgentProject(&store.AgentProject{ID: "proj-1", Title: "Demo", AgentInstanceIDs: []string{"inst-1"}, UserID: "user-1"})
	repo.PutSecret("proj-1", "user-1", "TOKEN", "secretval")
	exec := seedExecution(repo, task.ID)

	argsJSON := `{"url":"` + apiSrv.URL + `","method":"GET","secret_name":"TOKEN"}`
	runner := &fakeRunner{output: "used a tool", toolCallName: "secure_api_call", toolCallArgs: argsJSON}
	engine := newTestEngine(repo, runner, &fakeScheduler{})

	if err := engine.Run(context.Background(), task, exec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if runner.lastReq.Tools == nil {
		t.Error("expected tools to be bound for a non-use_lambda instance")
	}
	if len(exec.APISecuritySummary.APICalls) != 1 {
		t.Fatalf("got %d audited API calls, want 1", len(exec.APISecuritySummary.APICalls))
	}
	if exec.APISecuritySummary.APICalls[0].SecretName != "TOKEN" {
		t.Errorf("got secret name %q", exec.APISecuritySummary.APICalls[0].SecretName)
	}
}
