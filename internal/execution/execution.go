// Package execution implements the Execution Engine: the single-execution
// orchestrator that drives one AgentTaskExecution from pending through to a
// terminal status, fetching and preprocessing input sources, rendering the
// enhanced instruction, dispatching to a provider, and triggering any
// downstream chained tasks.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/sympozium/agentcore/internal/config"
	"github.com/sympozium/agentcore/internal/fetch"
	"github.com/sympozium/agentcore/internal/preprocess"
	"github.com/sympozium/agentcore/internal/provider"
	"github.com/sympozium/agentcore/internal/sandbox"
	"github.com/sympozium/agentcore/internal/store"
	"github.com/sympozium/agentcore/internal/template"
	"github.com/sympozium/agentcore/internal/tools"
)

// Scheduler is the slice of the scheduler's surface the Execution Engine
// needs for chain triggers: enqueue a forced (bypassing next_execution_at)
// execution of a task, never in-process, to avoid reentrant locks — per
// spec.md §4.7 step 7's explicit "not in-process" note.
type Scheduler interface {
	ScheduleForced(ctx context.Context, taskID string) error
}

// providerRunner is the slice of *provider.Dispatcher's surface the engine
// needs, defined as an interface so tests can substitute a fake completion
// without a live LLM endpoint — the same seam used by provider.lambdaInvoker.
type providerRunner interface {
	Run(ctx context.Context, instance *store.AgentInstance, req provider.Request) (*provider.Response, error)
}

// Engine orchestrates single executions end to end. A fresh dispatcher is
// built per execution so the tool dispatcher bound to it is scoped to that
// execution's (project, user), per spec.md §4.5's tool-binding model — cfg
// and lambdaClient are otherwise shared, cheap-to-reuse handles.
type Engine struct {
	repo      store.Repository
	fetcher   *fetch.Fetcher
	renderer  *template.Renderer
	scheduler Scheduler

	newDispatcher func(toolExecutor provider.ToolExecutor) providerRunner
}

// New constructs an Engine wired to its dependencies. lambdaClient may be
// nil if remote execution is disabled.
func New(repo store.Repository, fetcher *fetch.Fetcher, renderer *template.Renderer, cfg *config.Config, lambdaClient *lambda.Client, scheduler Scheduler) *Engine {
	return &Engine{
		repo:      repo,
		fetcher:   fetcher,
		renderer:  renderer,
		scheduler: scheduler,
		newDispatcher: func(toolExecutor provider.ToolExecutor) providerRunner {
			return provider.NewDispatcher(cfg, lambdaClient, toolExecutor)
		},
	}
}

// newEngineForTest builds an Engine around an arbitrary dispatcher factory,
// bypassing the provider.Dispatcher-typed constructor.
func newEngineForTest(repo store.Repository, fetcher *fetch.Fetcher, renderer *template.Renderer, scheduler Scheduler, newDispatcher func(provider.ToolExecutor) providerRunner) *Engine {
	return &Engine{repo: repo, fetcher: fetcher, renderer: renderer, scheduler: scheduler, newDispatcher: newDispatcher}
}

// processedSource is one input source after fetch + preprocess, trimmed of
// binary payload before it is persisted to the execution's input_data.
type processedSource struct {
	SourceURL        string `json:"source_url"`
	SourceType       string `json:"source_type"`
	Filename         string `json:"filename,omitempty"`
	ContentType      string `json:"content_type,omitempty"`
	FileType         string `json:"file_type,omitempty"`
	ProcessedContent string `json:"processed_content,omitempty"`
	SizeBytes        int64  `json:"size_bytes,omitempty"`
	OriginalSize     int64  `json:"original_size,omitempty"`
	Error            string `json:"error,omitempty"`
}

type inputData struct {
	Instruction         string             `json:"instruction"`
	EnhancedInstruction string             `json:"enhanced_instruction"`
	TaskName            string             `json:"task_name"`
	ExecutionID         string             `json:"execution_id"`
	InputSources        []processedSource  `json:"input_sources"`
	HasRawFiles         bool               `json:"has_raw_files"`
}

// Run drives execution exec (for task task) through the full sequence.
// exec.Status must already be ExecutionPending; Run persists every
// intermediate state transition through repo.
func (e *Engine) Run(ctx context.Context, task *store.AgentTask, exec *store.AgentTaskExecution) error {
	startedAt := time.Now()
	exec.Status = store.ExecutionRunning
	exec.StartedAt = &startedAt
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("execution: persisting running status: %w", err)
	}

	// Tool binding and template rendering are both scoped to T.agent_instance's
	// first project, per spec.md §4.7; an instance in no project still runs,
	// it just can't resolve {{secrets}} or call secure_api_call.
	var toolDispatcher *tools.Dispatcher
	projectID := ""
	if project, projErr := e.repo.FirstProjectForInstance(ctx, task.AgentInstanceID); projErr == nil {
		projectID = project.ID
		toolDispatcher = tools.New(e.repo, project.ID, task.UserID)
	}

	sources, hasRawFiles, sourcesBlock := e.processInputSources(ctx, task.InputSources)

	in := &inputData{
		Instruction:  task.Instruction,
		TaskName:     task.Name,
		ExecutionID:  exec.ID,
		InputSources: sources,
		HasRawFiles:  hasRawFiles,
	}

	renderedInstruction := e.renderer.Render(ctx, task.Instruction, projectID, task.UserID)
	enhancedInstruction := renderedInstruction
	if sourcesBlock != "" {
		enhancedInstruction = renderedInstruction + "\n\n--- INPUT SOURCES ---\n" + sourcesBlock
	}
	in.EnhancedInstruction = enhancedInstruction

	// Persist input_data before dispatch so a crash mid-dispatch still
	// leaves an audit trail.
	if inputJSON, marshalErr := json.Marshal(in); marshalErr == nil {
		exec.InputData = inputJSON
		_ = e.repo.UpdateExecution(ctx, exec)
	}

	instance, err := e.repo.GetAgentInstance(ctx, task.AgentInstanceID)
	if err != nil {
		return e.fail(ctx, task, exec, startedAt, fmt.Errorf("loading agent instance: %w", err))
	}

	req := provider.Request{
		Prompt:       enhancedInstruction,
		SystemPrompt: instance.Instruction,
		MaxTokens:    0,
		Context: map[string]any{
			"task_name":     task.Name,
			"execution_id":  exec.ID,
			"has_raw_files": hasRawFiles,
		},
		AgentType: instance.AgentType,
		AgentName: instance.FriendlyName,
	}

	if !instance.UseLambda {
		// The remote-execution wire format never carries tool calls across
		// the RPC boundary (enable_tools is always sent false), so tools
		// are only bound for in-process dispatch.
		req.Tools = tools.Definitions()
	}

	// toolExecutor starts as a nil interface; it is only assigned a
	// concrete value when toolDispatcher is non-nil, so a project-less
	// instance never hands the provider a typed-nil ToolExecutor.
	var toolExecutor provider.ToolExecutor
	if toolDispatcher != nil {
		toolExecutor = toolDispatcher
	}
	dispatcher := e.newDispatcher(toolExecutor)

	resp, err := dispatcher.Run(ctx, instance, req)
	if err != nil {
		return e.fail(ctx, task, exec, startedAt, fmt.Errorf("dispatching to provider: %w", err))
	}

	if toolDispatcher != nil {
		exec.APISecuritySummary.APICalls = append(exec.APISecuritySummary.APICalls, toolDispatcher.Calls()...)
	}

	completedAt := time.Now()
	exec.Status = store.ExecutionCompleted
	exec.CompletedAt = &completedAt
	exec.ExecutionTimeSeconds = completedAt.Sub(startedAt).Seconds()
	exec.OutputData = &store.OutputData{Result: resp.Output}
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("execution: persisting completed status: %w", err)
	}

	e.updateTaskOnCompletion(ctx, task, completedAt)

	e.triggerChain(ctx, task, exec, resp.Output)

	log.Printf("execution: %s completed in %.2fs", exec.ID, exec.ExecutionTimeSeconds)
	return nil
}

// processInputSources fetches and preprocesses every descriptor in
// sources, building both the sanitized per-source records (for input_data)
// and the combined text block described in spec.md §4.7 step 2.
func (e *Engine) processInputSources(ctx context.Context, sources []store.InputSource) ([]processedSource, bool, string) {
	if len(sources) == 0 {
		return nil, false, ""
	}

	var (
		processed   []processedSource
		hasRawFiles bool
		blocks      []string
	)

	for i, src := range sources {
		dir, cleanup, err := sandbox.With(fmt.Sprintf("exec-src-%d", i))
		if err != nil {
			log.Printf("execution: sandbox setup failed for source %d: %v", i, err)
			processed = append(processed, processedSource{SourceURL: src.URL, SourceType: src.SourceType, Error: err.Error()})
			blocks = append(blocks, formatSourceBlock(i+1, processedSource{SourceURL: src.URL, SourceType: src.SourceType, Error: err.Error()}))
			continue
		}

		ps, rawFile := e.processSingleSource(ctx, src, dir)
		cleanup()

		if rawFile {
			hasRawFiles = true
		}
		processed = append(processed, ps)
		blocks = append(blocks, formatSourceBlock(i+1, ps))
	}

	return processed, hasRawFiles, strings.Join(blocks, "")
}

func (e *Engine) processSingleSource(ctx context.Context, src store.InputSource, sandboxDir string) (processedSource, bool) {
	ps := processedSource{SourceURL: src.URL, SourceType: src.SourceType, Filename: src.Filename, ContentType: src.ContentType}

	result, err := e.fetcher.Fetch(ctx, src, sandboxDir)
	if err != nil {
		ps.Error = err.Error()
		ps.ProcessedContent = fmt.Sprintf("[Error processing %s URL: %s]", src.SourceType, src.URL)
		return ps, false
	}
	ps.SizeBytes = result.SizeBytes
	ps.OriginalSize = src.Size
	if ps.Filename == "" {
		ps.Filename = result.Filename
	}
	if ps.ContentType == "" {
		ps.ContentType = result.ContentType
	}

	out, err := preprocess.Process(result.FilePath, src)
	if err != nil {
		ps.Error = err.Error()
		ps.ProcessedContent = fmt.Sprintf("[Error processing %s URL: %s]", src.SourceType, src.URL)
		return ps, false
	}

	ps.FileType = fileTypeLabel(result.FileType, src.URL)
	ps.ProcessedContent = out.ProcessedContent
	return ps, out.IsRawPassthrough
}

func fileTypeLabel(class sandbox.FileClass, url string) string {
	if strings.HasSuffix(strings.ToLower(url), ".json") || strings.HasSuffix(strings.ToLower(url), ".jsonl") {
		return "json"
	}
	return string(class)
}

// formatSourceBlock renders one source's contribution to the sources text
// block, matching spec.md §4.7 step 2's layout exactly.
func formatSourceBlock(index int, s processedSource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nSource %d: %s\n", index, orUnknown(s.SourceURL))
	fmt.Fprintf(&b, "Source Type: %s\n", orUnknown(s.SourceType))

	if s.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", s.Error)
	} else {
		fmt.Fprintf(&b, "File Type: %s (%s)\n", orUnknown(s.FileType), orUnknown(s.ContentType))
		fmt.Fprintf(&b, "Filename: %s\n", orUnknown(s.Filename))

		if s.FileType == "text" || s.FileType == "json" {
			fmt.Fprintf(&b, "Content:\n%s\n", orPlaceholder(s.ProcessedContent, "[No content]"))
		} else {
			fmt.Fprintf(&b, "Description: %s\n", orPlaceholder(s.ProcessedContent, "[Binary file]"))
			if s.SizeBytes > 0 {
				fmt.Fprintf(&b, "File Size: %.2f MB\n", float64(s.SizeBytes)/(1024*1024))
			} else if s.OriginalSize > 0 {
				fmt.Fprintf(&b, "Original File Size: %.2f MB\n", float64(s.OriginalSize)/(1024*1024))
			}
		}
	}

	b.WriteString("\n" + strings.Repeat("-", 50) + "\n")
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

// updateTaskOnCompletion applies spec.md §4.7 step 6.
func (e *Engine) updateTaskOnCompletion(ctx context.Context, task *store.AgentTask, completedAt time.Time) {
	task.ExecutionCount++
	task.LastExecutedAt = &completedAt
	task.NextExecutionAt = task.CalculateNextExecution(completedAt)

	if task.NextExecutionAt == nil {
		switch {
		case task.CapReached():
			task.Status = store.TaskStatusCompleted
		case task.ScheduleType == store.ScheduleOnce:
			task.Status = store.TaskStatusCompleted
		default:
			// manual / agent: stay active until paused or max reached.
		}
	}

	if err := e.repo.UpdateAgentTask(ctx, task); err != nil {
		log.Printf("execution: failed to update task %s after completion: %v", task.ID, err)
	}
}

// triggerChain implements spec.md §4.7 step 7: replace every downstream
// task's input sources with this execution's output and enqueue a forced
// (not in-process) re-execution via the Scheduler.
func (e *Engine) triggerChain(ctx context.Context, task *store.AgentTask, exec *store.AgentTaskExecution, filteredOutput string) {
	triggered, err := e.repo.ListTasksTriggeredBy(ctx, task.ID)
	if err != nil {
		log.Printf("execution: listing chained tasks for %s: %v", task.ID, err)
		return
	}
	if len(triggered) == 0 {
		return
	}

	preprocessingOptions := store.InputSource{}
	if len(task.InputSources) > 0 {
		first := task.InputSources[0]
		preprocessingOptions.SkipPreprocessing = first.SkipPreprocessing
		preprocessingOptions.PreprocessImage = first.PreprocessImage
		preprocessingOptions.IsDocumentWithText = first.IsDocumentWithText
		preprocessingOptions.ReplaceImagesWithDescriptions = first.ReplaceImagesWithDescriptions
		preprocessingOptions.ContainsImages = first.ContainsImages
		preprocessingOptions.ExtractImagesAsText = first.ExtractImagesAsText
	}

	for _, child := range triggered {
		inFlight, err := e.repo.HasNonTerminalExecution(ctx, child.ID)
		if err != nil {
			log.Printf("execution: checking in-flight state for triggered task %s: %v", child.ID, err)
			continue
		}
		if inFlight {
			log.Printf("execution: skipping triggered task %s, already has a pending/running execution", child.ID)
			continue
		}

		triggerSource := store.InputSource{
			URL:                           fmt.Sprintf("agent-output://%s", exec.ID),
			SourceType:                    "agent_output",
			Filename:                      fmt.Sprintf("%s_output.txt", task.Name),
			ContentType:                   "text/plain",
			AgentExecutionID:              exec.ID,
			ProcessedContent:              filteredOutput,
			SkipPreprocessing:             preprocessingOptions.SkipPreprocessing,
			PreprocessImage:               preprocessingOptions.PreprocessImage,
			IsDocumentWithText:            preprocessingOptions.IsDocumentWithText,
			ReplaceImagesWithDescriptions: preprocessingOptions.ReplaceImagesWithDescriptions,
			ContainsImages:                preprocessingOptions.ContainsImages,
			ExtractImagesAsText:           preprocessingOptions.ExtractImagesAsText,
		}

		child.InputSources = []store.InputSource{triggerSource}
		if err := e.repo.UpdateAgentTask(ctx, child); err != nil {
			log.Printf("execution: replacing input sources for triggered task %s: %v", child.ID, err)
			continue
		}

		if err := e.scheduler.ScheduleForced(ctx, child.ID); err != nil {
			log.Printf("execution: failed to schedule triggered task %s: %v", child.ID, err)
		}
	}
}

// fail implements the on-exception branch: mark the execution and task
// failed, record the error and duration.
func (e *Engine) fail(ctx context.Context, task *store.AgentTask, exec *store.AgentTaskExecution, startedAt time.Time, cause error) error {
	completedAt := time.Now()
	exec.Status = store.ExecutionFailed
	exec.CompletedAt = &completedAt
	exec.ExecutionTimeSeconds = completedAt.Sub(startedAt).Seconds()
	exec.ErrorMessage = cause.Error()
	if err := e.repo.UpdateExecution(ctx, exec); err != nil {
		log.Printf("execution: failed to persist failure for %s: %v", exec.ID, err)
	}

	task.Status = store.TaskStatusFailed
	if err := e.repo.UpdateAgentTask(ctx, task); err != nil {
		log.Printf("execution: failed to mark task %s failed: %v", task.ID, err)
	}

	log.Printf("execution: %s failed: %v", exec.ID, cause)
	return cause
}
