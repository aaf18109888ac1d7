// Package scheduler implements the Scheduler (spec §4.8): a periodic scan
// for tasks whose next_execution_at has come due, an immediate/forced
// dispatch path for chain-triggered tasks, and a worker pool that drains
// the resulting queue and runs the Execution Engine to completion.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sympozium/agentcore/internal/config"
	"github.com/sympozium/agentcore/internal/eventbus"
	"github.com/sympozium/agentcore/internal/store"
)

// Engine is the slice of *execution.Engine's surface the Scheduler needs,
// defined as an interface so tests can substitute a fake run without
// wiring a full provider/fetch/template stack.
type Engine interface {
	Run(ctx context.Context, task *store.AgentTask, exec *store.AgentTaskExecution) error
}

// executionRequest is the wire payload published on
// eventbus.TopicExecutionRequested; (task_id, execution_id) is enough for a
// worker to load both rows fresh before invoking the Execution Engine.
type executionRequest struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
}

// fixedCronSpecs are standard 5-field cron expressions for the four literal
// recurring schedule types, used only as a consistency cross-check against
// AgentTask.CalculateNextExecution's fixed-duration arithmetic — the closed
// ScheduleType enum is not an arbitrary cron string, so these never drive
// scheduling decisions directly, only the Scheduler's own drift warning.
var fixedCronSpecs = map[store.ScheduleType]string{
	store.ScheduleHourly:  "0 * * * *",
	store.ScheduleDaily:   "0 0 * * *",
	store.ScheduleWeekly:  "0 0 * * 0",
	store.ScheduleMonthly: "0 0 1 * *",
}

func buildCronSchedules() map[store.ScheduleType]cron.Schedule {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	out := make(map[store.ScheduleType]cron.Schedule, len(fixedCronSpecs))
	for st, spec := range fixedCronSpecs {
		sched, err := parser.Parse(spec)
		if err != nil {
			panic(fmt.Sprintf("scheduler: invalid built-in cron spec %q: %v", spec, err))
		}
		out[st] = sched
	}
	return out
}

// calendarDriftWarnThreshold bounds how far a task's fixed-interval
// next_execution_at may diverge from the calendar-aligned cron slot before
// it is worth a log line. A task whose runs are not on a calendar boundary
// differs from the cron slot by up to one full period (under an hour for
// hourly, under a day for daily), so hourly and daily tasks stay below the
// threshold, while weekly and monthly tasks off a calendar boundary can
// exceed it and are logged.
const calendarDriftWarnThreshold = 48 * time.Hour

// Scheduler owns the pending-task scan loop, the forced-dispatch path used
// for chain-triggered tasks, and the worker pool that executes both.
type Scheduler struct {
	repo   store.Repository
	bus    eventbus.EventBus
	engine Engine

	scanInterval  time.Duration
	poolSize      int
	cronSchedules map[store.ScheduleType]cron.Schedule
}

// New constructs a Scheduler. cfg.SchedulerScanInterval and
// cfg.WorkerPoolSize of zero fall back to a 1-minute scan and a single
// worker, respectively.
func New(repo store.Repository, bus eventbus.EventBus, engine Engine, cfg *config.Config) *Scheduler {
	scanInterval := cfg.SchedulerScanInterval
	if scanInterval <= 0 {
		scanInterval = time.Minute
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Scheduler{
		repo:          repo,
		bus:           bus,
		engine:        engine,
		scanInterval:  scanInterval,
		poolSize:      poolSize,
		cronSchedules: buildCronSchedules(),
	}
}

// Run starts the worker pool and the periodic scan loop; it blocks until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for i := 0; i < s.poolSize; i++ {
		go s.runWorker(ctx, i)
	}

	s.scanOnce(ctx)

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce lists every task that is due and enqueues it, skipping any task
// that already has an in-flight execution (P1) rather than treating that as
// an error — another scan cycle, or a chain trigger, already has it covered.
func (s *Scheduler) scanOnce(ctx context.Context) {
	tasks, err := s.repo.ListReadyTasks(ctx)
	if err != nil {
		log.Printf("scheduler: scanning ready tasks: %v", err)
		return
	}
	for _, task := range tasks {
		if err := s.enqueue(ctx, task.ID); err != nil && !errors.Is(err, store.ErrInFlight) {
			log.Printf("scheduler: enqueuing task %s: %v", task.ID, err)
		}
		s.warnOnCalendarDrift(task)
	}
}

func (s *Scheduler) warnOnCalendarDrift(task *store.AgentTask) {
	sched, ok := s.cronSchedules[task.ScheduleType]
	if !ok || task.LastExecutedAt == nil || task.NextExecutionAt == nil {
		return
	}
	calendarNext := sched.Next(*task.LastExecutedAt)
	drift := calendarNext.Sub(*task.NextExecutionAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > calendarDriftWarnThreshold {
		log.Printf("scheduler: task %s next_execution_at %s diverges from calendar-aligned %s cadence (%s) by %s",
			task.ID, task.NextExecutionAt.Format(time.RFC3339), task.ScheduleType,
			calendarNext.Format(time.RFC3339), drift)
	}
}

// ScheduleForced enqueues taskID for immediate execution regardless of its
// next_execution_at, satisfying the execution.Scheduler interface used by
// the Execution Engine's chain-trigger step. Dispatch happens through the
// queue, not in-process, so a chain trigger never reenters the triggering
// execution's own lock.
//
// Forced dispatch bypasses the next_execution_at gate ListReadyTasks
// applies, but per spec.md §4.8 it still only fires for a task that is
// status=active and under its max_executions cap (P4) — it still goes
// through enqueue's P1 in-flight check on top of that.
func (s *Scheduler) ScheduleForced(ctx context.Context, taskID string) error {
	task, err := s.repo.GetAgentTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("scheduler: loading task %s for forced dispatch: %w", taskID, err)
	}
	if task.Status != store.TaskStatusActive {
		return fmt.Errorf("scheduler: task %s: %w", taskID, store.ErrTaskNotActive)
	}
	if task.CapReached() {
		return fmt.Errorf("scheduler: task %s: %w", taskID, store.ErrExecutionCapReached)
	}
	return s.enqueue(ctx, taskID)
}

// enqueue creates a new pending execution for taskID, guarded by P1, and
// publishes it to the work queue.
func (s *Scheduler) enqueue(ctx context.Context, taskID string) error {
	exec := &store.AgentTaskExecution{
		ID:          uuid.NewString(),
		AgentTaskID: taskID,
		Status:      store.ExecutionPending,
	}
	if err := s.repo.CreateExecutionIfNotInFlight(ctx, exec); err != nil {
		return err
	}

	evt, err := eventbus.NewEvent(eventbus.TopicExecutionRequested, nil, executionRequest{
		TaskID:      taskID,
		ExecutionID: exec.ID,
	})
	if err != nil {
		return fmt.Errorf("scheduler: building execution-requested event: %w", err)
	}
	if err := s.bus.Publish(ctx, eventbus.TopicExecutionRequested, evt); err != nil {
		return fmt.Errorf("scheduler: publishing execution-requested event: %w", err)
	}
	return nil
}

func (s *Scheduler) runWorker(ctx context.Context, id int) {
	ch, err := s.bus.Subscribe(ctx, eventbus.TopicExecutionRequested)
	if err != nil {
		log.Printf("scheduler: worker %d failed to subscribe: %v", id, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ctx, evt)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, evt *eventbus.Event) {
	var msg executionRequest
	if err := json.Unmarshal(evt.Data, &msg); err != nil {
		log.Printf("scheduler: malformed execution-requested event: %v", err)
		return
	}

	task, err := s.repo.GetAgentTask(ctx, msg.TaskID)
	if err != nil {
		log.Printf("scheduler: loading task %s: %v", msg.TaskID, err)
		return
	}
	exec, err := s.repo.GetExecution(ctx, msg.ExecutionID)
	if err != nil {
		log.Printf("scheduler: loading execution %s: %v", msg.ExecutionID, err)
		return
	}

	s.publishBestEffort(ctx, eventbus.TopicExecutionStarted, msg)
	if err := s.engine.Run(ctx, task, exec); err != nil {
		log.Printf("scheduler: execution %s failed: %v", exec.ID, err)
		s.publishBestEffort(ctx, eventbus.TopicExecutionFailed, msg)
		return
	}
	s.publishBestEffort(ctx, eventbus.TopicExecutionCompleted, msg)
}

// publishBestEffort emits an observability event; a publish failure here
// never fails the execution itself, it only loses a status notification.
func (s *Scheduler) publishBestEffort(ctx context.Context, topic string, msg executionRequest) {
	evt, err := eventbus.NewEvent(topic, nil, msg)
	if err != nil {
		log.Printf("scheduler: building %s event: %v", topic, err)
		return
	}
	if err := s.bus.Publish(ctx, topic, evt); err != nil {
		log.Printf("scheduler: publishing %s event: %v", topic, err)
	}
}
