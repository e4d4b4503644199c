package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"herald-main/src/internal/schedule"
	"herald-main/src/internal/tasks"
)

// claim marks id as having an attempt in flight. Manual and scheduled
// triggers share the claim, so only one of them can win.
func (e *Engine) claim(id string) bool {
	_, loaded := e.inflight.LoadOrStore(id, struct{}{})
	return !loaded
}

func (e *Engine) release(id string) { e.inflight.Delete(id) }

// ExecuteTask runs one attempt. Manual triggers need a queued, non-recurring
// task; scheduled triggers accept queued, done or failed tasks and force
// them back to queued first.
func (e *Engine) ExecuteTask(ctx context.Context, id string, trigger tasks.Trigger) (tasks.Task, error) {
	if trigger == "" {
		trigger = tasks.TriggerManual
	}
	if !e.claim(id) {
		return tasks.Task{}, fmt.Errorf("%w: %s", tasks.ErrBusy, id)
	}
	defer e.release(id)

	task, err := e.start(id, trigger)
	if err != nil {
		return tasks.Task{}, err
	}

	// Once running, the attempt completes even if the caller goes away.
	// Model and API calls keep their own timeouts.
	runCtx := context.WithoutCancel(ctx)

	begin := time.Now()
	a := newAttempt(e, &task, trigger)
	runErr := a.run(runCtx)
	a.finish(runErr)
	e.Metrics.ObserveAttempt(string(trigger), runErr == nil, time.Since(begin))

	if err := e.persist(task); err != nil {
		slog.Error("failed to persist attempt result", "task_id", id, "error", err)
		return task, fmt.Errorf("save attempt result: %w", err)
	}
	if runErr != nil {
		slog.Error("task attempt failed", "task_id", id, "trigger", trigger, "error", runErr)
		return task, fmt.Errorf("%w: %v", tasks.ErrExecutionFailed, runErr)
	}
	slog.Info("task attempt finished", "task_id", id, "trigger", trigger, "actions", len(task.ExecutedActions))
	return task, nil
}

// start validates the transition and persists the running status before any
// model or network work begins.
func (e *Engine) start(id string, trigger tasks.Trigger) (tasks.Task, error) {
	e.mu.Lock()
	rows, err := e.Tasks.List()
	if err != nil {
		e.mu.Unlock()
		return tasks.Task{}, fmt.Errorf("list tasks: %w", err)
	}
	i := findTask(rows, id)
	if i < 0 {
		e.mu.Unlock()
		return tasks.Task{}, tasks.NotFoundf("task %s", id)
	}
	t := &rows[i]

	switch trigger {
	case tasks.TriggerScheduled:
		if t.Status != tasks.StatusQueued && t.Status != tasks.StatusDone && t.Status != tasks.StatusFailed {
			e.mu.Unlock()
			return tasks.Task{}, tasks.Preconditionf("scheduled task must be queued, done or failed (status %s)", t.Status)
		}
	default:
		if t.Schedule.Enabled {
			e.mu.Unlock()
			return tasks.Task{}, tasks.Preconditionf("task has an active schedule and runs automatically")
		}
		if t.Status != tasks.StatusQueued {
			e.mu.Unlock()
			return tasks.Task{}, tasks.Preconditionf("only queued tasks can be executed manually (status %s)", t.Status)
		}
	}

	now := e.now().UTC()
	if trigger == tasks.TriggerScheduled && t.Status != tasks.StatusQueued {
		prev := t.Status
		t.Status = tasks.StatusQueued
		t.QueuedAt = &now
		t.AppendLog(now, "scheduler_prepare", "ok", "Task prepared for scheduled execution", map[string]any{
			"previousStatus": prev,
		})
	}

	msg := "Manual execution started"
	if trigger == tasks.TriggerScheduled {
		msg = "Scheduled execution started"
	}
	t.AppendLog(now, "init", "ok", msg, map[string]any{
		"taskId":  t.ID,
		"agentId": t.AgentID,
		"trigger": trigger,
	})
	t.Status = tasks.StatusRunning
	t.StartedAt = &now
	t.ExecutedAt = nil
	t.ModelOutputRaw = ""
	t.ModelOutputParsed = nil
	t.ExecutedActions = []tasks.ActionResult{}
	t.ExecutionResult = ""
	t.ExecutionError = ""
	t.UpdatedAt = now

	started := t.Clone()
	err = e.Tasks.SaveAll(rows)
	e.mu.Unlock()
	if err != nil {
		return tasks.Task{}, fmt.Errorf("save task: %w", err)
	}
	e.notify(started)
	return started, nil
}

// RunScheduledTask runs a due recurring task and then stamps the outcome and
// the next run computed from now, whether or not the attempt succeeded.
func (e *Engine) RunScheduledTask(ctx context.Context, id string, now time.Time) (tasks.Task, error) {
	current, err := e.GetTask(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	if !current.Schedule.Enabled {
		return current, tasks.Preconditionf("task %s has no active schedule", id)
	}
	rule, err := schedule.ParseRule(current.Schedule.Days, current.Schedule.Time, current.Schedule.Timezone)
	if err != nil {
		return current, tasks.Validationf("%v", err)
	}

	_, runErr := e.ExecuteTask(ctx, id, tasks.TriggerScheduled)
	if errors.Is(runErr, tasks.ErrBusy) || errors.Is(runErr, tasks.ErrNotFound) {
		return current, runErr
	}

	next, nextErr := schedule.NextRun(rule, now)
	updated, err := e.mutate(id, func(t *tasks.Task, stamp time.Time) error {
		ran := now.UTC()
		t.LastRunAt = &ran
		t.LastRunStatus = "ok"
		t.LastRunError = ""
		status := "ok"
		msg := "Scheduled execution finished"
		if runErr != nil {
			t.LastRunStatus = "error"
			t.LastRunError = runErr.Error()
			status = "error"
			msg = "Scheduled execution finished with error"
		}
		// A result that could not be saved leaves the stored copy running,
		// which would keep the task out of every later sweep.
		if _, busy := e.inflight.Load(id); t.Status == tasks.StatusRunning && !busy {
			t.Status = tasks.StatusFailed
			t.ExecutedAt = &stamp
			if runErr != nil {
				t.ExecutionError = runErr.Error()
			}
		}
		if nextErr == nil {
			t.NextRunAt = &next
		}
		t.UpdatedAt = stamp
		data := map[string]any{
			"nextRunAt":    t.NextRunAt,
			"timezone":     t.Schedule.Timezone,
			"scheduleTime": t.Schedule.Time,
			"scheduleDays": t.Schedule.Days,
		}
		if runErr != nil {
			data["error"] = runErr.Error()
		}
		t.AppendLog(stamp, "scheduler", status, msg, data)
		return nil
	})
	if err != nil {
		return tasks.Task{}, err
	}
	if nextErr != nil {
		return updated, fmt.Errorf("%w: compute next run for %s: %v", tasks.ErrValidation, id, nextErr)
	}
	if runErr != nil {
		return updated, runErr
	}
	return updated, nil
}
