package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/agentplane/internal/audit"
	"github.com/fentz26/agentplane/internal/models"
	"github.com/fentz26/agentplane/internal/scheduler"
)

// SubmitTask creates a Pending task for a registered agent.
func (o *Orchestrator) SubmitTask(ctx context.Context, agentName, taskType string, payload map[string]any, opts ...scheduler.TaskOption) (*models.Task, error) {
	if o.sched == nil {
		return nil, ErrNoScheduler
	}
	if _, ok := o.Agent(agentName); !ok {
		return nil, ErrAgentNotFound
	}
	return o.sched.CreateTask(agentName, taskType, payload, opts...), nil
}

// ExecuteTask runs one Pending task on its agent. On failure the scheduler's
// retry contract decides between another attempt after a backoff and a
// terminal Failed status.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) models.TaskResult {
	if o.sched == nil {
		return failed(ErrNoScheduler)
	}
	task, ok := o.sched.GetTask(taskID)
	if !ok {
		return failed(ErrTaskNotFound)
	}
	if o.sched.IsTemplate(taskID) || task.Status != models.TaskStatusPending {
		return failed(ErrTaskNotRunnable)
	}
	a, ok := o.Agent(task.AgentName)
	if !ok {
		return failed(ErrAgentNotFound)
	}
	if a.Status() != models.AgentStatusRunning {
		return failed(ErrAgentNotRunning)
	}
	if !o.sched.UpdateTaskStatus(taskID, models.TaskStatusRunning, nil, "") {
		return failed(ErrTaskNotRunnable)
	}

	log := o.logger.With(
		zap.String("task_id", taskID),
		zap.String("agent", task.AgentName),
		zap.String("task_type", task.TaskType),
	)

	started := o.now()
	res := processSafely(ctx, a, models.TaskRequest{
		TaskID:  taskID,
		Type:    task.TaskType,
		Payload: task.Payload,
	})
	elapsed := o.now().Sub(started)

	if res.Success {
		if !o.sched.UpdateTaskStatus(taskID, models.TaskStatusCompleted, res.Data, "") {
			// Cancelled while running; the cancellation stands.
			log.Info("task_result_discarded")
			return res
		}
		log.Info("task_completed", zap.Duration("duration", elapsed))
		o.publish(ctx, models.EventTaskCompleted, task.AgentName, map[string]any{
			"task_id":   taskID,
			"task_type": task.TaskType,
			"result":    res.Data,
		})
		o.metrics.RecordTaskCompleted(ctx, task.AgentName, task.TaskType, elapsed)
		return res
	}

	attempt := task.RetryCount + 1
	retryAt := o.now().Add(o.config.backoffDuration(attempt))
	retried, ok := o.sched.RecordFailure(taskID, res.Error, retryAt)
	if !ok {
		log.Info("task_failure_discarded", zap.String("error", res.Error))
		return res
	}
	o.metrics.RecordTaskFailure(ctx, task.AgentName, task.TaskType, elapsed, retried)

	inputs := map[string]any{"task_id": taskID, "attempt": attempt}
	if retried {
		log.Warn("task_retry", zap.Int("attempt", attempt), zap.Time("retry_at", retryAt), zap.String("error", res.Error))
		o.record("task.retry", inputs, audit.OutcomeFailure, taskID, res.Error)
		return res
	}

	final, _ := o.sched.GetTask(taskID)
	reason := res.Error
	if final != nil {
		reason = final.Error
	}
	log.Error("task_failed", zap.Int("attempts", attempt), zap.String("error", reason))
	o.record("task.exhausted", inputs, audit.OutcomeFailure, taskID, reason)
	o.publish(ctx, models.EventTaskFailed, task.AgentName, map[string]any{
		"task_id":     taskID,
		"task_type":   task.TaskType,
		"error":       reason,
		"retry_count": task.RetryCount,
	})
	return models.TaskResult{Success: false, Data: res.Data, Error: reason}
}

// DispatchPending executes every due task whose agent is running. Agents run
// concurrently; one agent's tasks run in priority order.
func (o *Orchestrator) DispatchPending(ctx context.Context) map[string]models.TaskResult {
	results := make(map[string]models.TaskResult)
	if o.sched == nil {
		return results
	}

	byAgent := make(map[string][]*models.Task)
	var order []string
	for _, t := range o.sched.DueTasks() {
		if !o.IsAgentRunning(t.AgentName) {
			continue
		}
		if _, seen := byAgent[t.AgentName]; !seen {
			order = append(order, t.AgentName)
		}
		byAgent[t.AgentName] = append(byAgent[t.AgentName], t)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if o.config.MaxConcurrency > 0 {
		g.SetLimit(o.config.MaxConcurrency)
	}
	for _, name := range order {
		tasks := byAgent[name]
		g.Go(func() error {
			for _, t := range tasks {
				if gctx.Err() != nil {
					return nil
				}
				res := o.ExecuteTask(gctx, t.ID)
				mu.Lock()
				results[t.ID] = res
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dispatchScheduled adapts ExecuteTask to the scheduler's worker pool.
func (o *Orchestrator) dispatchScheduled(ctx context.Context, task *models.Task) {
	o.ExecuteTask(ctx, task.ID)
}

func failed(err error) models.TaskResult {
	return models.TaskResult{Success: false, Error: err.Error()}
}
