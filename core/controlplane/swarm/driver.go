package swarm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

// TaskOutcome is what an executor reports for one task. Status is one of
// completed, failed or blocked.
type TaskOutcome struct {
	Status       model.TaskStatus
	Result       string
	Error        string
	InvocationID string
}

// TaskExecutor runs one task, normally through the invocation pipeline.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, run model.SwarmRun, task model.SwarmTaskNode) (TaskOutcome, error)
}

// Driver repeatedly pulls runnable tasks from the orchestrator and executes
// each batch concurrently, bounded by the run's free fan-out slots.
type Driver struct {
	orch *Orchestrator
	exec TaskExecutor
}

func NewDriver(orch *Orchestrator, exec TaskExecutor) *Driver {
	return &Driver{orch: orch, exec: exec}
}

// Drive works the run until it is terminal or nothing is runnable, e.g. all
// remaining tasks are blocked on approval or wait on a failed dependency.
func (d *Driver) Drive(ctx context.Context, runID string) (*model.SwarmRun, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := d.orch.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		batch, err := d.orch.NextRunnableTasks(ctx, runID)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return run, nil
		}
		for _, task := range batch {
			if run, err = d.orch.TransitionTask(ctx, runID, task.ID, model.TaskRunning, TaskDetails{}); err != nil {
				return nil, fmt.Errorf("start task %s: %w", task.ID, err)
			}
		}
		snapshot := *run

		g, gctx := errgroup.WithContext(ctx)
		for _, task := range batch {
			task := task
			g.Go(func() error {
				return d.runTask(gctx, snapshot, task)
			})
		}
		if err := g.Wait(); err != nil {
			// A concurrent cancel turns late reports into conflicts.
			if latest, getErr := d.orch.GetRun(ctx, runID); getErr == nil && latest.Status.Terminal() {
				return latest, nil
			}
			return nil, err
		}
	}
}

func (d *Driver) runTask(ctx context.Context, run model.SwarmRun, task model.SwarmTaskNode) error {
	outcome, err := d.exec.ExecuteTask(ctx, run, task)
	if err != nil {
		outcome = TaskOutcome{Status: model.TaskFailed, Error: err.Error()}
	}
	details := TaskDetails{Result: outcome.Result, Error: outcome.Error, InvocationID: outcome.InvocationID}

	switch outcome.Status {
	case model.TaskCompleted, model.TaskBlocked:
		if _, err := d.orch.TransitionTask(ctx, run.ID, task.ID, outcome.Status, details); err != nil {
			return fmt.Errorf("report task %s: %w", task.ID, err)
		}
		return nil
	}
	if _, _, err := d.orch.FailTask(ctx, run.ID, task.ID, details); err != nil {
		return fmt.Errorf("report task %s: %w", task.ID, err)
	}
	return nil
}
