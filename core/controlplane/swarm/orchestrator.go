// Package swarm schedules task DAGs for multi-agent runs. The orchestrator
// is a pure scheduler over caller-reported progress: it never executes a
// task itself.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/locks"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/metrics"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

// DefaultFanOutCeiling bounds every run's fan-out when no ceiling is configured.
const DefaultFanOutCeiling = 10

const idxWorkspace = "workspace"

// Orchestrator owns swarm runs and their task lists.
type Orchestrator struct {
	runs    docstore.Store[model.SwarmRun]
	locker  locks.Locker
	metrics metrics.Swarm
	ceiling int
	now     func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the in-process per-run lock, e.g. with a Redis lock
// shared by several control plane replicas.
func WithLocker(l locks.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

func WithMetrics(m metrics.Swarm) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithFanOutCeiling sets the system-wide fan-out ceiling.
func WithFanOutCeiling(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.ceiling = n
		}
	}
}

func NewOrchestrator(runs docstore.Store[model.SwarmRun], opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runs:    runs,
		locker:  locks.NewLocal(),
		metrics: metrics.Noop{},
		ceiling: DefaultFanOutCeiling,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateRunInput describes a new run. A non-positive MaxFanOut requests the
// system ceiling.
type CreateRunInput struct {
	WorkspaceID        string
	CoordinatorAgentID string
	MaxFanOut          int
	TraceID            string
	AgentProfiles      []model.AgentProfile
}

// AddTaskInput describes one task. DependsOn ids must already exist in the run.
type AddTaskInput struct {
	ID           string
	ParentTaskID string
	AgentID      string
	Role         model.AgentRole
	Description  string
	ToolName     string
	ToolAction   string
	ToolArgs     map[string]any
	DependsOn    []string
	MaxRetries   int
}

// TaskDetails carries optional outcome fields recorded with a transition.
type TaskDetails struct {
	Result         string
	Error          string
	InvocationID   string
	SpawnedAgentID string
}

// CreateRun stores a new run in planning with an empty task list.
func (o *Orchestrator) CreateRun(ctx context.Context, in CreateRunInput) (*model.SwarmRun, error) {
	if strings.TrimSpace(in.WorkspaceID) == "" {
		return nil, model.ValidationDenied("workspace_id", "workspace id required")
	}
	if strings.TrimSpace(in.CoordinatorAgentID) == "" {
		return nil, model.ValidationDenied("coordinator_agent_id", "coordinator agent id required")
	}
	fanOut := in.MaxFanOut
	if fanOut <= 0 || fanOut > o.ceiling {
		fanOut = o.ceiling
	}
	now := o.now()
	run := model.SwarmRun{
		ID:                 uuid.NewString(),
		WorkspaceID:        in.WorkspaceID,
		CoordinatorAgentID: in.CoordinatorAgentID,
		Status:             model.RunPlanning,
		MaxFanOut:          fanOut,
		Tasks:              []model.SwarmTaskNode{},
		AgentProfiles:      in.AgentProfiles,
		TraceID:            in.TraceID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := o.save(ctx, run); err != nil {
		return nil, err
	}
	logging.Info("swarm", "run created", "run_id", run.ID, "workspace", run.WorkspaceID, "max_fan_out", fanOut)
	return &run, nil
}

// AddTask appends a queued task. Terminal runs accept no new tasks.
func (o *Orchestrator) AddTask(ctx context.Context, runID string, in AddTaskInput) (*model.SwarmTaskNode, error) {
	if strings.TrimSpace(in.AgentID) == "" {
		return nil, model.ValidationDenied("agent_id", "agent id required")
	}
	if in.MaxRetries < 0 {
		return nil, model.ValidationDenied("max_retries", "max retries must not be negative")
	}
	var added model.SwarmTaskNode
	err := o.mutate(ctx, runID, func(run *model.SwarmRun) error {
		if run.Status.Terminal() {
			return model.ConflictMsg("swarm_run", run.ID, fmt.Sprintf("cannot add tasks to %s run", run.Status))
		}
		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = uuid.NewString()
		}
		if run.Task(id) >= 0 {
			return model.ConflictMsg("swarm_task", id, "task id already exists in run")
		}
		for _, dep := range in.DependsOn {
			if dep == id || run.Task(dep) < 0 {
				return model.ValidationDenied("depends_on", fmt.Sprintf("unknown dependency %q", dep))
			}
		}
		added = model.SwarmTaskNode{
			ID:           id,
			SwarmRunID:   run.ID,
			ParentTaskID: in.ParentTaskID,
			AgentID:      in.AgentID,
			Role:         in.Role,
			Description:  in.Description,
			ToolName:     in.ToolName,
			ToolAction:   in.ToolAction,
			ToolArgs:     in.ToolArgs,
			Status:       model.TaskQueued,
			DependsOn:    append([]string(nil), in.DependsOn...),
			MaxRetries:   in.MaxRetries,
			CreatedAt:    o.now(),
		}
		run.Tasks = append(run.Tasks, added)
		recount(run)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// Start moves a run from planning to running.
func (o *Orchestrator) Start(ctx context.Context, runID string) (*model.SwarmRun, error) {
	return o.transitionRun(ctx, runID, model.RunRunning, model.RunPlanning)
}

// Pause stops a running run from handing out new tasks.
func (o *Orchestrator) Pause(ctx context.Context, runID string) (*model.SwarmRun, error) {
	return o.transitionRun(ctx, runID, model.RunPaused, model.RunRunning)
}

// Resume returns a paused run to running and finalizes it if its tasks all
// finished while paused.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*model.SwarmRun, error) {
	return o.transitionRun(ctx, runID, model.RunRunning, model.RunPaused)
}

func (o *Orchestrator) transitionRun(ctx context.Context, runID string, to, from model.SwarmRunStatus) (*model.SwarmRun, error) {
	var out model.SwarmRun
	err := o.mutate(ctx, runID, func(run *model.SwarmRun) error {
		if run.Status != from || !model.CanTransitionRun(run.Status, to) {
			return model.Conflict("swarm_run", run.ID, string(run.Status), string(to))
		}
		run.Status = to
		if to == model.RunRunning && run.StartedAt == nil {
			now := o.now()
			run.StartedAt = &now
		}
		o.finalize(run)
		out = *run
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("swarm", "run transitioned", "run_id", runID, "from", from, "to", out.Status)
	return &out, nil
}

// TransitionTask moves one task, recomputes the run counters and finalizes
// the run once every task is terminal.
func (o *Orchestrator) TransitionTask(ctx context.Context, runID, taskID string, next model.TaskStatus, details TaskDetails) (*model.SwarmRun, error) {
	if !next.Valid() {
		return nil, model.ValidationDenied("status", fmt.Sprintf("unknown task status %q", next))
	}
	var out model.SwarmRun
	err := o.mutate(ctx, runID, func(run *model.SwarmRun) error {
		task, err := openTask(run, taskID)
		if err != nil {
			return err
		}
		if err := o.transition(task, next); err != nil {
			return err
		}
		applyDetails(task, details)
		recount(run)
		o.finalize(run)
		out = *run
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.metrics.IncTaskTransition(string(next))
	return &out, nil
}

// FailTask records a running task as failed and, while its retry budget
// lasts, re-queues it in the same step. Both edges are applied under one
// lock, so the run only finalizes when the failure is final.
func (o *Orchestrator) FailTask(ctx context.Context, runID, taskID string, details TaskDetails) (*model.SwarmRun, bool, error) {
	var (
		out      model.SwarmRun
		requeued bool
	)
	err := o.mutate(ctx, runID, func(run *model.SwarmRun) error {
		task, err := openTask(run, taskID)
		if err != nil {
			return err
		}
		if err := o.transition(task, model.TaskFailed); err != nil {
			return err
		}
		applyDetails(task, details)
		if task.RetryCount <= task.MaxRetries {
			if err := o.transition(task, model.TaskQueued); err != nil {
				return err
			}
			requeued = true
		}
		recount(run)
		o.finalize(run)
		out = *run
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	o.metrics.IncTaskTransition(string(model.TaskFailed))
	if requeued {
		o.metrics.IncTaskTransition(string(model.TaskQueued))
		i := out.Task(taskID)
		logging.Info("swarm", "task requeued", "run_id", runID, "task_id", taskID,
			"retry", out.Tasks[i].RetryCount, "max_retries", out.Tasks[i].MaxRetries)
	}
	return &out, requeued, nil
}

func openTask(run *model.SwarmRun, taskID string) (*model.SwarmTaskNode, error) {
	if run.Status.Terminal() {
		return nil, model.ConflictMsg("swarm_run", run.ID, fmt.Sprintf("run is %s", run.Status))
	}
	i := run.Task(taskID)
	if i < 0 {
		return nil, model.NotFound("swarm_task", taskID)
	}
	return &run.Tasks[i], nil
}

// transition applies one legal task edge and its timestamps.
func (o *Orchestrator) transition(task *model.SwarmTaskNode, next model.TaskStatus) error {
	if !model.CanTransitionTask(task.Status, next) {
		return model.Conflict("swarm_task", task.ID, string(task.Status), string(next))
	}
	if task.Status == model.TaskFailed && next == model.TaskQueued && task.RetryCount > task.MaxRetries {
		return model.ConflictMsg("swarm_task", task.ID, fmt.Sprintf("retry budget exhausted (%d/%d)", task.RetryCount, task.MaxRetries))
	}
	now := o.now()
	switch next {
	case model.TaskRunning:
		if task.Status == model.TaskQueued {
			task.StartedAt = &now
		}
	case model.TaskFailed:
		task.RetryCount++
		task.CompletedAt = &now
	case model.TaskCompleted, model.TaskCanceled:
		task.CompletedAt = &now
	case model.TaskQueued:
		task.StartedAt = nil
		task.CompletedAt = nil
	}
	task.Status = next
	return nil
}

// NextRunnableTasks returns queued tasks whose dependencies all completed,
// in insertion order, limited to the free fan-out slots. Only running runs
// hand out work.
func (o *Orchestrator) NextRunnableTasks(ctx context.Context, runID string) ([]model.SwarmTaskNode, error) {
	run, err := o.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := []model.SwarmTaskNode{}
	if run.Status != model.RunRunning {
		return out, nil
	}
	slots := run.MaxFanOut - run.CurrentFanOut
	for _, task := range run.Tasks {
		if len(out) >= slots {
			break
		}
		if task.Status == model.TaskQueued && depsCompleted(&run, task) {
			out = append(out, task)
		}
	}
	return out, nil
}

// CancelRun force-cancels every unfinished task, then the run itself.
// In-flight gateway calls are not interrupted.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) (*model.SwarmRun, error) {
	var out model.SwarmRun
	err := o.mutate(ctx, runID, func(run *model.SwarmRun) error {
		if !model.CanTransitionRun(run.Status, model.RunCanceled) {
			return model.Conflict("swarm_run", run.ID, string(run.Status), string(model.RunCanceled))
		}
		now := o.now()
		for i := range run.Tasks {
			task := &run.Tasks[i]
			if task.Status.Terminal() {
				continue
			}
			task.Status = model.TaskCanceled
			task.CompletedAt = &now
		}
		run.Status = model.RunCanceled
		run.CompletedAt = &now
		recount(run)
		out = *run
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.metrics.IncRunFinished(string(model.RunCanceled))
	logging.Warn("swarm", "run canceled", "run_id", runID)
	return &out, nil
}

func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*model.SwarmRun, error) {
	run, err := o.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns a workspace's runs in creation order; an empty workspace
// lists every run.
func (o *Orchestrator) ListRuns(ctx context.Context, workspaceID string) ([]model.SwarmRun, error) {
	var (
		out []model.SwarmRun
		err error
	)
	if workspaceID == "" {
		out, err = o.runs.ListAll(ctx)
	} else {
		out, err = o.runs.List(ctx, docstore.By(idxWorkspace, workspaceID))
	}
	if err != nil {
		return nil, fmt.Errorf("list swarm runs: %w", err)
	}
	return out, nil
}

func (o *Orchestrator) mutate(ctx context.Context, runID string, fn func(run *model.SwarmRun) error) error {
	unlock, err := o.locker.Lock(ctx, "swarm:run:"+runID)
	if err != nil {
		return model.Unavailable("lock swarm run", err)
	}
	defer unlock()
	run, err := o.load(ctx, runID)
	if err != nil {
		return err
	}
	wasTerminal := run.Status.Terminal()
	if err := fn(&run); err != nil {
		return err
	}
	run.UpdatedAt = o.now()
	if err := o.save(ctx, run); err != nil {
		return err
	}
	if !wasTerminal && run.Status.Terminal() && run.Status != model.RunCanceled {
		o.metrics.IncRunFinished(string(run.Status))
		logging.Info("swarm", "run finalized", "run_id", run.ID, "status", run.Status,
			"completed", run.CompletedTasks, "failed", run.FailedTasks)
	}
	return nil
}

func (o *Orchestrator) load(ctx context.Context, runID string) (model.SwarmRun, error) {
	run, err := o.runs.Get(ctx, runID)
	if errors.Is(err, docstore.ErrNotFound) {
		return run, model.NotFound("swarm_run", runID)
	}
	if err != nil {
		return run, fmt.Errorf("load swarm run %s: %w", runID, err)
	}
	return run, nil
}

func (o *Orchestrator) save(ctx context.Context, run model.SwarmRun) error {
	if err := o.runs.Put(ctx, run.ID, run, docstore.By(idxWorkspace, run.WorkspaceID)); err != nil {
		return fmt.Errorf("save swarm run %s: %w", run.ID, err)
	}
	return nil
}

// finalize completes or fails a running run once every task is terminal.
func (o *Orchestrator) finalize(run *model.SwarmRun) {
	if run.Status != model.RunRunning || len(run.Tasks) == 0 {
		return
	}
	failed := false
	for _, task := range run.Tasks {
		if !task.Status.Terminal() {
			return
		}
		if task.Status == model.TaskFailed {
			failed = true
		}
	}
	now := o.now()
	run.Status = model.RunCompleted
	if failed {
		run.Status = model.RunFailed
	}
	run.CompletedAt = &now
}

func recount(run *model.SwarmRun) {
	run.TotalTasks = len(run.Tasks)
	run.CompletedTasks, run.FailedTasks, run.CurrentFanOut = 0, 0, 0
	for _, task := range run.Tasks {
		switch task.Status {
		case model.TaskCompleted:
			run.CompletedTasks++
		case model.TaskFailed:
			run.FailedTasks++
		case model.TaskRunning:
			run.CurrentFanOut++
		}
	}
}

func depsCompleted(run *model.SwarmRun, task model.SwarmTaskNode) bool {
	for _, dep := range task.DependsOn {
		i := run.Task(dep)
		if i < 0 || run.Tasks[i].Status != model.TaskCompleted {
			return false
		}
	}
	return true
}

func applyDetails(task *model.SwarmTaskNode, d TaskDetails) {
	if d.Result != "" {
		task.Result = d.Result
	}
	if d.Error != "" {
		task.Error = d.Error
	}
	if d.InvocationID != "" {
		task.InvocationID = d.InvocationID
	}
	if d.SpawnedAgentID != "" {
		task.SpawnedAgentID = d.SpawnedAgentID
	}
}
