package model

import "time"

// SwarmRunStatus is the lifecycle of a swarm run.
type SwarmRunStatus string

const (
	RunPlanning  SwarmRunStatus = "planning"
	RunRunning   SwarmRunStatus = "running"
	RunPaused    SwarmRunStatus = "paused"
	RunCompleted SwarmRunStatus = "completed"
	RunFailed    SwarmRunStatus = "failed"
	RunCanceled  SwarmRunStatus = "canceled"
)

var runTransitions = map[SwarmRunStatus][]SwarmRunStatus{
	RunPlanning: {RunRunning, RunFailed, RunCanceled},
	RunRunning:  {RunPaused, RunCompleted, RunFailed, RunCanceled},
	RunPaused:   {RunRunning, RunCanceled},
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to SwarmRunStatus) bool {
	return contains(runTransitions[from], to)
}

// Terminal reports whether the run has finished.
func (s SwarmRunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// TaskStatus is the lifecycle of one swarm task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskBlocked   TaskStatus = "blocked"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:  {TaskRunning, TaskCanceled},
	TaskRunning: {TaskBlocked, TaskCompleted, TaskFailed, TaskCanceled},
	TaskBlocked: {TaskRunning, TaskFailed, TaskCanceled},
	TaskFailed:  {TaskQueued},
}

// CanTransitionTask reports whether a task may move from one status to another.
func CanTransitionTask(from, to TaskStatus) bool {
	return contains(taskTransitions[from], to)
}

// Terminal reports whether the task counts as finished for run finalization.
// A failed task is terminal even though it may still be re-queued.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskBlocked, TaskCompleted, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// AgentRole is a swarm agent's role.
type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleResearcher  AgentRole = "researcher"
	RoleExecutor    AgentRole = "executor"
	RoleReviewer    AgentRole = "reviewer"
	RoleCustom      AgentRole = "custom"
)

// AgentProfile is a swarm agent's derived tool policy.
type AgentProfile struct {
	AgentID           string    `json:"agent_id"`
	Role              AgentRole `json:"role"`
	WorkspaceID       string    `json:"workspace_id"`
	ToolsAllow        []string  `json:"tools_allow"`
	ToolsDeny         []string  `json:"tools_deny"`
	AllowSpawnTargets []string  `json:"allow_spawn_targets,omitempty"`
	SandboxMode       string    `json:"sandbox_mode"`
}

// SwarmTaskNode is one node of a swarm run's task DAG.
type SwarmTaskNode struct {
	ID             string         `json:"id"`
	SwarmRunID     string         `json:"swarm_run_id"`
	ParentTaskID   string         `json:"parent_task_id,omitempty"`
	AgentID        string         `json:"agent_id"`
	Role           AgentRole      `json:"role"`
	Description    string         `json:"description"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolAction     string         `json:"tool_action,omitempty"`
	ToolArgs       map[string]any `json:"tool_args,omitempty"`
	Status         TaskStatus     `json:"status"`
	SpawnedAgentID string         `json:"spawned_agent_id,omitempty"`
	InvocationID   string         `json:"invocation_id,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// SwarmRun is a tenant-scoped execution of a task DAG.
type SwarmRun struct {
	ID                 string          `json:"id"`
	WorkspaceID        string          `json:"workspace_id"`
	CoordinatorAgentID string          `json:"coordinator_agent_id"`
	Status             SwarmRunStatus  `json:"status"`
	TotalTasks         int             `json:"total_tasks"`
	CompletedTasks     int             `json:"completed_tasks"`
	FailedTasks        int             `json:"failed_tasks"`
	MaxFanOut          int             `json:"max_fan_out"`
	CurrentFanOut      int             `json:"current_fan_out"`
	Tasks              []SwarmTaskNode `json:"tasks"`
	AgentProfiles      []AgentProfile  `json:"agent_profiles,omitempty"`
	TraceID            string          `json:"trace_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Task returns the index of the task with id, or -1.
func (r *SwarmRun) Task(id string) int {
	for i := range r.Tasks {
		if r.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}
