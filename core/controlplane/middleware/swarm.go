package middleware

import (
	"context"
	"fmt"

	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/swarm"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

// SwarmExecutor runs swarm tasks through the chain. The task's agent role is
// the caller role for policy evaluation.
type SwarmExecutor struct {
	chain *Chain
}

func NewSwarmExecutor(chain *Chain) *SwarmExecutor {
	return &SwarmExecutor{chain: chain}
}

var _ swarm.TaskExecutor = (*SwarmExecutor)(nil)

func (e *SwarmExecutor) ExecuteTask(ctx context.Context, run model.SwarmRun, task model.SwarmTaskNode) (swarm.TaskOutcome, error) {
	if task.ToolName == "" {
		return swarm.TaskOutcome{Status: model.TaskCompleted}, nil
	}
	if reason := profileViolation(run, task); reason != "" {
		logging.Warn("middleware", "task rejected by agent profile", "run_id", run.ID, "task_id", task.ID, "tool", task.ToolName)
		return swarm.TaskOutcome{Status: model.TaskFailed, Error: reason}, nil
	}

	correlationID := run.TraceID
	if correlationID == "" {
		correlationID = run.ID
	}
	res, err := e.chain.Execute(ctx,
		model.RequestContext{
			CorrelationID: correlationID,
			ActorID:       task.AgentID,
			WorkspaceID:   run.WorkspaceID,
			Roles:         []string{string(task.Role)},
		},
		model.InvocationRequest{Tool: task.ToolName, Action: task.ToolAction, Args: task.ToolArgs},
		Options{SwarmRunID: run.ID, SwarmTaskID: task.ID, AgentID: task.AgentID},
	)
	if err != nil {
		return swarm.TaskOutcome{}, err
	}
	out := swarm.TaskOutcome{InvocationID: res.InvocationID}
	switch res.Status {
	case model.InvocationSucceeded:
		out.Status, out.Result = model.TaskCompleted, res.ResponseSummary
	case model.InvocationAwaitingApproval:
		out.Status, out.Result = model.TaskBlocked, res.Reason
	case model.InvocationPolicyDenied:
		out.Status, out.Error = model.TaskFailed, res.Reason
	default:
		out.Status, out.Error = model.TaskFailed, fmt.Sprintf("gateway returned status %d", res.HTTPStatus)
	}
	return out, nil
}

// profileViolation checks the task's tool against its agent's profile when
// the run carries one.
func profileViolation(run model.SwarmRun, task model.SwarmTaskNode) string {
	for _, p := range run.AgentProfiles {
		if p.AgentID != task.AgentID {
			continue
		}
		for _, denied := range p.ToolsDeny {
			if denied == task.ToolName {
				return fmt.Sprintf("tool %s is denied for agent %s", task.ToolName, task.AgentID)
			}
		}
		for _, allowed := range p.ToolsAllow {
			if allowed == task.ToolName {
				return ""
			}
		}
		return fmt.Sprintf("tool %s is not in agent %s's allow list", task.ToolName, task.AgentID)
	}
	return ""
}
