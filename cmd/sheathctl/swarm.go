package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/swarm"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

// swarmPlan is the JSON document accepted by "swarm run".
type swarmPlan struct {
	WorkspaceID        string      `json:"workspace_id"`
	CoordinatorAgentID string      `json:"coordinator_agent_id"`
	MaxFanOut          int         `json:"max_fan_out"`
	TraceID            string      `json:"trace_id"`
	Agents             []planAgent `json:"agents"`
	Tasks              []planTask  `json:"tasks"`
}

type planAgent struct {
	AgentID     string   `json:"agent_id"`
	Role        string   `json:"role"`
	CustomAllow []string `json:"custom_allow"`
	CustomDeny  []string `json:"custom_deny"`
	SpawnTo     []string `json:"allow_spawn_targets"`
}

type planTask struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Role        string         `json:"role"`
	Description string         `json:"description"`
	ToolName    string         `json:"tool_name"`
	ToolAction  string         `json:"tool_action"`
	ToolArgs    map[string]any `json:"tool_args"`
	DependsOn   []string       `json:"depends_on"`
	MaxRetries  int            `json:"max_retries"`
}

// runSwarmRun executes a plan against the gateways of a bundle and prints
// the run as it stands when no further progress is possible.
func runSwarmRun(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("swarm run", flag.ContinueOnError)
	file := fs.String("bundle", envOr("BUNDLE_PATH", ""), "bundle yaml file")
	planPath := fs.String("plan", "", "swarm plan json file")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planPath == "" {
		return errors.New("--plan is required")
	}
	plan, err := loadPlan(*planPath)
	if err != nil {
		return err
	}
	app, err := offlineApp(*file)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	profiles := make([]model.AgentProfile, 0, len(plan.Agents))
	for _, a := range plan.Agents {
		p, err := swarm.BuildAgentProfile(swarm.ProfileInput{
			AgentID:           a.AgentID,
			Role:              model.AgentRole(a.Role),
			WorkspaceID:       plan.WorkspaceID,
			CustomAllow:       a.CustomAllow,
			CustomDeny:        a.CustomDeny,
			AllowSpawnTargets: a.SpawnTo,
		})
		if err != nil {
			return fmt.Errorf("agent %s: %w", a.AgentID, err)
		}
		profiles = append(profiles, p)
	}
	run, err := app.Swarm.CreateRun(ctx, swarm.CreateRunInput{
		WorkspaceID:        plan.WorkspaceID,
		CoordinatorAgentID: plan.CoordinatorAgentID,
		MaxFanOut:          plan.MaxFanOut,
		TraceID:            plan.TraceID,
		AgentProfiles:      profiles,
	})
	if err != nil {
		return err
	}
	for _, t := range plan.Tasks {
		if _, err := app.Swarm.AddTask(ctx, run.ID, swarm.AddTaskInput{
			ID:          t.ID,
			AgentID:     t.AgentID,
			Role:        model.AgentRole(t.Role),
			Description: t.Description,
			ToolName:    t.ToolName,
			ToolAction:  t.ToolAction,
			ToolArgs:    t.ToolArgs,
			DependsOn:   t.DependsOn,
			MaxRetries:  t.MaxRetries,
		}); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	if _, err := app.Swarm.Start(ctx, run.ID); err != nil {
		return err
	}
	final, err := app.Driver.Drive(ctx, run.ID)
	if err != nil {
		return err
	}
	return printJSON(out, final)
}

func loadPlan(path string) (*swarmPlan, error) {
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plan swarmPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("invalid plan json: %w", err)
	}
	return &plan, nil
}
