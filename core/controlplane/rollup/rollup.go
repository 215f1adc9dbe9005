// Package rollup folds the invocation ledger and swarm runs into per-tenant
// dashboard numbers. Everything here is pure and safe to recompute.
package rollup

import "github.com/amirgulubayli/opensheath-sub001/core/model"

// Stats counts invocations of one tool or risk tier.
type Stats struct {
	Count         int     `json:"count"`
	Denied        int     `json:"denied"`
	Failed        int     `json:"failed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`

	durationSum int64
	timed       int
}

// Totals aggregate every invocation of the workspace. Allowed counts
// invocations dispatched to a gateway.
type Totals struct {
	Invocations   int     `json:"invocations"`
	Allowed       int     `json:"allowed"`
	Denied        int     `json:"denied"`
	Failed        int     `json:"failed"`
	Pending       int     `json:"pending"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

type Summary struct {
	WorkspaceID  string                       `json:"workspace_id"`
	ByTool       map[string]*Stats            `json:"by_tool"`
	ByRiskTier   map[model.RiskTier]*Stats    `json:"by_risk_tier"`
	Totals       Totals                       `json:"totals"`
	TasksByAgent map[string]int               `json:"tasks_by_agent"`
	RunsByStatus map[model.SwarmRunStatus]int `json:"runs_by_status"`
	ActiveRuns   int                          `json:"active_runs"`
	ActiveFanOut int                          `json:"active_fan_out"`
}

// Summarize filters both inputs to workspaceID and folds each once.
func Summarize(invocations []model.InvocationEnvelope, runs []model.SwarmRun, workspaceID string) Summary {
	s := Summary{
		WorkspaceID:  workspaceID,
		ByTool:       map[string]*Stats{},
		ByRiskTier:   map[model.RiskTier]*Stats{},
		TasksByAgent: map[string]int{},
		RunsByStatus: map[model.SwarmRunStatus]int{},
	}

	var durationSum int64
	var timed int
	for _, env := range invocations {
		if env.WorkspaceID != workspaceID {
			continue
		}
		s.Totals.Invocations++
		tool := s.ByTool[env.Request.Tool]
		if tool == nil {
			tool = &Stats{}
			s.ByTool[env.Request.Tool] = tool
		}
		tier := s.ByRiskTier[env.RiskTier]
		if tier == nil {
			tier = &Stats{}
			s.ByRiskTier[env.RiskTier] = tier
		}
		tool.Count++
		tier.Count++

		switch env.Status {
		case model.InvocationPolicyDenied:
			s.Totals.Denied++
			tool.Denied++
			tier.Denied++
		case model.InvocationFailed:
			s.Totals.Failed++
			s.Totals.Allowed++
			tool.Failed++
			tier.Failed++
		case model.InvocationSucceeded:
			s.Totals.Allowed++
		default:
			s.Totals.Pending++
		}

		if dispatched(env) {
			durationSum += env.DurationMs
			timed++
			tool.observe(env.DurationMs)
			tier.observe(env.DurationMs)
		}
	}
	if timed > 0 {
		s.Totals.AvgDurationMs = float64(durationSum) / float64(timed)
	}

	for _, run := range runs {
		if run.WorkspaceID != workspaceID {
			continue
		}
		s.RunsByStatus[run.Status]++
		if run.Status == model.RunRunning {
			s.ActiveRuns++
			s.ActiveFanOut += run.CurrentFanOut
		}
		for _, task := range run.Tasks {
			s.TasksByAgent[task.AgentID]++
		}
	}
	return s
}

func (st *Stats) observe(ms int64) {
	st.durationSum += ms
	st.timed++
	st.AvgDurationMs = float64(st.durationSum) / float64(st.timed)
}

// dispatched reports whether the envelope reached a gateway and so has a
// meaningful duration.
func dispatched(env model.InvocationEnvelope) bool {
	switch env.Status {
	case model.InvocationSucceeded, model.InvocationFailed:
		return true
	case model.InvocationPolicyDenied:
		return env.HTTPStatus != 0
	}
	return false
}
