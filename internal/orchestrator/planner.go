package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voidmesh/hivemind/internal/agent"
	"github.com/voidmesh/hivemind/internal/provider"
)

// maxAssignments caps how many subtasks one plan may spawn.
const maxAssignments = 6

// Planner turns a task description into a DelegationPlan with a single
// model call.
type Planner struct {
	router *provider.Router
	logger *zap.Logger
}

// NewPlanner creates a planner over the given router.
func NewPlanner(router *provider.Router, logger *zap.Logger) *Planner {
	return &Planner{router: router, logger: logger}
}

const plannerSystem = "You are the planning stage of a multi-agent system. You decompose " +
	"a task into the minimal set of specialist assignments and choose how they execute. " +
	"Available roles: researcher, analyst, coder, reviewer, synthesizer, generalist. " +
	"Recommend a debate only for controversial or high-stakes decisions."

// Decompose produces the task's execution plan. It fails soft: any
// model or parse failure yields a single-generalist sequential plan
// rather than an error, so planning can never kill a task.
func (p *Planner) Decompose(ctx context.Context, description, providerPref string) *DelegationPlan {
	prompt := fmt.Sprintf(`Decompose this task.

Task: %s

Respond with JSON only:
{
  "interpretation": "what the user wants",
  "assignments": [{"role": "researcher", "description": "specific subtask"}],
  "strategy": "sequential|parallel",
  "estimated_steps": 2,
  "complexity": 0.5,
  "requires_debate": false,
  "reasoning": "why this decomposition"
}

Use the fewest roles that cover the task. Parallel only when assignments are independent.`, description)

	resp, err := p.router.Invoke(ctx, provider.InvokeRequest{
		Preferred: providerPref,
		RoleHint:  "planner",
		Messages: []provider.Message{
			{Role: "system", Content: plannerSystem},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		p.logger.Warn("decomposition model call failed, using default plan", zap.Error(err))
		return p.defaultPlan(description)
	}

	plan, perr := parsePlan(resp.Content)
	if perr != nil {
		p.logger.Warn("decomposition parse failed, using default plan",
			zap.Error(perr), zap.String("provider", resp.Provider))
		return p.defaultPlan(description)
	}
	p.logger.Info("task decomposed",
		zap.Int("assignments", len(plan.Assignments)),
		zap.String("strategy", string(plan.Strategy)),
		zap.Bool("requires_debate", plan.RequiresDebate))
	return plan
}

// defaultPlan is the fail-soft fallback: one generalist, sequential.
func (p *Planner) defaultPlan(description string) *DelegationPlan {
	return &DelegationPlan{
		Interpretation: description,
		Assignments:    []Assignment{{Role: agent.RoleGeneralist, Description: description}},
		Strategy:       StrategySequential,
		EstimatedSteps: 1,
		Complexity:     0.5,
		Reasoning:      "fallback single-agent plan",
		CreatedAt:      time.Now().UTC(),
	}
}

func parsePlan(raw string) (*DelegationPlan, error) {
	obj := agent.ExtractJSON(raw)
	if obj == "" {
		return nil, fmt.Errorf("no JSON object in plan response")
	}
	var parsed struct {
		Interpretation string `json:"interpretation"`
		Assignments    []struct {
			Role        string `json:"role"`
			Description string `json:"description"`
		} `json:"assignments"`
		Strategy       string  `json:"strategy"`
		EstimatedSteps int     `json:"estimated_steps"`
		Complexity     float64 `json:"complexity"`
		RequiresDebate bool    `json:"requires_debate"`
		Reasoning      string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(parsed.Assignments) == 0 {
		return nil, fmt.Errorf("plan has no assignments")
	}

	plan := &DelegationPlan{
		Interpretation: parsed.Interpretation,
		Strategy:       StrategySequential,
		EstimatedSteps: parsed.EstimatedSteps,
		Complexity:     clampUnit(parsed.Complexity),
		RequiresDebate: parsed.RequiresDebate,
		Reasoning:      parsed.Reasoning,
		CreatedAt:      time.Now().UTC(),
	}
	if strings.EqualFold(parsed.Strategy, string(StrategyParallel)) {
		plan.Strategy = StrategyParallel
	}
	for _, a := range parsed.Assignments {
		if len(plan.Assignments) == maxAssignments {
			break
		}
		desc := strings.TrimSpace(a.Description)
		if desc == "" {
			desc = plan.Interpretation
		}
		plan.Assignments = append(plan.Assignments, Assignment{
			Role:        agent.ParseRole(strings.ToLower(strings.TrimSpace(a.Role))),
			Description: desc,
		})
	}
	if plan.EstimatedSteps < len(plan.Assignments) {
		plan.EstimatedSteps = len(plan.Assignments)
	}
	return plan, nil
}

func clampUnit(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
