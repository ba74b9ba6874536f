package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voidmesh/hivemind/internal/memory"
	"github.com/voidmesh/hivemind/internal/provider"
)

// Invocation is one stateless call into an agent. Everything the agent
// needs arrives here; nothing is retained between calls. History and
// private notes live in memory, read in and written out explicitly.
type Invocation struct {
	AgentID     string
	Role        Role
	TaskID      string
	Instruction string
	// Context is the task-memory snapshot taken at invocation time.
	Context     []memory.Entry
	Provider    string
	MaxTokens   int
	Temperature float64
}

// Result is the output of one agent invocation.
type Result struct {
	AgentID    string    `json:"agent_id"`
	Role       Role      `json:"role"`
	TaskID     string    `json:"task_id"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// Runtime executes agent invocations. It holds no per-agent state: the
// same Runtime serves every logical agent concurrently.
type Runtime struct {
	router *provider.Router
	memory *memory.Manager
	ledger *Ledger
	logger *zap.Logger
}

// NewRuntime creates the shared agent runtime.
func NewRuntime(router *provider.Router, mem *memory.Manager, logger *zap.Logger) *Runtime {
	return &Runtime{
		router: router,
		memory: mem,
		ledger: NewLedger(mem),
		logger: logger,
	}
}

// Ledger exposes the reliability ledger for debate weighting.
func (rt *Runtime) Ledger() *Ledger { return rt.ledger }

// Execute runs a plain work invocation: the agent completes its
// instruction against the task-memory snapshot and the output is
// recorded in task scope.
func (rt *Runtime) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	res, err := rt.call(ctx, inv, inv.Role.SystemPrompt(), inv.Instruction)
	if err != nil {
		return nil, err
	}

	if _, werr := rt.memory.Write(ctx, memory.ScopeTask, inv.TaskID, res.Content, map[string]string{
		memory.TagType:  memory.TypeOutput,
		memory.TagAgent: inv.AgentID,
	}); werr != nil {
		return nil, fmt.Errorf("record output for %s: %w", inv.AgentID, werr)
	}
	return res, nil
}

// Propose produces the agent's independent proposal for a debate. When
// critiques from a previous round are supplied, the agent revises its
// position in light of them.
func (rt *Runtime) Propose(ctx context.Context, inv Invocation, received []Review) (*Result, error) {
	var sb strings.Builder
	sb.WriteString("Propose your best solution to the following task. ")
	sb.WriteString("Commit to a position; do not hedge across alternatives.\n\nTask: ")
	sb.WriteString(inv.Instruction)

	if len(received) > 0 {
		sb.WriteString("\n\nYour previous proposal received these critiques. ")
		sb.WriteString("Address the defects they raise; keep what they confirmed.\n")
		for i := range received {
			sb.WriteString(fmt.Sprintf("\nCritique from %s (score %.1f):\n%s\n",
				received[i].CriticID, received[i].Score, received[i].Summary))
			for _, w := range received[i].Weaknesses {
				sb.WriteString("- " + w + "\n")
			}
		}
	}

	return rt.call(ctx, inv, inv.Role.SystemPrompt(), sb.String())
}

// Critique reviews another agent's proposal and returns a structured
// assessment with a score in [0,10]. Self-critique is the caller's job
// to prevent; the runtime does not know who authored what.
func (rt *Runtime) Critique(ctx context.Context, inv Invocation, proposal string) (*Review, error) {
	prompt := fmt.Sprintf(`Critically evaluate this proposal for the task below.

Task: %s

Proposal:
%s

Respond with JSON only:
{"strengths": ["..."], "weaknesses": ["..."], "score": 0.0, "reasoning": "..."}

Score from 0 to 10. Audit the reasoning rather than defaulting to agreement; acknowledge what holds up.`, inv.Instruction, proposal)

	res, err := rt.call(ctx, inv, RoleSupervisor.SystemPrompt(), prompt)
	if err != nil {
		return nil, err
	}

	review := ParseReview(res.Content)
	review.CriticID = inv.AgentID
	return &review, nil
}

// Vote picks the best proposal from a labelled set. Proposals are keyed
// by their author's agent ID; the agent's own entry must already be
// removed by the caller.
func (rt *Runtime) Vote(ctx context.Context, inv Invocation, proposals map[string]string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Select the single best proposal for the task below. ")
	sb.WriteString("Judge evidence quality, logical coherence, and completeness.\n\nTask: ")
	sb.WriteString(inv.Instruction)
	sb.WriteString("\n\nProposals:\n")
	ids := sortedKeys(proposals)
	for _, id := range ids {
		sb.WriteString(fmt.Sprintf("\n[%s]\n%s\n", id, proposals[id]))
	}
	sb.WriteString("\nRespond with JSON only: {\"vote\": \"<proposal id>\", \"reason\": \"...\"}")

	res, err := rt.call(ctx, inv, inv.Role.SystemPrompt(), sb.String())
	if err != nil {
		return "", err
	}

	choice := ParseVote(res.Content)
	if _, ok := proposals[choice]; !ok {
		// Unparseable or hallucinated ballot counts for nobody.
		rt.logger.Warn("discarding invalid ballot",
			zap.String("agent", inv.AgentID),
			zap.String("choice", choice))
		return "", nil
	}
	return choice, nil
}

func (rt *Runtime) call(ctx context.Context, inv Invocation, system, prompt string) (*Result, error) {
	messages := []provider.Message{{Role: "system", Content: system}}
	if ctxBlock := renderContext(rt.fitContext(ctx, inv)); ctxBlock != "" {
		messages = append(messages, provider.Message{
			Role:    "system",
			Content: "Shared task memory so far:\n" + ctxBlock,
		})
	}
	messages = append(messages, provider.Message{Role: "user", Content: prompt})

	resp, err := rt.router.Invoke(ctx, provider.InvokeRequest{
		Preferred:   inv.Provider,
		RoleHint:    string(inv.Role),
		Messages:    messages,
		MaxTokens:   inv.MaxTokens,
		Temperature: inv.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", inv.AgentID, err)
	}

	return &Result{
		AgentID:    inv.AgentID,
		Role:       inv.Role,
		TaskID:     inv.TaskID,
		Content:    resp.Content,
		Confidence: 0.7,
		Provider:   resp.Provider,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// fitContext compresses the invocation's memory snapshot to the context
// window of the model this call will actually reach. 10% of the window
// is held back for the instruction and the reply.
func (rt *Runtime) fitContext(ctx context.Context, inv Invocation) []memory.Entry {
	if rt.memory == nil || len(inv.Context) == 0 {
		return inv.Context
	}
	model, budget := rt.router.TargetModel(inv.Provider)
	if budget <= 0 {
		budget = memory.ContextLimit(model)
	}
	fitted := rt.memory.CompressForBudget(ctx, inv.Context, budget-budget/10)
	if len(fitted) < len(inv.Context) {
		rt.logger.Debug("compressed context snapshot",
			zap.String("agent", inv.AgentID),
			zap.String("model", model),
			zap.Int("budget", budget),
			zap.Int("before", len(inv.Context)),
			zap.Int("after", len(fitted)))
	}
	return fitted
}

// renderContext flattens memory entries into a prompt block, oldest
// first, tagged with their type so the model can weigh them.
func renderContext(entries []memory.Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for i := range entries {
		kind := entries[i].Metadata[memory.TagType]
		if kind == "" {
			kind = "note"
		}
		sb.WriteString("[" + kind + "] " + entries[i].Content + "\n")
	}
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InstanceID builds a fresh agent instance ID for a role. The role
// prefix doubles as the agent-scope memory namespace convention.
func InstanceID(role Role) string {
	return string(role) + "-" + uuid.NewString()[:8]
}
