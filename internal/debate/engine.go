package debate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voidmesh/hivemind/internal/agent"
	"github.com/voidmesh/hivemind/internal/memory"
)

// Options tunes one debate run.
type Options struct {
	MaxRounds      int
	ScoreThreshold float64
	ScoreMargin    float64
	RoundTimeout   time.Duration
}

// DefaultOptions returns the standard debate parameters.
func DefaultOptions() Options {
	return Options{
		MaxRounds:      3,
		ScoreThreshold: 7.0,
		ScoreMargin:    1.0,
		RoundTimeout:   5 * time.Minute,
	}
}

// Engine runs structured debates between agents. Rounds are strictly
// staged: every participant's proposal is collected (or times out)
// before any critique begins, and round N+1 never starts before round
// N is sealed.
type Engine struct {
	runtime *agent.Runtime
	mem     *memory.Manager
	opts    Options
	logger  *zap.Logger
}

// NewEngine creates a debate engine.
func NewEngine(rt *agent.Runtime, mem *memory.Manager, opts Options, logger *zap.Logger) *Engine {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultOptions().MaxRounds
	}
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = DefaultOptions().RoundTimeout
	}
	return &Engine{runtime: rt, mem: mem, opts: opts, logger: logger}
}

// Run executes the debate to completion. Non-convergence after the
// round cap is not an error: the outcome carries the highest scorer
// with Converged false. Cancellation aborts at the current stage,
// leaving already-committed round artifacts in memory.
func (e *Engine) Run(ctx context.Context, taskID, instruction string, participants []Participant) (*Outcome, error) {
	if len(participants) < 2 {
		return nil, fmt.Errorf("debate needs at least two participants, got %d", len(participants))
	}

	outcome := &Outcome{TaskID: taskID, Phase: PhaseInit}
	feedback := make(map[string][]agent.Review)
	var last Decision

	for idx := 1; idx <= e.opts.MaxRounds; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		round, err := e.runRound(ctx, taskID, instruction, participants, idx, feedback)
		if err != nil {
			return nil, err
		}
		outcome.Rounds = append(outcome.Rounds, *round)
		outcome.RoundsUsed = idx

		reliability := e.knownReliability(ctx, participants)
		last = Decide(round, reliability, e.opts.ScoreThreshold, e.opts.ScoreMargin)
		outcome.Phase = PhaseEscalate
		if last.Converged {
			outcome.Phase = PhaseConverged
		}
		e.logger.Info("debate round sealed",
			zap.String("task", taskID),
			zap.Int("round", idx),
			zap.String("phase", string(outcome.Phase)),
			zap.String("leader", last.Winner),
			zap.Float64("top_score", last.TopScore),
			zap.Bool("converged", last.Converged))

		if last.Converged {
			break
		}
		feedback = groupBySubject(round.Critiques)
	}

	outcome.Winner = last.Winner
	outcome.TopScore = last.TopScore
	outcome.Converged = last.Converged
	outcome.Result = e.winningContent(outcome)
	outcome.Phase = PhaseDone

	e.recordReliability(ctx, outcome)
	e.persistSummary(ctx, outcome)
	return outcome, nil
}

func (e *Engine) runRound(ctx context.Context, taskID, instruction string, participants []Participant, idx int, feedback map[string][]agent.Review) (*Round, error) {
	snapshot, err := e.mem.Snapshot(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("round %d snapshot: %w", idx, err)
	}

	round := &Round{Index: idx, Scores: map[string]float64{}}

	// Each stage gets its own deadline so one stalled proposer cannot
	// starve the critique stage of its time budget.
	e.stage(taskID, idx, PhasePropose)
	proposeCtx, cancelPropose := context.WithTimeout(ctx, e.opts.RoundTimeout)
	proposals, absent := e.collectProposals(proposeCtx, taskID, instruction, participants, snapshot, feedback)
	cancelPropose()
	if err := ctx.Err(); err != nil {
		// Task-level cancellation aborts mid-stage; committed
		// artifacts from earlier rounds stay as they are.
		return nil, err
	}
	round.Absent = absent
	if len(proposals) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("round %d: no proposals collected", idx)
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].AgentID < proposals[j].AgentID })
	round.Proposals = proposals
	if err := e.persistProposals(ctx, taskID, idx, proposals); err != nil {
		return nil, err
	}

	e.stage(taskID, idx, PhaseCritique)
	critiqueCtx, cancelCritique := context.WithTimeout(ctx, e.opts.RoundTimeout)
	round.Critiques = e.collectCritiques(critiqueCtx, taskID, instruction, participants, snapshot, proposals)
	cancelCritique()
	if err := e.persistCritiques(ctx, taskID, idx, round.Critiques); err != nil {
		return nil, err
	}

	e.stage(taskID, idx, PhaseVote)
	voteCtx, cancelVote := context.WithTimeout(ctx, e.opts.RoundTimeout)
	round.Votes = e.collectVotes(voteCtx, taskID, instruction, participants, snapshot, proposals, absent)
	cancelVote()
	if err := e.persistVotes(ctx, taskID, idx, round.Votes); err != nil {
		return nil, err
	}

	e.stage(taskID, idx, PhaseScore)
	critiqueScores := AggregateScores(round.Critiques, e.knownReliability(ctx, participants))
	round.Scores = FoldVotes(critiqueScores, round.Votes)
	if err := e.persistScores(ctx, taskID, idx, round.Scores); err != nil {
		return nil, err
	}

	round.Summary = roundSummary(round)
	round.SealedAt = time.Now().UTC()
	return round, nil
}

func (e *Engine) stage(taskID string, round int, p Phase) {
	e.logger.Debug("debate stage",
		zap.String("task", taskID),
		zap.Int("round", round),
		zap.String("phase", string(p)))
}

// roundSummary renders the one-line account of a sealed round.
func roundSummary(r *Round) string {
	leader := ""
	best := -1.0
	for id, s := range r.Scores {
		if s > best || (s == best && id < leader) {
			leader, best = id, s
		}
	}
	s := fmt.Sprintf("round %d: %d proposals, %d critiques, %d votes; leader %s at %.2f",
		r.Index, len(r.Proposals), len(r.Critiques), len(r.Votes), leader, best)
	if len(r.Absent) > 0 {
		s += "; absent " + strings.Join(r.Absent, ",")
	}
	return s
}

// collectProposals dispatches all participants concurrently and waits
// until everyone answers or the round deadline passes. A participant
// that stalls past the deadline is excluded from the round, not waited
// for.
func (e *Engine) collectProposals(ctx context.Context, taskID, instruction string, participants []Participant, snapshot []memory.Entry, feedback map[string][]agent.Review) ([]Proposal, []string) {
	type reply struct {
		agentID string
		res     *agent.Result
		err     error
	}
	replies := make(chan reply, len(participants))
	for _, p := range participants {
		go func(p Participant) {
			res, err := e.runtime.Propose(ctx, agent.Invocation{
				AgentID:     p.AgentID,
				Role:        p.Role,
				TaskID:      taskID,
				Instruction: instruction,
				Context:     snapshot,
				Provider:    p.Provider,
			}, feedback[p.AgentID])
			replies <- reply{agentID: p.AgentID, res: res, err: err}
		}(p)
	}

	answered := make(map[string]bool, len(participants))
	var proposals []Proposal
	accept := func(r reply) {
		if r.err != nil {
			// A participant that merely ran out the clock is absent,
			// not answered.
			if !errors.Is(r.err, context.DeadlineExceeded) && !errors.Is(r.err, context.Canceled) {
				answered[r.agentID] = true
			}
			e.logger.Warn("proposal failed",
				zap.String("agent", r.agentID), zap.Error(r.err))
			return
		}
		answered[r.agentID] = true
		proposals = append(proposals, Proposal{
			AgentID:     r.agentID,
			Content:     r.res.Content,
			Confidence:  r.res.Confidence,
			SubmittedAt: r.res.CreatedAt,
		})
	}

	received := 0
collect:
	for received < len(participants) {
		select {
		case r := <-replies:
			received++
			accept(r)
		case <-ctx.Done():
			// Deadline passed: drain replies that already arrived,
			// then give up on the rest.
			for {
				select {
				case r := <-replies:
					received++
					accept(r)
				default:
					break collect
				}
			}
		}
	}

	var absent []string
	for _, p := range participants {
		if !answered[p.AgentID] {
			absent = append(absent, p.AgentID)
		}
	}
	return proposals, absent
}

// collectCritiques has every participant review every other agent's
// proposal. Self-critique pairs are never dispatched.
func (e *Engine) collectCritiques(ctx context.Context, taskID, instruction string, participants []Participant, snapshot []memory.Entry, proposals []Proposal) []Critique {
	type pair struct {
		critic  Participant
		subject Proposal
	}
	var pairs []pair
	for _, critic := range participants {
		for _, subject := range proposals {
			if critic.AgentID == subject.AgentID {
				continue
			}
			pairs = append(pairs, pair{critic: critic, subject: subject})
		}
	}

	replies := make(chan Critique, len(pairs))
	for _, pr := range pairs {
		go func(pr pair) {
			review, err := e.runtime.Critique(ctx, agent.Invocation{
				AgentID:     pr.critic.AgentID,
				Role:        pr.critic.Role,
				TaskID:      taskID,
				Instruction: instruction,
				Context:     snapshot,
				Provider:    pr.critic.Provider,
			}, pr.subject.Content)
			if err != nil {
				e.logger.Warn("critique failed",
					zap.String("critic", pr.critic.AgentID),
					zap.String("subject", pr.subject.AgentID),
					zap.Error(err))
				replies <- Critique{}
				return
			}
			replies <- Critique{
				CriticID:   review.CriticID,
				SubjectID:  pr.subject.AgentID,
				Strengths:  review.Strengths,
				Weaknesses: review.Weaknesses,
				Score:      review.Score,
				Summary:    review.Summary,
			}
		}(pr)
	}

	var critiques []Critique
	received := 0
collect:
	for received < len(pairs) {
		select {
		case c := <-replies:
			received++
			if c.CriticID != "" {
				critiques = append(critiques, c)
			}
		case <-ctx.Done():
			for {
				select {
				case c := <-replies:
					received++
					if c.CriticID != "" {
						critiques = append(critiques, c)
					}
				default:
					break collect
				}
			}
		}
	}
	sortCritiques(critiques)
	return critiques
}

// collectVotes has every participant who answered this round cast one
// ballot among the other agents' proposals. Ballots never replace
// critique scores; they weigh on top of them at scoring time.
func (e *Engine) collectVotes(ctx context.Context, taskID, instruction string, participants []Participant, snapshot []memory.Entry, proposals []Proposal, absent []string) map[string]string {
	absentSet := make(map[string]bool, len(absent))
	for _, id := range absent {
		absentSet[id] = true
	}

	type ballot struct {
		voter  string
		choice string
	}
	replies := make(chan ballot, len(participants))
	dispatched := 0
	for _, p := range participants {
		if absentSet[p.AgentID] {
			continue
		}
		options := make(map[string]string, len(proposals))
		for i := range proposals {
			if proposals[i].AgentID == p.AgentID {
				continue
			}
			options[proposals[i].AgentID] = proposals[i].Content
		}
		if len(options) == 0 {
			continue
		}
		dispatched++
		go func(p Participant, options map[string]string) {
			choice, err := e.runtime.Vote(ctx, agent.Invocation{
				AgentID:     p.AgentID,
				Role:        p.Role,
				TaskID:      taskID,
				Instruction: instruction,
				Context:     snapshot,
				Provider:    p.Provider,
			}, options)
			if err != nil {
				e.logger.Warn("vote failed",
					zap.String("agent", p.AgentID), zap.Error(err))
				choice = ""
			}
			replies <- ballot{voter: p.AgentID, choice: choice}
		}(p, options)
	}

	votes := make(map[string]string, dispatched)
	received := 0
collect:
	for received < dispatched {
		select {
		case b := <-replies:
			received++
			if b.choice != "" {
				votes[b.voter] = b.choice
			}
		case <-ctx.Done():
			for {
				select {
				case b := <-replies:
					received++
					if b.choice != "" {
						votes[b.voter] = b.choice
					}
				default:
					break collect
				}
			}
		}
	}
	return votes
}

func sortCritiques(critiques []Critique) {
	sort.Slice(critiques, func(i, j int) bool {
		if critiques[i].CriticID != critiques[j].CriticID {
			return critiques[i].CriticID < critiques[j].CriticID
		}
		return critiques[i].SubjectID < critiques[j].SubjectID
	})
}

// groupBySubject collects the critiques each agent received, ready to
// feed into that agent's revision prompt next round.
func groupBySubject(critiques []Critique) map[string][]agent.Review {
	out := make(map[string][]agent.Review)
	for i := range critiques {
		c := &critiques[i]
		out[c.SubjectID] = append(out[c.SubjectID], agent.Review{
			CriticID:   c.CriticID,
			SubjectID:  c.SubjectID,
			Strengths:  c.Strengths,
			Weaknesses: c.Weaknesses,
			Score:      c.Score,
			Summary:    c.Summary,
		})
	}
	return out
}

func (e *Engine) knownReliability(ctx context.Context, participants []Participant) map[string]float64 {
	out := make(map[string]float64)
	for _, p := range participants {
		if score, ok := e.runtime.Ledger().Score(ctx, p.AgentID); ok {
			out[p.AgentID] = score
		}
	}
	return out
}

// recordReliability folds each critic's alignment with the final
// winner back into its reliability score. A critic who rated the
// winning proposal highly becomes more trusted in later debates.
func (e *Engine) recordReliability(ctx context.Context, outcome *Outcome) {
	if outcome.Winner == "" || len(outcome.Rounds) == 0 {
		return
	}
	final := outcome.Rounds[len(outcome.Rounds)-1]
	for i := range final.Critiques {
		c := &final.Critiques[i]
		if c.SubjectID != outcome.Winner {
			continue
		}
		if err := e.runtime.Ledger().Record(ctx, c.CriticID, c.Score/10.0); err != nil {
			e.logger.Warn("reliability update failed",
				zap.String("agent", c.CriticID), zap.Error(err))
		}
	}
}

func (e *Engine) winningContent(outcome *Outcome) string {
	for i := len(outcome.Rounds) - 1; i >= 0; i-- {
		for _, p := range outcome.Rounds[i].Proposals {
			if p.AgentID == outcome.Winner {
				return p.Content
			}
		}
	}
	return ""
}

// Trace writes are not optional: losing round artifacts would break
// replayability of the debate, so a failed write fails the round.
func (e *Engine) persistProposals(ctx context.Context, taskID string, round int, proposals []Proposal) error {
	for i := range proposals {
		_, err := e.mem.Write(ctx, memory.ScopeTask, taskID, proposals[i].Content, map[string]string{
			memory.TagType:  memory.TypeProposal,
			memory.TagAgent: proposals[i].AgentID,
			memory.TagRound: strconv.Itoa(round),
		})
		if err != nil {
			return fmt.Errorf("persist proposal round %d: %w", round, err)
		}
	}
	return nil
}

func (e *Engine) persistCritiques(ctx context.Context, taskID string, round int, critiques []Critique) error {
	for i := range critiques {
		body, err := json.Marshal(critiques[i])
		if err != nil {
			return fmt.Errorf("encode critique: %w", err)
		}
		_, err = e.mem.Write(ctx, memory.ScopeTask, taskID, string(body), map[string]string{
			memory.TagType:  memory.TypeCritique,
			memory.TagAgent: critiques[i].CriticID,
			memory.TagRound: strconv.Itoa(round),
		})
		if err != nil {
			return fmt.Errorf("persist critique round %d: %w", round, err)
		}
	}
	return nil
}

func (e *Engine) persistVotes(ctx context.Context, taskID string, round int, votes map[string]string) error {
	voters := make([]string, 0, len(votes))
	for v := range votes {
		voters = append(voters, v)
	}
	sort.Strings(voters)
	for _, voter := range voters {
		_, err := e.mem.Write(ctx, memory.ScopeTask, taskID, votes[voter], map[string]string{
			memory.TagType:  memory.TypeVote,
			memory.TagAgent: voter,
			memory.TagRound: strconv.Itoa(round),
		})
		if err != nil {
			return fmt.Errorf("persist vote round %d: %w", round, err)
		}
	}
	return nil
}

func (e *Engine) persistScores(ctx context.Context, taskID string, round int, scores map[string]float64) error {
	body, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	_, err = e.mem.Write(ctx, memory.ScopeTask, taskID, string(body), map[string]string{
		memory.TagType:  memory.TypeScore,
		memory.TagRound: strconv.Itoa(round),
	})
	if err != nil {
		return fmt.Errorf("persist scores round %d: %w", round, err)
	}
	return nil
}

// The closing summary is advisory; by this point every round artifact
// is already durable, so a failed summary write is only logged.
func (e *Engine) persistSummary(ctx context.Context, outcome *Outcome) {
	summary := fmt.Sprintf("debate finished: winner=%s score=%.2f rounds=%d converged=%t",
		outcome.Winner, outcome.TopScore, outcome.RoundsUsed, outcome.Converged)
	if _, err := e.mem.Write(ctx, memory.ScopeTask, outcome.TaskID, summary, map[string]string{
		memory.TagType: memory.TypeSummary,
	}); err != nil {
		e.logger.Warn("debate summary write failed",
			zap.String("task", outcome.TaskID), zap.Error(err))
	}
}
