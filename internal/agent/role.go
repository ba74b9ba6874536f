package agent

// Role is the closed set of agent specializations.
type Role string

const (
	RoleResearcher  Role = "researcher"
	RoleAnalyst     Role = "analyst"
	RoleCoder       Role = "coder"
	RoleReviewer    Role = "reviewer"
	RoleSynthesizer Role = "synthesizer"
	RoleGeneralist  Role = "generalist"
	RoleSupervisor  Role = "supervisor"
)

// Roles lists every assignable role. Supervisor is excluded: it is only
// used internally for critique passes, never assigned to subtasks.
func Roles() []Role {
	return []Role{
		RoleResearcher,
		RoleAnalyst,
		RoleCoder,
		RoleReviewer,
		RoleSynthesizer,
		RoleGeneralist,
	}
}

// ParseRole maps free-form text to a role, defaulting to generalist.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleResearcher, RoleAnalyst, RoleCoder, RoleReviewer,
		RoleSynthesizer, RoleGeneralist, RoleSupervisor:
		return Role(s)
	}
	return RoleGeneralist
}

var rolePrompts = map[Role]string{
	RoleResearcher: "You are a research agent. Gather relevant facts, cite the evidence " +
		"behind every claim, and flag anything you could not verify. Prefer primary " +
		"sources over summaries.",
	RoleAnalyst: "You are an analysis agent. Break the problem into independent parts, " +
		"reason about each explicitly, and state your confidence in the conclusion. " +
		"Call out assumptions you had to make.",
	RoleCoder: "You are a coding agent. Produce working, idiomatic code with minimal " +
		"dependencies. Explain non-obvious decisions briefly. If the request is " +
		"ambiguous, pick the simplest reasonable interpretation and say so.",
	RoleReviewer: "You are a review agent. Audit the given work for correctness, gaps, " +
		"and unsupported claims. Acknowledge what holds up, then list concrete defects " +
		"with enough detail to fix them.",
	RoleSynthesizer: "You are a synthesis agent. Integrate the provided inputs into one " +
		"coherent result. Resolve contradictions explicitly rather than averaging over " +
		"them, and preserve attributions from the inputs.",
	RoleGeneralist: "You are a general-purpose agent. Complete the task directly and " +
		"accurately. State your confidence and note anything that would need a " +
		"specialist.",
	RoleSupervisor: "You are a supervising agent. Evaluate the work of other agents " +
		"against the original request. Judge substance over style, and be specific " +
		"about what must change before the work is acceptable.",
}

// SystemPrompt returns the role's base system prompt.
func (r Role) SystemPrompt() string {
	if p, ok := rolePrompts[r]; ok {
		return p
	}
	return rolePrompts[RoleGeneralist]
}

// String implements fmt.Stringer.
func (r Role) String() string { return string(r) }
