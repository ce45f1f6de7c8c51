package orchestration

import (
	"context"

	"github.com/velora-ai/convoflow/graph"
)

// mainRouter runs after the supervisor. Escalation checks precede the
// already-answered check so an agent cannot slip past an escalation flag by
// also setting a response.
func mainRouter(ctx context.Context, s graph.State) (string, error) {
	control := controlOf(s)
	switch {
	case control.ShouldEscalate:
		return NodeEscalation, nil
	case control.IterationCount >= maxIterationsOf(s):
		return NodeEscalation, nil
	case control.ResponseReady && stringOf(s, StateKeyFinalResponse) != "":
		return NodeFinalize, nil
	default:
		return NodeVerticalRouter, nil
	}
}

// newAgentRouter resolves next_agent through the registered specialist set.
// Unknown or absent names fall back to the general specialist rather than
// failing the turn; availability wins over strictness here.
func newAgentRouter(registered map[string]bool) graph.RouterFunc {
	return func(ctx context.Context, s graph.State) (string, error) {
		return resolveAgent(stringOf(s, StateKeyNextAgent), registered), nil
	}
}

func resolveAgent(name string, registered map[string]bool) string {
	if registered[name] {
		return name
	}
	return AgentGeneral
}

// newPostAgentRouter runs after every specialist: escalate, finish, honor a
// handoff while iterations remain, or fall to the general safety net so a
// turn can never dead-end.
func newPostAgentRouter(registered map[string]bool) graph.RouterFunc {
	return func(ctx context.Context, s graph.State) (string, error) {
		control := controlOf(s)
		final := stringOf(s, StateKeyFinalResponse)
		next := stringOf(s, StateKeyNextAgent)
		current := stringOf(s, StateKeyCurrentAgent)
		switch {
		case control.ShouldEscalate:
			return NodeEscalation, nil
		case final != "" && control.ResponseReady:
			return NodeFinalize, nil
		case next != "" && next != current:
			if control.IterationCount >= maxIterationsOf(s) {
				return NodeEscalation, nil
			}
			return resolveAgent(next, registered), nil
		case final != "":
			return NodeFinalize, nil
		default:
			return AgentGeneral, nil
		}
	}
}
