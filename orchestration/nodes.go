package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/velora-ai/convoflow/graph"
)

// Control-step node IDs.
const (
	NodeInitialize     = "initialize"
	NodeSupervisor     = "supervisor"
	NodeVerticalRouter = "vertical_router"
	NodeEscalation     = "escalation"
	NodeFinalize       = "finalize"
)

// fallbackEscalationResponse is the customer-facing text used when a turn
// escalates without a specialist having produced an answer.
const fallbackEscalationResponse = "Thanks for your patience. I'm connecting you with a member of our team who will follow up shortly."

// initializeNode starts every turn. It appends exactly one human message for
// the inbound text, preserving whatever messages the thread already carries,
// and resets the iteration counter.
func initializeNode(ctx context.Context, s graph.State) (graph.State, error) {
	current := stringOf(s, StateKeyCurrentMessage)
	if current == "" {
		return nil, fmt.Errorf("current message is empty")
	}
	return graph.State{
		StateKeyMessages:        []Message{NewHumanMessage(current)},
		StateKeyProcessingStart: time.Now().UTC(),
		StateKeyCurrentAgent:    NodeInitialize,
		StateKeyControl: Control{
			IterationCount: 0,
			MaxIterations:  maxIterationsOf(s),
		},
	}, nil
}

// newSupervisorNode performs intent and signal detection. It may request
// escalation directly but never chooses a specialist.
func newSupervisorNode(detector Detector) graph.NodeFunc {
	return func(ctx context.Context, s graph.State) (graph.State, error) {
		detection, err := detector.Detect(ctx, stringOf(s, StateKeyCurrentMessage), businessOf(s))
		if err != nil {
			return nil, fmt.Errorf("detection failed: %w", err)
		}
		patch := graph.State{
			StateKeyDetectedIntent:  detection.Intent,
			StateKeyDetectedSignals: detection.Signals,
			StateKeyScoreChange:     detection.ScoreChange,
			StateKeyCurrentAgent:    NodeSupervisor,
		}
		if detection.Escalate {
			control := controlOf(s)
			control.ShouldEscalate = true
			control.EscalationReason = detection.Reason
			patch[StateKeyControl] = control
		}
		return patch, nil
	}
}

// verticalRouterNode picks the specialist for the detected intent and the
// tenant's vertical. It only ever sets next_agent.
func verticalRouterNode(ctx context.Context, s graph.State) (graph.State, error) {
	intent := stringOf(s, StateKeyDetectedIntent)
	vertical := tenantOf(s).Vertical
	if vertical == "" {
		vertical = businessOf(s).Vertical
	}
	return graph.State{
		StateKeyNextAgent:    specialistFor(intent, vertical),
		StateKeyCurrentAgent: NodeVerticalRouter,
	}, nil
}

// specialistFor maps intent and vertical to a specialist name. Unknown
// intents fall to the general specialist.
func specialistFor(intent, vertical string) string {
	switch intent {
	case IntentGreeting:
		return AgentGreeting
	case IntentPricing:
		return AgentPricing
	case IntentLocation:
		return AgentLocation
	case IntentHours:
		return AgentHours
	case IntentFAQ:
		return AgentFAQ
	case IntentBooking:
		return AgentBooking
	case IntentOrdering:
		return AgentOrdering
	case IntentInvoicing:
		return AgentInvoicing
	case IntentUrgent:
		if vertical == "dental" || vertical == "medical" {
			return AgentUrgentCare
		}
		return AgentGeneral
	default:
		return AgentGeneral
	}
}

// newSpecialistNode wraps an Agent as a graph node and enforces the
// one-outcome contract: exactly one of final response, handoff, or
// escalation. A violation is a defect surfaced as ErrAgentContract, which
// the engine treats as fatal rather than degrading to escalation.
func newSpecialistNode(name string, agent Agent) graph.NodeFunc {
	return func(ctx context.Context, s graph.State) (graph.State, error) {
		result, err := agent.Handle(ctx, AgentTurn{
			Message:  stringOf(s, StateKeyCurrentMessage),
			Messages: messagesOf(s),
			Intent:   stringOf(s, StateKeyDetectedIntent),
			Signals:  signalsOf(s),
			Business: businessOf(s),
			Lead:     leadOf(s),
		})
		if err != nil {
			return nil, err
		}
		if result == nil || result.outcomes() != 1 {
			return nil, fmt.Errorf("%w: agent %s set %d outcomes", ErrAgentContract, name, outcomesOf(result))
		}
		patch := graph.State{
			StateKeyCurrentAgent: name,
			StateKeyTokensUsed:   result.TokensUsed,
		}
		if result.Booking != nil {
			patch[StateKeyBookingResult] = result.Booking
		}
		switch {
		case result.FinalResponse != "":
			control := controlOf(s)
			control.ResponseReady = true
			patch[StateKeyFinalResponse] = result.FinalResponse
			patch[StateKeyControl] = control
		case result.Handoff != "":
			patch[StateKeyNextAgent] = result.Handoff
			patch[StateKeyHandoffReason] = result.HandoffReason
		default:
			control := controlOf(s)
			control.ShouldEscalate = true
			control.EscalationReason = result.EscalationReason
			patch[StateKeyControl] = control
		}
		return patch, nil
	}
}

func outcomesOf(r *AgentResult) int {
	if r == nil {
		return 0
	}
	return r.outcomes()
}

// escalationNode produces the human-takeover response. It is never terminal
// itself; routing always continues to finalize so bookkeeping runs uniformly.
func escalationNode(ctx context.Context, s graph.State) (graph.State, error) {
	control := controlOf(s)
	control.ShouldEscalate = true
	control.ResponseReady = true
	if control.EscalationReason == "" {
		if control.IterationCount >= maxIterationsOf(s) {
			control.EscalationReason = fmt.Sprintf(
				"iteration limit reached (%d)", maxIterationsOf(s))
		} else {
			control.EscalationReason = "escalation requested"
		}
	}
	patch := graph.State{
		StateKeyControl:      control,
		StateKeyCurrentAgent: NodeEscalation,
	}
	if stringOf(s, StateKeyFinalResponse) == "" {
		patch[StateKeyFinalResponse] = fallbackEscalationResponse
	}
	return patch, nil
}

// finalizeNode closes the turn: marks the response ready, appends the
// outbound reply to the durable history, and computes processing time.
func finalizeNode(ctx context.Context, s graph.State) (graph.State, error) {
	control := controlOf(s)
	control.ResponseReady = true
	patch := graph.State{
		StateKeyControl:      control,
		StateKeyCurrentAgent: NodeFinalize,
	}
	if started, ok := s[StateKeyProcessingStart].(time.Time); ok && !started.IsZero() {
		patch[StateKeyProcessingMS] = time.Since(started).Milliseconds()
	}
	if final := stringOf(s, StateKeyFinalResponse); final != "" {
		msgs := messagesOf(s)
		if len(msgs) == 0 || msgs[len(msgs)-1].Role != RoleAssistant {
			patch[StateKeyMessages] = []Message{NewAssistantMessage(final)}
		}
	}
	return patch, nil
}
