package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/velora-ai/convoflow/model"
)

// Specialist agent names. These double as graph node IDs.
const (
	AgentGreeting   = "greeting"
	AgentPricing    = "pricing"
	AgentLocation   = "location"
	AgentHours      = "hours"
	AgentFAQ        = "faq"
	AgentBooking    = "booking"
	AgentOrdering   = "ordering"
	AgentInvoicing  = "invoicing"
	AgentGeneral    = "general"
	AgentUrgentCare = "urgent_care"
)

// SpecialistNames lists the full specialist catalogue in routing order.
func SpecialistNames() []string {
	return []string{
		AgentGreeting, AgentPricing, AgentLocation, AgentHours, AgentFAQ,
		AgentBooking, AgentOrdering, AgentInvoicing, AgentGeneral, AgentUrgentCare,
	}
}

// ErrAgentContract marks a specialist that violated the one-outcome contract.
// Unlike ordinary node failures, contract violations are programming defects
// and abort the turn instead of degrading to escalation.
var ErrAgentContract = errors.New("agent violated outcome contract")

// AgentTurn is the read-only view of the conversation a specialist sees.
type AgentTurn struct {
	Message  string
	Messages []Message
	Intent   string
	Signals  []string
	Business BusinessContext
	Lead     LeadContext
}

// AgentResult is a specialist's decision for the turn. Exactly one outcome
// must be set: a final response, a handoff, or an escalation.
type AgentResult struct {
	// FinalResponse answers the turn.
	FinalResponse string
	// Handoff names another specialist to delegate to.
	Handoff       string
	HandoffReason string
	// Escalate bails out to human takeover.
	Escalate         bool
	EscalationReason string

	// TokensUsed reports LLM spend for observability.
	TokensUsed int
	// Booking carries structured booking output alongside a final response.
	Booking *BookingResult
}

// outcomes counts how many of the three outcomes are set.
func (r *AgentResult) outcomes() int {
	var n int
	if r.FinalResponse != "" {
		n++
	}
	if r.Handoff != "" {
		n++
	}
	if r.Escalate {
		n++
	}
	return n
}

// Agent is one specialist in the catalogue.
type Agent interface {
	Name() string
	Handle(ctx context.Context, turn AgentTurn) (*AgentResult, error)
}

// LLMAgent is a generic model-backed specialist: it renders the business
// context and conversation into a prompt and returns the model's reply as
// its final response.
type LLMAgent struct {
	name        string
	llm         model.Model
	instruction string
}

// NewLLMAgent creates a model-backed specialist.
func NewLLMAgent(name string, llm model.Model, instruction string) *LLMAgent {
	return &LLMAgent{name: name, llm: llm, instruction: instruction}
}

// Name returns the specialist name.
func (a *LLMAgent) Name() string {
	return a.name
}

// Handle answers the turn with one model call.
func (a *LLMAgent) Handle(ctx context.Context, turn AgentTurn) (*AgentResult, error) {
	req := &model.Request{
		System:   a.systemPrompt(turn.Business),
		Messages: toModelMessages(turn.Messages),
	}
	resp, err := a.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.name, err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("agent %s: model returned empty response", a.name)
	}
	return &AgentResult{FinalResponse: resp.Text, TokensUsed: resp.TokensUsed}, nil
}

func (a *LLMAgent) systemPrompt(business BusinessContext) string {
	var b strings.Builder
	b.WriteString(a.instruction)
	if business.Name != "" {
		fmt.Fprintf(&b, "\n\nBusiness: %s (%s).", business.Name, business.Vertical)
	}
	if len(business.Services) > 0 {
		fmt.Fprintf(&b, "\nServices: %s.", strings.Join(business.Services, ", "))
	}
	if len(business.Branches) > 0 {
		fmt.Fprintf(&b, "\nBranches: %s.", strings.Join(business.Branches, ", "))
	}
	if business.Hours != "" {
		fmt.Fprintf(&b, "\nHours: %s.", business.Hours)
	}
	return b.String()
}

func toModelMessages(msgs []Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			out = append(out, model.NewAssistantMessage(m.Content))
			continue
		}
		out = append(out, model.NewUserMessage(m.Content))
	}
	return out
}

// DefaultAgents builds the full specialist catalogue backed by one model.
// Instructions here are deliberately generic; production tenants supply their
// own prompt content through custom Agent implementations.
func DefaultAgents(llm model.Model) map[string]Agent {
	instructions := map[string]string{
		AgentGreeting:   "Greet the customer warmly and offer help.",
		AgentPricing:    "Answer pricing questions using only the listed services.",
		AgentLocation:   "Answer location questions using only the listed branches.",
		AgentHours:      "Answer opening-hours questions.",
		AgentFAQ:        "Answer frequently asked questions about the business.",
		AgentBooking:    "Help the customer book an appointment.",
		AgentOrdering:   "Help the customer place an order.",
		AgentInvoicing:  "Help the customer with invoices and billing.",
		AgentGeneral:    "Answer the customer's question helpfully and concisely.",
		AgentUrgentCare: "Triage the urgent request and reassure the customer that help is on the way.",
	}
	agents := make(map[string]Agent, len(instructions))
	for name, instruction := range instructions {
		agents[name] = NewLLMAgent(name, llm, instruction)
	}
	return agents
}
