// Package orchestration implements the conversation orchestration engine: a
// fixed catalogue of agent nodes wired into a compiled graph, the routing
// state machine between them, and the turn executor that makes a multi-step
// turn checkpointed and resumable.
package orchestration

import (
	"reflect"
	"time"

	"github.com/velora-ai/convoflow/graph"
)

// State keys. messages and agent_trace are append-only; everything else is
// replace-by-key. The distinction is enforced by the schema reducers, never
// by node code.
const (
	StateKeyMessages        = "messages"
	StateKeyCurrentMessage  = "current_message"
	StateKeyControl         = "control"
	StateKeyCurrentAgent    = "current_agent"
	StateKeyNextAgent       = "next_agent"
	StateKeyHandoffReason   = "handoff_reason"
	StateKeyAgentTrace      = "agent_trace"
	StateKeyFinalResponse   = "final_response"
	StateKeyDetectedIntent  = "detected_intent"
	StateKeyDetectedSignals = "detected_signals"
	StateKeyScoreChange     = "score_change"
	StateKeyBookingResult   = "booking_result"
	StateKeyErrors          = "errors"
	StateKeyProcessingStart = "processing_started_at"
	StateKeyProcessingMS    = "processing_time_ms"
	StateKeyTokensUsed      = "tokens_used"
	StateKeyTenant          = "tenant_context"
	StateKeyLead            = "lead_context"
	StateKeyConversation    = "conversation_context"
	StateKeyBusiness        = "business_context"
)

// DefaultMaxIterations is the per-tenant handoff bound when the tenant does
// not configure one.
const DefaultMaxIterations = 5

// Message roles.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// Message is one turn of the durable conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHumanMessage creates a human message stamped now.
func NewHumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage creates an assistant message stamped now.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now().UTC()}
}

// TraceEntry records one node visit for observability.
type TraceEntry struct {
	Agent     string    `json:"agent_name"`
	StartedAt time.Time `json:"started_at"`
}

// Control is the bounded-iteration and escalation state machine record.
// Nodes that change one field must return the whole struct; the key is
// replace-by-key.
type Control struct {
	IterationCount   int    `json:"iteration_count"`
	MaxIterations    int    `json:"max_iterations"`
	ShouldEscalate   bool   `json:"should_escalate"`
	EscalationReason string `json:"escalation_reason,omitempty"`
	ResponseReady    bool   `json:"response_ready"`
}

// BookingResult is the structured outcome of a booking specialist.
type BookingResult struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// sumIntReducer accumulates token counts across nodes.
func sumIntReducer(existing, update any) any {
	e, ok1 := existing.(int)
	u, ok2 := update.(int)
	if !ok2 {
		return update
	}
	if !ok1 {
		return u
	}
	return e + u
}

// Schema builds the conversation state schema. Appended sequences get append
// reducers so a node returning only its new entries can never truncate
// history.
func Schema() *graph.Schema {
	s := graph.NewSchema()
	s.AddField(StateKeyMessages, graph.Field{
		Type:    reflect.TypeOf([]Message{}),
		Reducer: graph.AppendReducerOf[Message](),
		Default: func() any { return []Message{} },
	})
	s.AddField(StateKeyAgentTrace, graph.Field{
		Type:    reflect.TypeOf([]TraceEntry{}),
		Reducer: graph.AppendReducerOf[TraceEntry](),
		Default: func() any { return []TraceEntry{} },
	})
	s.AddField(StateKeyErrors, graph.Field{
		Type:    reflect.TypeOf([]string{}),
		Reducer: graph.AppendStringsReducer,
		Default: func() any { return []string{} },
	})
	s.AddField(StateKeyTokensUsed, graph.Field{
		Type:    reflect.TypeOf(0),
		Reducer: sumIntReducer,
		Default: func() any { return 0 },
	})
	s.AddField(StateKeyControl, graph.Field{Type: reflect.TypeOf(Control{})})
	s.AddField(StateKeyCurrentMessage, graph.Field{Type: reflect.TypeOf("")})
	s.AddField(StateKeyCurrentAgent, graph.Field{Type: reflect.TypeOf("")})
	s.AddField(StateKeyNextAgent, graph.Field{Type: reflect.TypeOf("")})
	s.AddField(StateKeyHandoffReason, graph.Field{Type: reflect.TypeOf("")})
	s.AddField(StateKeyFinalResponse, graph.Field{Type: reflect.TypeOf("")})
	s.AddField(StateKeyDetectedIntent, graph.Field{Type: reflect.TypeOf("")})
	s.AddField(StateKeyDetectedSignals, graph.Field{Type: reflect.TypeOf([]string{})})
	s.AddField(StateKeyScoreChange, graph.Field{Type: reflect.TypeOf(0)})
	s.AddField(StateKeyBookingResult, graph.Field{Type: reflect.TypeOf(&BookingResult{})})
	s.AddField(StateKeyProcessingStart, graph.Field{Type: reflect.TypeOf(time.Time{})})
	s.AddField(StateKeyProcessingMS, graph.Field{Type: reflect.TypeOf(int64(0))})
	s.AddField(StateKeyTenant, graph.Field{Type: reflect.TypeOf(TenantContext{})})
	s.AddField(StateKeyLead, graph.Field{Type: reflect.TypeOf(LeadContext{})})
	s.AddField(StateKeyConversation, graph.Field{Type: reflect.TypeOf(ConversationContext{})})
	s.AddField(StateKeyBusiness, graph.Field{Type: reflect.TypeOf(BusinessContext{})})
	return s
}

// Typed state accessors. Missing keys yield zero values.

func messagesOf(s graph.State) []Message {
	v, _ := s[StateKeyMessages].([]Message)
	return v
}

func traceOf(s graph.State) []TraceEntry {
	v, _ := s[StateKeyAgentTrace].([]TraceEntry)
	return v
}

func controlOf(s graph.State) Control {
	v, _ := s[StateKeyControl].(Control)
	return v
}

func errorsOf(s graph.State) []string {
	v, _ := s[StateKeyErrors].([]string)
	return v
}

func stringOf(s graph.State, key string) string {
	v, _ := s[key].(string)
	return v
}

func intOf(s graph.State, key string) int {
	v, _ := s[key].(int)
	return v
}

func signalsOf(s graph.State) []string {
	v, _ := s[StateKeyDetectedSignals].([]string)
	return v
}

func bookingOf(s graph.State) *BookingResult {
	v, _ := s[StateKeyBookingResult].(*BookingResult)
	return v
}

func tenantOf(s graph.State) TenantContext {
	v, _ := s[StateKeyTenant].(TenantContext)
	return v
}

func leadOf(s graph.State) LeadContext {
	v, _ := s[StateKeyLead].(LeadContext)
	return v
}

func businessOf(s graph.State) BusinessContext {
	v, _ := s[StateKeyBusiness].(BusinessContext)
	return v
}

// maxIterationsOf re-reads the tenant bound on every call rather than caching
// it, since a resumed turn may carry different tenant configuration.
func maxIterationsOf(s graph.State) int {
	if n := tenantOf(s).MaxIterations; n > 0 {
		return n
	}
	return DefaultMaxIterations
}

// agentNames returns the agents visited in trace order.
func agentNames(trace []TraceEntry) []string {
	out := make([]string, 0, len(trace))
	for _, e := range trace {
		out = append(out, e.Agent)
	}
	return out
}
