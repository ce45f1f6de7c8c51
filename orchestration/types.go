package orchestration

import (
	"context"
	"errors"
	"time"
)

// ErrContextLoad marks a failure to load live tenant or lead contexts. It is
// fatal for the turn: running specialists against missing business knowledge
// produces confidently wrong answers.
var ErrContextLoad = errors.New("context load failed")

// Intent values produced by detection and consumed by the vertical router.
const (
	IntentGreeting  = "GREETING"
	IntentPricing   = "PRICING"
	IntentLocation  = "LOCATION"
	IntentHours     = "HOURS"
	IntentFAQ       = "FAQ"
	IntentBooking   = "BOOKING"
	IntentOrdering  = "ORDERING"
	IntentInvoicing = "INVOICING"
	IntentUrgent    = "URGENT"
	IntentGeneral   = "GENERAL"
)

// TenantContext carries per-tenant configuration injected at turn start.
// Read-only for nodes.
type TenantContext struct {
	TenantID string `json:"tenant_id"`
	Vertical string `json:"vertical"`
	// MaxIterations bounds specialist handoffs per turn; 0 means the default.
	MaxIterations int `json:"max_iterations"`
}

// LeadContext identifies the customer behind the conversation.
type LeadContext struct {
	LeadID string `json:"lead_id"`
	Name   string `json:"name"`
	Score  int    `json:"score"`
}

// ConversationContext identifies the conversation thread and channel.
type ConversationContext struct {
	ConversationID string `json:"conversation_id"`
	Channel        string `json:"channel"`
}

// BusinessContext is the business knowledge specialists answer from.
type BusinessContext struct {
	Name     string            `json:"name"`
	Vertical string            `json:"vertical"`
	Services []string          `json:"services,omitempty"`
	Branches []string          `json:"branches,omitempty"`
	Hours    string            `json:"hours,omitempty"`
	FAQs     map[string]string `json:"faqs,omitempty"`
}

// Detection is the supervisor's read of one inbound message.
type Detection struct {
	Intent      string
	Signals     []string
	ScoreChange int
	// Escalate requests immediate human takeover (explicit request, high
	// pain signal). The supervisor never picks an agent itself.
	Escalate bool
	Reason   string
}

// Detector performs intent and signal detection over an inbound message.
// Implementations own the language heuristics; the engine only consumes the
// structured result.
type Detector interface {
	Detect(ctx context.Context, message string, business BusinessContext) (*Detection, error)
}

// Contexts bundles the live per-turn contexts a loader produces.
type Contexts struct {
	Tenant   TenantContext
	Lead     LeadContext
	Business BusinessContext
}

// ContextLoader fetches live contexts for a turn when the caller does not
// supply them. Implementations typically front a tenant database or CRM.
type ContextLoader interface {
	Load(ctx context.Context, tenantID, leadID string) (*Contexts, error)
}

// RateLimiter gates turn admission per tenant.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string) (allowed bool, retryAfter time.Duration, err error)
}

// DeadLetter is a failed turn handed off for offline investigation.
type DeadLetter struct {
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	Error          string         `json:"error"`
	Stage          string         `json:"stage"`
}

// DeadLetterSink receives hard failures. Publishing is best-effort.
type DeadLetterSink interface {
	Publish(ctx context.Context, letter DeadLetter) error
}

// SanitizeResult is the outcome of boundary output filtering.
type SanitizeResult struct {
	IsValid bool
	Text    string
	Issues  []string
}

// Sanitizer filters outbound text before it leaves the engine.
type Sanitizer interface {
	Sanitize(ctx context.Context, text string) (SanitizeResult, error)
}
