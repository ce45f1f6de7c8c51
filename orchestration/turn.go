package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/velora-ai/convoflow/checkpoint"
	"github.com/velora-ai/convoflow/graph"
	"github.com/velora-ai/convoflow/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/velora-ai/convoflow/orchestration")

// fallbackFailureResponse is returned when a turn fails hard and no recovery
// checkpoint is usable.
const fallbackFailureResponse = "We're experiencing a technical issue right now. A member of our team will follow up with you shortly."

// TurnOptions toggles per-turn behavior.
type TurnOptions struct {
	// EnableCheckpointing persists a checkpoint at the end of the turn.
	EnableCheckpointing bool
	// ResumeFromCheckpoint seeds conversation history from the latest
	// checkpoint of the thread instead of PreviousMessages, and replays the
	// stored response when this exact turn already completed.
	ResumeFromCheckpoint bool
}

// TurnRequest is one inbound customer message plus the live contexts loaded
// for it. Contexts always come from the caller, never from storage.
type TurnRequest struct {
	TenantID       string
	ConversationID string
	LeadID         string
	CurrentMessage string
	Channel        string

	Tenant       TenantContext
	Lead         LeadContext
	Conversation ConversationContext
	Business     BusinessContext

	// PreviousMessages seeds history on a fresh turn. Ignored when resuming
	// from a checkpoint that carries history.
	PreviousMessages []Message

	Options TurnOptions
}

// TurnResponse is the outcome of one turn. Success=false still carries a
// customer-facing Response; the engine never returns an empty reply.
type TurnResponse struct {
	Success          bool           `json:"success"`
	Response         string         `json:"response"`
	Intent           string         `json:"intent,omitempty"`
	Signals          []string       `json:"signals,omitempty"`
	ScoreChange      int            `json:"score_change,omitempty"`
	Escalated        bool           `json:"escalated"`
	EscalationReason string         `json:"escalation_reason,omitempty"`
	TokensUsed       int            `json:"tokens_used,omitempty"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	AgentsUsed       []string       `json:"agents_used,omitempty"`
	BookingResult    *BookingResult `json:"booking_result,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
	// Recovered marks a response served from a checkpoint after a transient
	// execution failure, or an idempotent replay of a completed turn.
	Recovered bool `json:"recovered,omitempty"`
	// RetryAfter is set when the turn was refused by rate limiting.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// ProcessTurn runs one conversation turn end to end. It returns an error only
// for malformed requests; every runtime failure degrades to a TurnResponse
// the caller can send to the customer.
func (e *Engine) ProcessTurn(ctx context.Context, req *TurnRequest) (*TurnResponse, error) {
	if req == nil {
		return nil, errors.New("orchestration: nil turn request")
	}
	if req.TenantID == "" || req.ConversationID == "" {
		return nil, errors.New("orchestration: tenant and conversation IDs are required")
	}
	if req.CurrentMessage == "" {
		return nil, errors.New("orchestration: current message is empty")
	}

	ctx, span := tracer.Start(ctx, "orchestration.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("convoflow.tenant_id", req.TenantID),
		attribute.String("convoflow.conversation_id", req.ConversationID),
	)

	if resp := e.admit(ctx, req.TenantID); resp != nil {
		return resp, nil
	}
	if resp := e.loadContexts(ctx, req); resp != nil {
		return resp, nil
	}

	lock := e.lockThread(req.ConversationID)
	defer e.unlockThread(req.ConversationID, lock)

	started := time.Now()
	seed, parentID, replay := e.seedTurn(ctx, req)
	if replay != nil {
		span.SetAttributes(attribute.Bool("convoflow.replayed", true))
		return replay, nil
	}

	final, err := e.executor.Execute(ctx, seed)
	if err != nil {
		return e.failTurn(ctx, req, lock, final, parentID, started, err), nil
	}

	resp := e.buildResponse(ctx, final)
	e.persist(ctx, req, lock, final, parentID, checkpoint.SourceFinalize)
	return resp, nil
}

// admit applies rate limiting. A failing limiter admits the turn; refusing
// service because the limiter is down would invert its purpose.
func (e *Engine) admit(ctx context.Context, tenantID string) *TurnResponse {
	if e.cfg.RateLimiter == nil {
		return nil
	}
	allowed, retryAfter, err := e.cfg.RateLimiter.Allow(ctx, tenantID)
	if err != nil {
		log.Warnf("rate limiter failed for tenant %s, admitting turn: %v", tenantID, err)
		return nil
	}
	if allowed {
		return nil
	}
	return &TurnResponse{
		Success:    false,
		Response:   "We're receiving a lot of messages right now. Please try again in a moment.",
		RetryAfter: retryAfter,
		Errors:     []string{"rate limit exceeded"},
	}
}

// loadContexts fills missing contexts through the configured loader. A load
// failure is fatal for the turn: specialists must not run against missing
// business knowledge, so the turn is dead-lettered and the fallback returned.
func (e *Engine) loadContexts(ctx context.Context, req *TurnRequest) *TurnResponse {
	if e.cfg.Contexts == nil || req.Tenant.TenantID != "" {
		return nil
	}
	loaded, err := e.cfg.Contexts.Load(ctx, req.TenantID, req.LeadID)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrContextLoad, err)
		log.Errorf("turn refused for conversation %s: %v", req.ConversationID, err)
		e.deadLetter(ctx, req, "context_load", err)
		return &TurnResponse{
			Success:          false,
			Response:         fallbackFailureResponse,
			Escalated:        true,
			EscalationReason: err.Error(),
			Errors:           []string{err.Error()},
		}
	}
	req.Tenant = loaded.Tenant
	req.Lead = loaded.Lead
	req.Business = loaded.Business
	return nil
}

// seedTurn builds the initial state for the turn. On resume it prefers the
// checkpointed history over PreviousMessages and may short-circuit entirely
// when the checkpoint shows this exact turn already completed.
func (e *Engine) seedTurn(ctx context.Context, req *TurnRequest) (graph.State, string, *TurnResponse) {
	seed := graph.State{
		StateKeyTenant:         req.Tenant,
		StateKeyLead:           req.Lead,
		StateKeyConversation:   req.Conversation,
		StateKeyBusiness:       req.Business,
		StateKeyCurrentMessage: req.CurrentMessage,
	}
	if req.Tenant.TenantID == "" {
		seed[StateKeyTenant] = TenantContext{TenantID: req.TenantID, Vertical: req.Business.Vertical}
	}
	if req.Conversation.ConversationID == "" {
		seed[StateKeyConversation] = ConversationContext{
			ConversationID: req.ConversationID,
			Channel:        req.Channel,
		}
	}
	if len(req.PreviousMessages) > 0 {
		seed[StateKeyMessages] = sanitizeMessages(req.PreviousMessages)
	}

	if !req.Options.ResumeFromCheckpoint || !e.checkpoints.Enabled() {
		return seed, "", nil
	}
	tuple := e.checkpoints.Latest(ctx, req.ConversationID)
	if tuple == nil || tuple.Checkpoint == nil {
		return seed, "", nil
	}
	stored := rehydrateState(tuple.Checkpoint.ChannelValues)

	// Idempotent replay: the latest checkpoint already answered this exact
	// message. Re-running the graph would duplicate the reply.
	if stringOf(stored, StateKeyCurrentMessage) == req.CurrentMessage &&
		controlOf(stored).ResponseReady &&
		stringOf(stored, StateKeyFinalResponse) != "" {
		resp := e.buildResponse(ctx, stored)
		resp.Recovered = true
		return nil, "", resp
	}

	if msgs := messagesOf(stored); len(msgs) > 0 {
		seed[StateKeyMessages] = msgs
	}
	return seed, tuple.Checkpoint.ID, nil
}

// failTurn handles an execution failure: recover from the latest checkpoint
// when the failure was transient, otherwise dead-letter the turn and return
// the fallback response.
func (e *Engine) failTurn(
	ctx context.Context, req *TurnRequest, lock *threadLock,
	state graph.State, parentID string, started time.Time, execErr error,
) *TurnResponse {
	log.Errorf("turn failed for conversation %s: %v", req.ConversationID, execErr)

	if graph.Transient(execErr) {
		if tuple := e.checkpoints.Latest(ctx, req.ConversationID); tuple != nil && tuple.Checkpoint != nil {
			stored := rehydrateState(tuple.Checkpoint.ChannelValues)
			if stringOf(stored, StateKeyFinalResponse) != "" {
				log.Infof("recovered conversation %s from checkpoint %s", req.ConversationID, tuple.Checkpoint.ID)
				resp := e.buildResponse(ctx, stored)
				resp.Recovered = true
				resp.Errors = append(resp.Errors, fmt.Sprintf("recovered after transient failure: %v", execErr))
				return resp
			}
		}
	}

	e.deadLetter(ctx, req, "execute", execErr)
	// Persist what the turn accumulated before failing so an operator can
	// inspect it. Tagged SourceLoop: the state is mid-turn, not a finished
	// answer, and must never be mistaken for one.
	if state != nil {
		e.persist(ctx, req, lock, state, parentID, checkpoint.SourceLoop)
	}
	return &TurnResponse{
		Success:          false,
		Response:         fallbackFailureResponse,
		Escalated:        true,
		EscalationReason: fmt.Sprintf("processing failure: %v", execErr),
		ProcessingTimeMS: time.Since(started).Milliseconds(),
		Errors:           []string{execErr.Error()},
	}
}

func (e *Engine) deadLetter(ctx context.Context, req *TurnRequest, stage string, cause error) {
	if e.cfg.DeadLetter == nil {
		return
	}
	letter := DeadLetter{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		Payload: map[string]any{
			"current_message": req.CurrentMessage,
			"lead_id":         req.LeadID,
			"channel":         req.Channel,
		},
		Error: cause.Error(),
		Stage: stage,
	}
	if err := e.cfg.DeadLetter.Publish(ctx, letter); err != nil {
		log.Warnf("dead letter publish failed for conversation %s: %v", req.ConversationID, err)
	}
}

// buildResponse projects final graph state into the caller-facing response,
// sanitizing the outbound text at the boundary.
func (e *Engine) buildResponse(ctx context.Context, s graph.State) *TurnResponse {
	control := controlOf(s)
	resp := &TurnResponse{
		Success:          true,
		Response:         stringOf(s, StateKeyFinalResponse),
		Intent:           stringOf(s, StateKeyDetectedIntent),
		Signals:          signalsOf(s),
		ScoreChange:      intOf(s, StateKeyScoreChange),
		Escalated:        control.ShouldEscalate,
		EscalationReason: control.EscalationReason,
		TokensUsed:       intOf(s, StateKeyTokensUsed),
		AgentsUsed:       agentNames(traceOf(s)),
		BookingResult:    bookingOf(s),
		Errors:           errorsOf(s),
	}
	if ms, ok := s[StateKeyProcessingMS].(int64); ok {
		resp.ProcessingTimeMS = ms
	}
	if resp.Response == "" {
		resp.Response = fallbackEscalationResponse
	}
	if e.cfg.Sanitizer != nil {
		result, err := e.cfg.Sanitizer.Sanitize(ctx, resp.Response)
		switch {
		case err != nil:
			log.Warnf("sanitizer failed, passing response through: %v", err)
		case !result.IsValid:
			resp.Response = result.Text
			resp.Errors = append(resp.Errors, result.Issues...)
		default:
			resp.Response = result.Text
		}
	}
	return resp
}

// persist writes a checkpoint tagged with the given source: SourceFinalize
// for a completed turn, SourceLoop for the partial state of a failed one. The
// write is asynchronous by default so storage latency stays off the customer
// path; the per-thread persist lock is taken while the turn lock is still
// held, which keeps writes for one thread in turn order even when they race.
func (e *Engine) persist(ctx context.Context, req *TurnRequest, lock *threadLock, s graph.State, parentID, source string) {
	if !req.Options.EnableCheckpointing || !e.checkpoints.Enabled() {
		return
	}
	cfg := checkpoint.NewConfig(req.ConversationID)
	values := projectState(s)
	step := controlOf(s).IterationCount

	if e.cfg.SyncCheckpoint {
		e.checkpoints.Save(ctx, cfg, values, source, step, parentID)
		return
	}
	lock.persist.Lock()
	e.retainThread(lock)
	go func() {
		defer e.releaseThread(req.ConversationID, lock)
		defer lock.persist.Unlock()
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		e.checkpoints.Save(saveCtx, cfg, values, source, step, parentID)
	}()
}
