package orchestration

import (
	"encoding/json"
	"time"

	"github.com/velora-ai/convoflow/graph"
	"github.com/velora-ai/convoflow/log"
)

// channelValuesKeySchemaVersion tags every serialized projection so future
// schema changes can migrate or default old checkpoints explicitly.
const channelValuesKeySchemaVersion = "schema_version"

// stateSchemaVersion is the current projection version.
const stateSchemaVersion = 1

// projectState builds the serializable projection of conversation state for
// checkpointing. Contexts are intentionally excluded: they are re-loaded live
// on resume, never trusted from storage.
func projectState(s graph.State) map[string]any {
	values := map[string]any{
		channelValuesKeySchemaVersion: stateSchemaVersion,
		StateKeyMessages:              messagesOf(s),
		StateKeyAgentTrace:            traceOf(s),
		StateKeyControl:               controlOf(s),
		StateKeyCurrentMessage:        stringOf(s, StateKeyCurrentMessage),
		StateKeyCurrentAgent:          stringOf(s, StateKeyCurrentAgent),
		StateKeyNextAgent:             stringOf(s, StateKeyNextAgent),
		StateKeyFinalResponse:         stringOf(s, StateKeyFinalResponse),
		StateKeyDetectedIntent:        stringOf(s, StateKeyDetectedIntent),
		StateKeyDetectedSignals:       signalsOf(s),
		StateKeyScoreChange:           intOf(s, StateKeyScoreChange),
		StateKeyTokensUsed:            intOf(s, StateKeyTokensUsed),
		StateKeyErrors:                errorsOf(s),
	}
	if b := bookingOf(s); b != nil {
		values[StateKeyBookingResult] = b
	}
	if ms, ok := s[StateKeyProcessingMS].(int64); ok {
		values[StateKeyProcessingMS] = ms
	}
	return values
}

// rehydrateState reconstructs conversation state from a checkpoint's channel
// values. Every field is decoded defensively: unknown or malformed shapes are
// dropped rather than propagated, since the checkpoint may have been written
// by an older schema version.
func rehydrateState(values map[string]any) graph.State {
	s := graph.State{}
	if values == nil {
		return s
	}
	if v, ok := decodeField[int](values, channelValuesKeySchemaVersion); ok && v > stateSchemaVersion {
		log.Warnf("checkpoint schema version %d is newer than supported %d; fields may be dropped",
			v, stateSchemaVersion)
	}
	if v, ok := decodeField[[]Message](values, StateKeyMessages); ok {
		s[StateKeyMessages] = sanitizeMessages(v)
	}
	if v, ok := decodeField[[]TraceEntry](values, StateKeyAgentTrace); ok {
		s[StateKeyAgentTrace] = v
	}
	if v, ok := decodeField[Control](values, StateKeyControl); ok {
		s[StateKeyControl] = v
	}
	if v, ok := decodeField[string](values, StateKeyCurrentMessage); ok {
		s[StateKeyCurrentMessage] = v
	}
	if v, ok := decodeField[string](values, StateKeyCurrentAgent); ok {
		s[StateKeyCurrentAgent] = v
	}
	if v, ok := decodeField[string](values, StateKeyNextAgent); ok {
		s[StateKeyNextAgent] = v
	}
	if v, ok := decodeField[string](values, StateKeyFinalResponse); ok {
		s[StateKeyFinalResponse] = v
	}
	if v, ok := decodeField[string](values, StateKeyDetectedIntent); ok {
		s[StateKeyDetectedIntent] = v
	}
	if v, ok := decodeField[[]string](values, StateKeyDetectedSignals); ok {
		s[StateKeyDetectedSignals] = v
	}
	if v, ok := decodeField[int](values, StateKeyScoreChange); ok {
		s[StateKeyScoreChange] = v
	}
	if v, ok := decodeField[int](values, StateKeyTokensUsed); ok {
		s[StateKeyTokensUsed] = v
	}
	if v, ok := decodeField[[]string](values, StateKeyErrors); ok {
		s[StateKeyErrors] = v
	}
	if v, ok := decodeField[*BookingResult](values, StateKeyBookingResult); ok && v != nil {
		s[StateKeyBookingResult] = v
	}
	if v, ok := decodeField[int64](values, StateKeyProcessingMS); ok {
		s[StateKeyProcessingMS] = v
	}
	return s
}

// decodeField converts one channel value to T through a JSON round trip,
// which handles both in-process typed values and values deserialized from
// storage as generic maps. Failure means the field is absent.
func decodeField[T any](values map[string]any, key string) (T, bool) {
	var zero T
	raw, ok := values[key]
	if !ok || raw == nil {
		return zero, false
	}
	if typed, ok := raw.(T); ok {
		return typed, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false
	}
	return out, true
}

// sanitizeMessages drops entries an older writer may have produced without a
// role or content.
func sanitizeMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "" || m.Content == "" {
			continue
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		out = append(out, m)
	}
	return out
}
