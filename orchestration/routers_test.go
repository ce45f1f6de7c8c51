package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-ai/convoflow/graph"
)

func registeredSet(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func TestMainRouter(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		state graph.State
		want  string
	}{
		{
			name:  "escalation flag wins over everything",
			state: graph.State{StateKeyControl: Control{ShouldEscalate: true, ResponseReady: true}, StateKeyFinalResponse: "done"},
			want:  NodeEscalation,
		},
		{
			name: "iteration limit wins over ready response",
			state: graph.State{
				StateKeyControl:       Control{IterationCount: 5, ResponseReady: true},
				StateKeyFinalResponse: "done",
			},
			want: NodeEscalation,
		},
		{
			name:  "ready response finalizes",
			state: graph.State{StateKeyControl: Control{IterationCount: 1, ResponseReady: true}, StateKeyFinalResponse: "done"},
			want:  NodeFinalize,
		},
		{
			name:  "ready flag without text keeps routing",
			state: graph.State{StateKeyControl: Control{ResponseReady: true}},
			want:  NodeVerticalRouter,
		},
		{
			name:  "default goes to vertical router",
			state: graph.State{StateKeyControl: Control{}},
			want:  NodeVerticalRouter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mainRouter(ctx, tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMainRouterHonorsTenantIterationBound(t *testing.T) {
	state := graph.State{
		StateKeyControl: Control{IterationCount: 2},
		StateKeyTenant:  TenantContext{TenantID: "t1", MaxIterations: 2},
	}
	got, err := mainRouter(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, NodeEscalation, got)
}

func TestResolveAgentFallsBackToGeneral(t *testing.T) {
	registered := registeredSet(AgentGreeting, AgentGeneral)

	assert.Equal(t, AgentGreeting, resolveAgent(AgentGreeting, registered))
	assert.Equal(t, AgentGeneral, resolveAgent("nonexistent", registered))
	assert.Equal(t, AgentGeneral, resolveAgent("", registered))
}

func TestAgentRouter(t *testing.T) {
	router := newAgentRouter(registeredSet(AgentPricing, AgentGeneral))

	got, err := router(context.Background(), graph.State{StateKeyNextAgent: AgentPricing})
	require.NoError(t, err)
	assert.Equal(t, AgentPricing, got)

	got, err = router(context.Background(), graph.State{StateKeyNextAgent: "mystery"})
	require.NoError(t, err)
	assert.Equal(t, AgentGeneral, got)
}

func TestPostAgentRouter(t *testing.T) {
	ctx := context.Background()
	registered := registeredSet(AgentGreeting, AgentBooking, AgentGeneral)
	router := newPostAgentRouter(registered)

	tests := []struct {
		name  string
		state graph.State
		want  string
	}{
		{
			name:  "escalation wins",
			state: graph.State{StateKeyControl: Control{ShouldEscalate: true}, StateKeyFinalResponse: "x"},
			want:  NodeEscalation,
		},
		{
			name:  "ready final finalizes",
			state: graph.State{StateKeyControl: Control{ResponseReady: true}, StateKeyFinalResponse: "x"},
			want:  NodeFinalize,
		},
		{
			name: "handoff under the limit goes to the target",
			state: graph.State{
				StateKeyControl:      Control{IterationCount: 1},
				StateKeyCurrentAgent: AgentGreeting,
				StateKeyNextAgent:    AgentBooking,
			},
			want: AgentBooking,
		},
		{
			name: "handoff at the limit escalates",
			state: graph.State{
				StateKeyControl:      Control{IterationCount: DefaultMaxIterations},
				StateKeyCurrentAgent: AgentGreeting,
				StateKeyNextAgent:    AgentBooking,
			},
			want: NodeEscalation,
		},
		{
			name: "handoff to unknown agent resolves to general",
			state: graph.State{
				StateKeyControl:      Control{IterationCount: 1},
				StateKeyCurrentAgent: AgentGreeting,
				StateKeyNextAgent:    "mystery",
			},
			want: AgentGeneral,
		},
		{
			name: "self handoff is not a handoff",
			state: graph.State{
				StateKeyCurrentAgent:  AgentGreeting,
				StateKeyNextAgent:     AgentGreeting,
				StateKeyFinalResponse: "x",
			},
			want: NodeFinalize,
		},
		{
			name:  "final without ready flag still finalizes",
			state: graph.State{StateKeyFinalResponse: "x"},
			want:  NodeFinalize,
		},
		{
			name:  "nothing set falls to the general safety net",
			state: graph.State{StateKeyControl: Control{IterationCount: 1}},
			want:  AgentGeneral,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := router(ctx, tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
