package graph

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func visitSchema() *Schema {
	return NewSchema().AddField("visited", Field{
		Type:    reflect.TypeOf([]string{}),
		Reducer: AppendStringsReducer,
		Default: func() any { return []string{} },
	})
}

func recordNode(name string) NodeFunc {
	return func(ctx context.Context, s State) (State, error) {
		return State{"visited": []string{name}}, nil
	}
}

func TestExecuteLinear(t *testing.T) {
	g, err := NewStateGraph(visitSchema()).
		AddNode("a", recordNode("a")).
		AddNode("b", recordNode("b")).
		SetEntryPoint("a").
		AddEdge("a", "b").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)

	exec, err := NewExecutor(g)
	require.NoError(t, err)

	final, err := exec.Execute(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, final["visited"])
}

func TestExecuteConditionalRouting(t *testing.T) {
	router := func(ctx context.Context, s State) (string, error) {
		if v, _ := s["go_left"].(bool); v {
			return "left", nil
		}
		return "right", nil
	}
	build := func() *Graph {
		return NewStateGraph(visitSchema()).
			AddNode("fork", recordNode("fork")).
			AddNode("left", recordNode("left")).
			AddNode("right", recordNode("right")).
			SetEntryPoint("fork").
			AddConditionalEdges("fork", router, map[string]string{"left": "left", "right": "right"}).
			SetFinishPoint("left").
			SetFinishPoint("right").
			MustCompile()
	}

	exec, err := NewExecutor(build())
	require.NoError(t, err)

	final, err := exec.Execute(context.Background(), State{"go_left": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"fork", "left"}, final["visited"])

	final, err = exec.Execute(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fork", "right"}, final["visited"])
}

func TestExecuteRouterResultOutsidePathMap(t *testing.T) {
	router := func(ctx context.Context, s State) (string, error) { return "elsewhere", nil }
	g := NewStateGraph(visitSchema()).
		AddNode("a", recordNode("a")).
		AddNode("b", recordNode("b")).
		SetEntryPoint("a").
		AddConditionalEdges("a", router, map[string]string{"known": "b"}).
		MustCompile()

	exec, err := NewExecutor(g)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), State{})
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestExecuteMaxSteps(t *testing.T) {
	g := NewStateGraph(visitSchema()).
		AddNode("loop", recordNode("loop")).
		SetEntryPoint("loop").
		AddEdge("loop", "loop").
		MustCompile()

	exec, err := NewExecutor(g, WithMaxSteps(3))
	require.NoError(t, err)

	final, err := exec.Execute(context.Background(), State{})
	require.ErrorIs(t, err, ErrMaxStepsExceeded)
	assert.Equal(t, []string{"loop", "loop", "loop"}, final["visited"])
}

func TestExecuteCancelledContext(t *testing.T) {
	g := NewStateGraph(visitSchema()).
		AddNode("a", recordNode("a")).
		SetEntryPoint("a").
		SetFinishPoint("a").
		MustCompile()

	exec, err := NewExecutor(g)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Execute(ctx, State{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNodeErrorHandlerRecovers(t *testing.T) {
	boom := errors.New("boom")
	failing := func(ctx context.Context, s State) (State, error) { return nil, boom }

	g := NewStateGraph(visitSchema()).
		AddNode("bad", failing).
		AddNode("after", recordNode("after")).
		SetEntryPoint("bad").
		AddEdge("bad", "after").
		SetFinishPoint("after").
		MustCompile()

	handler := func(ctx context.Context, nodeID string, s State, err error) (State, bool) {
		return State{"visited": []string{"recovered:" + nodeID}}, true
	}
	exec, err := NewExecutor(g, WithNodeErrorHandler(handler))
	require.NoError(t, err)

	final, err := exec.Execute(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []string{"recovered:bad", "after"}, final["visited"])
}

func TestNodeErrorHandlerDeclines(t *testing.T) {
	boom := errors.New("boom")
	failing := func(ctx context.Context, s State) (State, error) { return nil, boom }

	g := NewStateGraph(visitSchema()).
		AddNode("bad", failing).
		SetEntryPoint("bad").
		SetFinishPoint("bad").
		MustCompile()

	handler := func(ctx context.Context, nodeID string, s State, err error) (State, bool) {
		return nil, false
	}
	exec, err := NewExecutor(g, WithNodeErrorHandler(handler))
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), State{})
	require.ErrorIs(t, err, boom)
}

func TestVisitHookPatchAppliedBeforeNode(t *testing.T) {
	var seen []string
	probe := func(ctx context.Context, s State) (State, error) {
		seen, _ = s["visited"].([]string)
		return nil, nil
	}
	g := NewStateGraph(visitSchema()).
		AddNode("a", probe).
		SetEntryPoint("a").
		SetFinishPoint("a").
		MustCompile()

	hook := func(nodeID string, s State) State {
		return State{"visited": []string{"hook:" + nodeID}}
	}
	exec, err := NewExecutor(g, WithVisitHook(hook))
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hook:a"}, seen)
}

func TestTransient(t *testing.T) {
	assert.False(t, Transient(nil))
	assert.False(t, Transient(errors.New("logic error")))
	assert.True(t, Transient(context.DeadlineExceeded))
}
