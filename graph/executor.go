package graph

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/velora-ai/convoflow/graph")

const defaultMaxSteps = 100

// NodeErrorHandler decides what happens when a node function fails. It sees
// the state the node ran against and may return a recovery patch applied to
// it, after which routing continues as if the node had returned that patch.
// Returning ok=false aborts the run with the original error.
type NodeErrorHandler func(ctx context.Context, nodeID string, state State, err error) (patch State, ok bool)

// VisitHook produces a patch applied to state just before a node runs. It is
// how cross-cutting bookkeeping (visit traces, iteration counters) is done by
// the executor instead of relying on every node to remember it.
type VisitHook func(nodeID string, state State) State

// Executor runs a compiled Graph against an initial state. An Executor is
// stateless between runs and safe for concurrent use.
type Executor struct {
	graph      *Graph
	maxSteps   int
	onNodeErr  NodeErrorHandler
	beforeNode VisitHook
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxSteps sets the hard ceiling on node executions per run. This is a
// structural safeguard independent of any business iteration limit.
func WithMaxSteps(n int) ExecutorOption {
	return func(e *Executor) { e.maxSteps = n }
}

// WithNodeErrorHandler installs the node failure policy.
func WithNodeErrorHandler(h NodeErrorHandler) ExecutorOption {
	return func(e *Executor) { e.onNodeErr = h }
}

// WithVisitHook installs a patch applied before every node execution.
func WithVisitHook(h VisitHook) ExecutorOption {
	return func(e *Executor) { e.beforeNode = h }
}

// NewExecutor validates the graph and builds an executor for it.
func NewExecutor(g *Graph, opts ...ExecutorOption) (*Executor, error) {
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	e := &Executor{graph: g, maxSteps: defaultMaxSteps}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs the graph to completion and returns the final state. Nodes run
// strictly sequentially; each sees the state produced by its predecessors.
func (e *Executor) Execute(ctx context.Context, initial State) (State, error) {
	ctx, span := tracer.Start(ctx, "graph.execute")
	defer span.End()

	state := initial.Clone()
	current := e.graph.EntryPoint()
	var steps int
	for current != End {
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		default:
		}
		steps++
		if steps > e.maxSteps {
			span.SetAttributes(attribute.Int("convoflow.steps", steps))
			return state, fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, e.maxSteps)
		}
		next, newState, err := e.step(ctx, state, current)
		if err != nil {
			return newState, fmt.Errorf("node %s: %w", current, err)
		}
		state = newState
		current = next
	}
	span.SetAttributes(attribute.Int("convoflow.steps", steps))
	return state, nil
}

// step executes one node and resolves the next node ID.
func (e *Executor) step(ctx context.Context, state State, nodeID string) (string, State, error) {
	node, ok := e.graph.Node(nodeID)
	if !ok {
		return "", state, fmtNodeErr("routing reached", nodeID)
	}

	ctx, span := tracer.Start(ctx, "graph.node "+nodeID)
	defer span.End()
	span.SetAttributes(
		attribute.String("convoflow.node_id", nodeID),
		attribute.String("convoflow.node_name", node.Name),
	)

	if e.beforeNode != nil {
		if patch := e.beforeNode(nodeID, state); patch != nil {
			state = e.graph.Schema().ApplyUpdate(state, patch)
		}
	}

	if node.Function != nil {
		patch, err := node.Function(ctx, state)
		if err != nil {
			span.SetAttributes(attribute.String("convoflow.node_error", err.Error()))
			if e.onNodeErr == nil {
				return "", state, err
			}
			recovery, handled := e.onNodeErr(ctx, nodeID, state, err)
			if !handled {
				return "", state, err
			}
			patch = recovery
		}
		if patch != nil {
			state = e.graph.Schema().ApplyUpdate(state, patch)
		}
	}

	next, err := e.route(ctx, state, nodeID)
	if err != nil {
		return "", state, err
	}
	span.SetAttributes(attribute.String("convoflow.next_node", next))
	return next, state, nil
}

// route picks the next node: conditional edge first, then the first plain
// edge, else End.
func (e *Executor) route(ctx context.Context, state State, nodeID string) (string, error) {
	if ce, ok := e.graph.ConditionalEdge(nodeID); ok {
		result, err := ce.Router(ctx, state)
		if err != nil {
			return "", fmt.Errorf("router after %s: %w", nodeID, err)
		}
		next, ok := ce.PathMap[result]
		if !ok {
			return "", fmt.Errorf("%w: %q after %s", ErrUnknownTarget, result, nodeID)
		}
		return next, nil
	}
	if edges := e.graph.Edges(nodeID); len(edges) > 0 {
		return edges[0].To, nil
	}
	return End, nil
}
