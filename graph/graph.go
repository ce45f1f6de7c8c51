// Package graph provides a directed-graph executor for conversational
// workflows: nodes return partial state updates, routers decide the next node,
// and a compiled Graph is immutable and safe to share across turns.
package graph

import "context"

// Special node identifiers used in routing.
const (
	// Start is the virtual source of the entry edge.
	Start = "__start__"
	// End is the virtual terminal node.
	End = "__end__"
)

// NodeFunc executes one unit of work. It returns a partial State merged into
// the running state by the executor, or an error.
type NodeFunc func(ctx context.Context, state State) (State, error)

// RouterFunc inspects state and names the next node.
type RouterFunc func(ctx context.Context, state State) (string, error)

// Node is a vertex in the compiled graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc
}

// Edge is an unconditional transition.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes from a node through a router function. PathMap is
// the closed set of router outcomes; every value must name a registered node
// (or End), which Compile verifies.
type ConditionalEdge struct {
	From    string
	Router  RouterFunc
	PathMap map[string]string
}

// Graph is the compiled, immutable execution plan. Build one with
// StateGraph.Compile at startup and share it across concurrent turns; all
// mutable data lives in the per-turn State.
type Graph struct {
	schema           *Schema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
}

func newGraph(schema *Schema) *Graph {
	if schema == nil {
		schema = NewSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edges returns outgoing unconditional edges of a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge leaving a node, if any.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	e, ok := g.conditionalEdges[nodeID]
	return e, ok
}

// EntryPoint returns the entry node ID.
func (g *Graph) EntryPoint() string {
	return g.entryPoint
}

// Schema returns the state schema.
func (g *Graph) Schema() *Schema {
	return g.schema
}

// validate checks structural integrity: the entry point exists and every
// routing target, conditional or not, names a registered node. A bad PathMap
// is a build-time error here, never a runtime fallback.
func (g *Graph) validate() error {
	if g.entryPoint == "" {
		return ErrNoEntryPoint
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return fmtNodeErr("entry point", g.entryPoint)
	}
	for from, edges := range g.edges {
		if from != Start {
			if _, ok := g.nodes[from]; !ok {
				return fmtNodeErr("edge source", from)
			}
		}
		for _, e := range edges {
			if e.To == End {
				continue
			}
			if _, ok := g.nodes[e.To]; !ok {
				return fmtNodeErr("edge target", e.To)
			}
		}
	}
	for from, ce := range g.conditionalEdges {
		if _, ok := g.nodes[from]; !ok && from != Start {
			return fmtNodeErr("conditional edge source", from)
		}
		if ce.Router == nil {
			return fmtNodeErr("nil router on", from)
		}
		for _, to := range ce.PathMap {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmtNodeErr("conditional edge target", to)
			}
		}
	}
	return nil
}
