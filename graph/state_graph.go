package graph

import "fmt"

// StateGraph is the fluent builder for compiled graphs.
//
// Example:
//
//	g, err := graph.NewStateGraph(schema).
//	    AddNode("work", workFn).
//	    SetEntryPoint("work").
//	    SetFinishPoint("work").
//	    Compile()
//
// The compiled Graph is executed by NewExecutor(g).
type StateGraph struct {
	graph *Graph
	errs  []error
}

// NewStateGraph creates a builder over the given schema.
func NewStateGraph(schema *Schema) *StateGraph {
	return &StateGraph{graph: newGraph(schema)}
}

// NodeOption configures a node added via AddNode.
type NodeOption func(*Node)

// WithName sets the display name of a node.
func WithName(name string) NodeOption {
	return func(n *Node) { n.Name = name }
}

// WithDescription sets the description of a node.
func WithDescription(desc string) NodeOption {
	return func(n *Node) { n.Description = desc }
}

// AddNode registers a node under id.
func (sg *StateGraph) AddNode(id string, fn NodeFunc, opts ...NodeOption) *StateGraph {
	if id == "" {
		sg.errs = append(sg.errs, fmt.Errorf("node ID cannot be empty"))
		return sg
	}
	if _, exists := sg.graph.nodes[id]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("duplicate node ID %q", id))
		return sg
	}
	node := &Node{ID: id, Name: id, Function: fn}
	for _, opt := range opts {
		opt(node)
	}
	sg.graph.nodes[id] = node
	return sg
}

// AddEdge adds an unconditional transition.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	if from == "" || to == "" {
		sg.errs = append(sg.errs, fmt.Errorf("edge endpoints cannot be empty"))
		return sg
	}
	sg.graph.edges[from] = append(sg.graph.edges[from], &Edge{From: from, To: to})
	return sg
}

// AddConditionalEdges routes from a node through router, constrained to the
// targets listed in pathMap.
func (sg *StateGraph) AddConditionalEdges(from string, router RouterFunc, pathMap map[string]string) *StateGraph {
	if _, exists := sg.graph.conditionalEdges[from]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("duplicate conditional edge from %q", from))
		return sg
	}
	sg.graph.conditionalEdges[from] = &ConditionalEdge{From: from, Router: router, PathMap: pathMap}
	return sg
}

// SetEntryPoint marks the node executed first; equivalent to AddEdge(Start, id).
func (sg *StateGraph) SetEntryPoint(id string) *StateGraph {
	sg.graph.entryPoint = id
	return sg.AddEdge(Start, id)
}

// SetFinishPoint marks a terminal node; equivalent to AddEdge(id, End).
func (sg *StateGraph) SetFinishPoint(id string) *StateGraph {
	return sg.AddEdge(id, End)
}

// Compile validates the structure and returns the immutable graph.
func (sg *StateGraph) Compile() (*Graph, error) {
	if len(sg.errs) > 0 {
		return nil, fmt.Errorf("invalid graph: %w", sg.errs[0])
	}
	if err := sg.graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return sg.graph, nil
}

// MustCompile compiles or panics. Intended for startup wiring where an
// invalid graph is a programming error.
func (sg *StateGraph) MustCompile() *Graph {
	g, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return g
}
