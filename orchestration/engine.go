package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/velora-ai/convoflow/checkpoint"
	"github.com/velora-ai/convoflow/graph"
)

// defaultMaxSteps bounds node executions per turn. It sits well above the
// business iteration limit so only a routing defect can hit it.
const defaultMaxSteps = 50

// Config assembles an Engine. Agents and Detector are required; everything
// else is optional and degrades to a no-op when absent.
type Config struct {
	// Agents is the specialist catalogue keyed by name. It must contain the
	// general specialist, the safety net every router falls back to.
	Agents map[string]Agent
	// Detector performs intent and signal detection in the supervisor.
	Detector Detector
	// Contexts loads live tenant and lead contexts when a request arrives
	// without them. Nil means the caller always supplies contexts.
	Contexts ContextLoader
	// Saver enables checkpoint persistence. Nil disables it.
	Saver checkpoint.Saver
	// Sanitizer filters outbound responses. Nil passes text through.
	Sanitizer Sanitizer
	// RateLimiter gates turn admission per tenant. Nil admits everything.
	RateLimiter RateLimiter
	// DeadLetter receives hard turn failures. Nil drops them after logging.
	DeadLetter DeadLetterSink
	// MaxSteps overrides the structural step ceiling; 0 means the default.
	MaxSteps int
	// SyncCheckpoint makes the end-of-turn checkpoint write synchronous.
	// Turn latency then includes the write; intended for tests and batch use.
	SyncCheckpoint bool
}

// Engine owns the compiled conversation graph and everything a turn needs
// around it. Build one per process and share it; all methods are safe for
// concurrent use.
type Engine struct {
	cfg         Config
	executor    *graph.Executor
	checkpoints *checkpoint.Manager
	registered  map[string]bool

	mu      sync.Mutex
	threads map[string]*threadLock
}

// NewEngine compiles the conversation graph and returns a ready engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Detector == nil {
		return nil, errors.New("orchestration: detector is required")
	}
	if len(cfg.Agents) == 0 {
		return nil, errors.New("orchestration: at least one agent is required")
	}
	if _, ok := cfg.Agents[AgentGeneral]; !ok {
		return nil, fmt.Errorf("orchestration: agent catalogue must include %q", AgentGeneral)
	}

	registered := make(map[string]bool, len(cfg.Agents))
	for name := range cfg.Agents {
		registered[name] = true
	}

	e := &Engine{
		cfg:         cfg,
		checkpoints: checkpoint.NewManager(cfg.Saver),
		registered:  registered,
		threads:     make(map[string]*threadLock),
	}

	g, err := buildGraph(cfg, registered)
	if err != nil {
		return nil, err
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	executor, err := graph.NewExecutor(g,
		graph.WithMaxSteps(maxSteps),
		graph.WithVisitHook(e.visitHook),
		graph.WithNodeErrorHandler(e.handleNodeError),
	)
	if err != nil {
		return nil, err
	}
	e.executor = executor
	return e, nil
}

// buildGraph wires the fixed topology: initialize, supervisor, vertical
// router, the specialist catalogue, escalation, finalize. Routing targets are
// closed path maps so a router can never name a node the graph lacks.
func buildGraph(cfg Config, registered map[string]bool) (*graph.Graph, error) {
	sg := graph.NewStateGraph(Schema())

	sg.AddNode(NodeInitialize, initializeNode, graph.WithName("initialize turn"))
	sg.AddNode(NodeSupervisor, newSupervisorNode(cfg.Detector), graph.WithName("detect intent"))
	sg.AddNode(NodeVerticalRouter, verticalRouterNode, graph.WithName("pick specialist"))
	sg.AddNode(NodeEscalation, escalationNode, graph.WithName("escalate to human"))
	sg.AddNode(NodeFinalize, finalizeNode, graph.WithName("finalize turn"))
	for name, agent := range cfg.Agents {
		sg.AddNode(name, newSpecialistNode(name, agent))
	}

	sg.SetEntryPoint(NodeInitialize)
	sg.AddEdge(NodeInitialize, NodeSupervisor)

	sg.AddConditionalEdges(NodeSupervisor, mainRouter, map[string]string{
		NodeEscalation:     NodeEscalation,
		NodeFinalize:       NodeFinalize,
		NodeVerticalRouter: NodeVerticalRouter,
	})

	specialistPaths := make(map[string]string, len(registered))
	for name := range registered {
		specialistPaths[name] = name
	}
	sg.AddConditionalEdges(NodeVerticalRouter, newAgentRouter(registered), specialistPaths)

	postPaths := make(map[string]string, len(registered)+2)
	for name := range registered {
		postPaths[name] = name
	}
	postPaths[NodeEscalation] = NodeEscalation
	postPaths[NodeFinalize] = NodeFinalize
	postRouter := newPostAgentRouter(registered)
	for name := range registered {
		sg.AddConditionalEdges(name, postRouter, postPaths)
	}

	sg.AddEdge(NodeEscalation, NodeFinalize)
	sg.SetFinishPoint(NodeFinalize)

	return sg.Compile()
}

// visitHook records every node visit in the trace and advances the iteration
// counter for specialist visits. Counting lives here, not in agent code, so
// no specialist can forget or manipulate it.
func (e *Engine) visitHook(nodeID string, s graph.State) graph.State {
	patch := graph.State{
		StateKeyAgentTrace: []TraceEntry{{Agent: nodeID, StartedAt: time.Now().UTC()}},
	}
	if e.registered[nodeID] {
		control := controlOf(s)
		control.IterationCount++
		control.MaxIterations = maxIterationsOf(s)
		patch[StateKeyControl] = control
	}
	return patch
}

// handleNodeError is the turn degradation policy. Contract violations abort
// the run; any other node failure is recorded and converted into an
// escalation so the customer still gets a response.
func (e *Engine) handleNodeError(ctx context.Context, nodeID string, s graph.State, err error) (graph.State, bool) {
	if errors.Is(err, ErrAgentContract) {
		return nil, false
	}
	control := controlOf(s)
	control.ShouldEscalate = true
	if control.EscalationReason == "" {
		control.EscalationReason = fmt.Sprintf("node failure: %v", err)
	}
	return graph.State{
		StateKeyErrors:  []string{fmt.Sprintf("node %s failed: %v", nodeID, err)},
		StateKeyControl: control,
	}, true
}

// Checkpoints exposes the checkpoint manager for maintenance operations
// (thread listing, retention cleanup). It is always non-nil.
func (e *Engine) Checkpoints() *checkpoint.Manager {
	return e.checkpoints
}

// threadLock serializes turn processing and checkpoint writes per thread.
// turn is held for the duration of a turn; persist orders asynchronous
// checkpoint writes so a slow write for turn N can never land after the
// write for turn N+1. refs counts holders (turns plus in-flight persist
// goroutines) so the entry can be evicted once the thread goes idle.
type threadLock struct {
	turn    sync.Mutex
	persist sync.Mutex
	refs    int
}

// lockThread acquires the per-thread turn lock, creating it on first use.
func (e *Engine) lockThread(threadID string) *threadLock {
	e.mu.Lock()
	l, ok := e.threads[threadID]
	if !ok {
		l = &threadLock{}
		e.threads[threadID] = l
	}
	l.refs++
	e.mu.Unlock()
	l.turn.Lock()
	return l
}

// unlockThread releases the turn lock and the caller's reference.
func (e *Engine) unlockThread(threadID string, l *threadLock) {
	l.turn.Unlock()
	e.releaseThread(threadID, l)
}

// retainThread takes an extra reference, keeping the entry alive past the end
// of the turn for an asynchronous persist.
func (e *Engine) retainThread(l *threadLock) {
	e.mu.Lock()
	l.refs++
	e.mu.Unlock()
}

// releaseThread drops one reference and evicts the entry when nothing holds
// it. A lock entry exists only while its conversation is active, so the map
// does not grow with every conversation ever seen.
func (e *Engine) releaseThread(threadID string, l *threadLock) {
	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.threads, threadID)
	}
	e.mu.Unlock()
}
