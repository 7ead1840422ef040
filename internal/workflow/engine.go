package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// edge channels are buffered so bursty producers (token streams) do not
// stall on slower consumers before backpressure is really needed.
const edgeBuffer = 64

// NodeFactory builds one node instance from its graph declaration. The host
// supplies it, closing over the providers and per-session state the nodes
// need.
type NodeFactory func(cfg NodeConfig) (Node, error)

// Engine runs one graph instance for one session.
type Engine struct {
	name    string
	nodes   []Node
	// nodeRTs is parallel to nodes; runtimes are bound by declaration order
	// so a node's Name() is informational only.
	nodeRTs []*Runtime
	globals *Globals
	log     *slog.Logger

	runtimes map[string]*Runtime
	inputs   map[string]chan Chunk
	outputs  map[string]chan Chunk

	mu       sync.Mutex
	handlers map[string]func(Chunk)
	cancel   context.CancelFunc
	group    *errgroup.Group
	started  bool
	firstErr error
}

// NewEngine instantiates every node via factory and wires the edge channels.
func NewEngine(cfg *GraphConfig, factory NodeFactory, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("workflow: invalid graph %q: %w", cfg.Name, err)
	}
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		name:     cfg.Name,
		globals:  NewGlobals(),
		log:      log.With("graph", cfg.Name),
		runtimes: make(map[string]*Runtime, len(cfg.Nodes)),
		inputs:   make(map[string]chan Chunk),
		outputs:  make(map[string]chan Chunk),
		handlers: make(map[string]func(Chunk)),
	}

	for _, nc := range cfg.Nodes {
		node, err := factory(nc)
		if err != nil {
			return nil, fmt.Errorf("workflow: build node %q: %w", nc.Name, err)
		}
		e.nodes = append(e.nodes, node)
		rt := &Runtime{
			name:    nc.Name,
			ins:     make(map[string]chan Chunk),
			outs:    make(map[string][]chan Chunk),
			globals: e.globals,
			log:     e.log.With("node", nc.Name),
		}
		e.nodeRTs = append(e.nodeRTs, rt)
		e.runtimes[nc.Name] = rt
	}

	// One channel per distinct destination port; fan-out edges from the same
	// source port each get their own subscription.
	inChans := make(map[string]chan Chunk)
	destChan := func(ref string) chan Chunk {
		ch, ok := inChans[ref]
		if !ok {
			ch = make(chan Chunk, edgeBuffer)
			inChans[ref] = ch
			node, port, _ := SplitPort(ref)
			e.runtimes[node].ins[port] = ch
		}
		return ch
	}

	for _, edge := range cfg.Edges {
		fromNode, fromPort, _ := SplitPort(edge.From)
		ch := destChan(edge.To)
		rt := e.runtimes[fromNode]
		rt.outs[fromPort] = append(rt.outs[fromPort], ch)
	}
	for _, in := range cfg.Inputs {
		e.inputs[in] = destChan(in)
	}
	for _, out := range cfg.Outputs {
		fromNode, fromPort, _ := SplitPort(out)
		ch := make(chan Chunk, edgeBuffer)
		e.outputs[out] = ch
		rt := e.runtimes[fromNode]
		rt.outs[fromPort] = append(rt.outs[fromPort], ch)
	}

	return e, nil
}

// RegisterOutput installs the handler for one declared output port. Must be
// called before Start.
func (e *Engine) RegisterOutput(ref string, handler func(Chunk)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("workflow: register output %q after start", ref)
	}
	if _, ok := e.outputs[ref]; !ok {
		return fmt.Errorf("workflow: unknown output %q", ref)
	}
	e.handlers[ref] = handler
	return nil
}

// Start launches every node and output forwarder. A node failure is
// contained: the failure is logged, the node's output streams receive the
// end-of-turn sentinel and the rest of the graph keeps running. Stop reports
// the first failure.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("workflow: graph %q already started", e.name)
	}
	e.started = true

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	e.cancel = cancel
	e.group = g

	for i, node := range e.nodes {
		node := node
		rt := e.nodeRTs[i]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.noteNodeFailure(rt, fmt.Errorf("workflow: node %q panicked: %v", node.Name(), r))
				}
			}()
			if runErr := node.Run(ctx, rt); runErr != nil && ctx.Err() == nil {
				e.noteNodeFailure(rt, fmt.Errorf("workflow: node %q: %w", node.Name(), runErr))
			}
			return nil
		})
	}

	for ref, ch := range e.outputs {
		handler := e.handlers[ref]
		if handler == nil {
			handler = func(Chunk) {}
		}
		ch := ch
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case c := <-ch:
					handler(c)
				}
			}
		})
	}

	e.log.Debug("workflow started", "nodes", len(e.nodes))
	return nil
}

// FeedInput delivers a chunk to one declared input port.
func (e *Engine) FeedInput(ctx context.Context, ref string, c Chunk) error {
	ch, ok := e.inputs[ref]
	if !ok {
		return fmt.Errorf("workflow: unknown input %q", ref)
	}
	select {
	case ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Globals returns the graph-wide shared state, also visible to the host.
func (e *Engine) Globals() *Globals {
	return e.globals
}

// noteNodeFailure records a dead node and seals its output streams so
// downstream consumers reset instead of waiting on a turn that will never
// finish. The rest of the graph is untouched.
func (e *Engine) noteNodeFailure(rt *Runtime, err error) {
	e.log.Error("node failed, isolating", "node", rt.name, "err", err)
	e.mu.Lock()
	if e.firstErr == nil {
		e.firstErr = err
	}
	e.mu.Unlock()
	rt.sealOutputs()
}

// Stop cancels the graph and waits for every node to exit. Returns the first
// node failure, if any. Safe to call more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, g := e.cancel, e.group
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstErr
}
