// Package workflow implements the typed-node dataflow graph that processes a
// session: nodes run as goroutines, edges are buffered channels of Chunks,
// and a YAML graph description wires them together.
//
// Channels are never closed; every node loop and output forwarder terminates
// on context cancellation. This keeps fan-out edges (one producer port feeding
// several consumers) free of close-ownership problems.
package workflow

import (
	"context"
	"log/slog"
	"sync"
)

// Node is one processing stage of a graph. Run blocks until ctx is cancelled
// or the node fails; a non-nil error is logged by the engine, the node's
// output streams are sealed with the end sentinel, and the rest of the graph
// keeps running.
type Node interface {
	Name() string
	Run(ctx context.Context, rt *Runtime) error
}

// Globals is shared mutable session state visible to every node of a graph.
// Used for cross-cutting signals that do not travel along edges, like the
// response generation counter that implements barge-in.
type Globals struct {
	mu sync.Mutex
	m  map[string]any
}

func NewGlobals() *Globals {
	return &Globals{m: make(map[string]any)}
}

// Get returns the value at key, or nil.
func (g *Globals) Get(key string) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[key]
}

// Set stores value at key.
func (g *Globals) Set(key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.m[key] = value
}

// GetInt returns the integer at key, or 0.
func (g *Globals) GetInt(key string) int64 {
	v, _ := g.Get(key).(int64)
	return v
}

// BumpInt increments the integer at key and returns the new value.
func (g *Globals) BumpInt(key string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, _ := g.m[key].(int64)
	v++
	g.m[key] = v
	return v
}

// Runtime is a node's view of the graph: its input channels, its output
// subscriber lists, the shared globals and a node-scoped logger.
type Runtime struct {
	name    string
	ins     map[string]chan Chunk
	outs    map[string][]chan Chunk
	globals *Globals
	log     *slog.Logger
}

// In returns the channel feeding the named input port. The channel is nil
// when the graph wires nothing into the port; receiving from it blocks
// forever, which composes correctly inside select loops.
func (rt *Runtime) In(port string) <-chan Chunk {
	return rt.ins[port]
}

// Emit sends a chunk to every edge subscribed to the named output port.
// Returns ctx.Err when cancelled mid-send. Emitting on a port with no
// subscribers is a no-op.
func (rt *Runtime) Emit(ctx context.Context, port string, c Chunk) error {
	for _, ch := range rt.outs[port] {
		select {
		case ch <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sealOutputs pushes the end-of-turn sentinel to every subscriber of every
// output port. Called by the engine when the node dies so consumers reset
// their per-turn state. Non-blocking; a full edge already has data to drain.
func (rt *Runtime) sealOutputs() {
	for _, subs := range rt.outs {
		for _, ch := range subs {
			select {
			case ch <- Chunk{"text": ""}:
			default:
			}
		}
	}
}

// Globals returns the graph-wide shared state.
func (rt *Runtime) Globals() *Globals {
	return rt.globals
}

// Log returns a logger tagged with the node name.
func (rt *Runtime) Log() *slog.Logger {
	return rt.log
}
