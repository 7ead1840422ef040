package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// upperNode copies in -> out, uppercasing "text".
type upperNode struct{ name string }

func (n *upperNode) Name() string { return n.name }

func (n *upperNode) Run(ctx context.Context, rt *Runtime) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-rt.In("in"):
			out := Chunk{"text": strings.ToUpper(c.Str("text"))}
			if err := rt.Emit(ctx, "out", out); err != nil {
				return err
			}
		}
	}
}

// panicNode panics on its first input.
type panicNode struct{ name string }

func (n *panicNode) Name() string { return n.name }

func (n *panicNode) Run(ctx context.Context, rt *Runtime) error {
	select {
	case <-ctx.Done():
		return nil
	case <-rt.In("in"):
		panic("boom")
	}
}

func testFactory(cfg NodeConfig) (Node, error) {
	switch cfg.Type {
	case "upper":
		return &upperNode{name: cfg.Name}, nil
	case "panic":
		return &panicNode{name: cfg.Name}, nil
	}
	return nil, nil
}

func TestEngineFlowsChunksThroughEdges(t *testing.T) {
	cfg := &GraphConfig{
		Name: "test",
		Nodes: []NodeConfig{
			{Name: "a", Type: "upper"},
			{Name: "b", Type: "upper"},
		},
		Edges:   []EdgeConfig{{From: "a.out", To: "b.in"}},
		Inputs:  []string{"a.in"},
		Outputs: []string{"b.out"},
	}

	e, err := NewEngine(cfg, testFactory, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	got := make(chan Chunk, 1)
	if err := e.RegisterOutput("b.out", func(c Chunk) { got <- c }); err != nil {
		t.Fatalf("RegisterOutput: %v", err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := e.FeedInput(ctx, "a.in", Chunk{"text": "hi"}); err != nil {
		t.Fatalf("FeedInput: %v", err)
	}

	select {
	case c := <-got:
		if c.Str("text") != "HI" {
			t.Errorf("text = %q, want HI", c.Str("text"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no output within 2s")
	}
}

func TestEngineFanOut(t *testing.T) {
	cfg := &GraphConfig{
		Name: "fanout",
		Nodes: []NodeConfig{
			{Name: "src", Type: "upper"},
			{Name: "left", Type: "upper"},
			{Name: "right", Type: "upper"},
		},
		Edges: []EdgeConfig{
			{From: "src.out", To: "left.in"},
			{From: "src.out", To: "right.in"},
		},
		Inputs:  []string{"src.in"},
		Outputs: []string{"left.out", "right.out"},
	}

	e, err := NewEngine(cfg, testFactory, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	wait := make(chan struct{}, 2)
	handler := func(port string) func(Chunk) {
		return func(Chunk) {
			mu.Lock()
			seen[port]++
			mu.Unlock()
			wait <- struct{}{}
		}
	}
	if err := e.RegisterOutput("left.out", handler("left")); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterOutput("right.out", handler("right")); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := e.FeedInput(ctx, "src.in", Chunk{"text": "x"}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-wait:
		case <-time.After(2 * time.Second):
			t.Fatal("fan-out did not reach both consumers")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["left"] != 1 || seen["right"] != 1 {
		t.Errorf("seen = %v", seen)
	}
}

func TestEngineReportsNodePanic(t *testing.T) {
	cfg := &GraphConfig{
		Name:   "panics",
		Nodes:  []NodeConfig{{Name: "p", Type: "panic"}},
		Inputs: []string{"p.in"},
	}

	e, err := NewEngine(cfg, testFactory, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.FeedInput(ctx, "p.in", Chunk{}); err != nil {
		t.Fatal(err)
	}

	err = e.Stop()
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Stop error = %v, want panic report", err)
	}
}

// TestEngineContainsNodeFailure checks that one dying node does not take the
// graph down: its outputs end with the sentinel and the other nodes keep
// processing.
func TestEngineContainsNodeFailure(t *testing.T) {
	cfg := &GraphConfig{
		Name: "contain",
		Nodes: []NodeConfig{
			{Name: "p", Type: "panic"},
			{Name: "a", Type: "upper"},
		},
		Inputs:  []string{"p.in", "a.in"},
		Outputs: []string{"p.out", "a.out"},
	}

	e, err := NewEngine(cfg, testFactory, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	pOut := make(chan Chunk, 4)
	aOut := make(chan Chunk, 4)
	if err := e.RegisterOutput("p.out", func(c Chunk) { pOut <- c }); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterOutput("a.out", func(c Chunk) { aOut <- c }); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := e.FeedInput(ctx, "p.in", Chunk{}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-pOut:
		if c.Str("text") != "" {
			t.Errorf("sealed output chunk = %v, want end sentinel", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failed node's output was not sealed within 2s")
	}

	// The healthy node still runs after the failure.
	if err := e.FeedInput(ctx, "a.in", Chunk{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-aOut:
		if c.Str("text") != "HI" {
			t.Errorf("text = %q, want HI", c.Str("text"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy node stopped after unrelated failure")
	}

	err = e.Stop()
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Stop error = %v, want panic report", err)
	}
}

func TestFeedInputUnknownPort(t *testing.T) {
	cfg := &GraphConfig{
		Name:  "min",
		Nodes: []NodeConfig{{Name: "a", Type: "upper"}},
	}
	e, err := NewEngine(cfg, testFactory, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.FeedInput(context.Background(), "nope.in", Chunk{}); err == nil {
		t.Error("want error for unknown input port")
	}
}

func TestGlobals(t *testing.T) {
	g := NewGlobals()
	if g.GetInt("gen") != 0 {
		t.Error("zero value expected")
	}
	if got := g.BumpInt("gen"); got != 1 {
		t.Errorf("bump = %d", got)
	}
	if got := g.BumpInt("gen"); got != 2 {
		t.Errorf("bump = %d", got)
	}
	g.Set("flag", true)
	if g.Get("flag") != true {
		t.Error("set/get round trip failed")
	}
}

func TestParseGraph(t *testing.T) {
	yml := `
name: chat
nodes:
  - name: a
    type: upper
  - name: b
    type: upper
edges:
  - from: a.out
    to: b.in
inputs:
  - a.in
outputs:
  - b.out
`
	cfg, err := ParseGraph(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("ParseGraph: %v", err)
	}
	if cfg.Name != "chat" || len(cfg.Nodes) != 2 || len(cfg.Edges) != 1 {
		t.Errorf("parsed = %+v", cfg)
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name string
		cfg  GraphConfig
	}{
		{"empty name", GraphConfig{Nodes: []NodeConfig{{Name: "a", Type: "t"}}}},
		{"no nodes", GraphConfig{Name: "x"}},
		{"duplicate node", GraphConfig{Name: "x", Nodes: []NodeConfig{{Name: "a", Type: "t"}, {Name: "a", Type: "t"}}}},
		{"edge to unknown node", GraphConfig{
			Name:  "x",
			Nodes: []NodeConfig{{Name: "a", Type: "t"}},
			Edges: []EdgeConfig{{From: "a.out", To: "ghost.in"}},
		}},
		{"malformed ref", GraphConfig{
			Name:   "x",
			Nodes:  []NodeConfig{{Name: "a", Type: "t"}},
			Inputs: []string{"noport"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("want validation error")
			}
		})
	}
}
