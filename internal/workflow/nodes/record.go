package nodes

import (
	"context"
	"fmt"

	"github.com/vocalia-ai/vocalia/internal/workflow"
)

// recordNode feeds the assistant's raw token stream into the chat record.
// The end sentinel flushes the buffered turn to storage, so an aborted
// response still persists whatever was generated before the barge-in.
//
// Ports:
//
//	in assistant_stream {"text", "generation"}
type recordNode struct {
	name string
	deps Deps
}

func newRecordNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.Record == nil {
		return nil, fmt.Errorf("nodes: chat_record node %q: no record manager configured", cfg.Name)
	}
	return &recordNode{name: cfg.Name, deps: deps}, nil
}

func (n *recordNode) Name() string { return n.name }

func (n *recordNode) Run(ctx context.Context, rt *workflow.Runtime) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-rt.In("assistant_stream"):
			n.deps.Record.AddAssistantChunk(ctx, c.Str("text"))
		}
	}
}
