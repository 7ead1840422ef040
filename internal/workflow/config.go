package workflow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GraphConfig describes one workflow graph: its nodes, the edges between
// node ports, and which ports the host feeds (inputs) and drains (outputs).
type GraphConfig struct {
	Name  string       `yaml:"name"`
	Nodes []NodeConfig `yaml:"nodes"`
	Edges []EdgeConfig `yaml:"edges"`
	// Inputs are "node.port" references the host writes to via FeedInput.
	Inputs []string `yaml:"inputs"`
	// Outputs are "node.port" references drained to host callbacks.
	Outputs []string `yaml:"outputs"`
}

// NodeConfig declares one node instance. Type selects the factory; Params
// are passed through to it untouched.
type NodeConfig struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

// EdgeConfig connects an output port to an input port, both as "node.port".
type EdgeConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadGraph reads and validates a graph description from a YAML file.
func LoadGraph(path string) (*GraphConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: open graph: %w", err)
	}
	defer f.Close()
	return ParseGraph(f)
}

// ParseGraph decodes a graph description. Unknown YAML fields are rejected.
func ParseGraph(r io.Reader) (*GraphConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg GraphConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("workflow: decode graph: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("workflow: invalid graph %q: %w", cfg.Name, err)
	}
	return &cfg, nil
}

// Validate checks structural consistency: unique node names, well-formed
// "node.port" references, and edges that only mention declared nodes.
func (c *GraphConfig) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if len(c.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node is required"))
	}

	nodes := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("node %d: name must not be empty", i))
			continue
		}
		if n.Type == "" {
			errs = append(errs, fmt.Errorf("node %q: type must not be empty", n.Name))
		}
		if nodes[n.Name] {
			errs = append(errs, fmt.Errorf("node %q: duplicate name", n.Name))
		}
		nodes[n.Name] = true
	}

	check := func(what, ref string) {
		node, _, err := SplitPort(ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", what, ref, err))
			return
		}
		if !nodes[node] {
			errs = append(errs, fmt.Errorf("%s %q: unknown node %q", what, ref, node))
		}
	}
	for _, e := range c.Edges {
		check("edge from", e.From)
		check("edge to", e.To)
	}
	for _, in := range c.Inputs {
		check("input", in)
	}
	for _, out := range c.Outputs {
		check("output", out)
	}

	return errors.Join(errs...)
}

// SplitPort splits a "node.port" reference.
func SplitPort(ref string) (node, port string, err error) {
	node, port, ok := strings.Cut(ref, ".")
	if !ok || node == "" || port == "" {
		return "", "", fmt.Errorf("reference must be \"node.port\", got %q", ref)
	}
	return node, port, nil
}
