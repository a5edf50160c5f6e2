// Package graph executes a fixed directed graph of nodes over an immutable
// state value. Nodes return partial updates that a reducer folds into the
// next state; routers pick among labelled conditional edges. Progress is
// checkpointed after every node so a run interrupted before a node can be
// resumed later, possibly by a different process.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// END is the virtual terminal node.
const END = "__end__"

// DefaultMaxSteps bounds the number of node executions in one Invoke/Resume.
const DefaultMaxSteps = 64

var (
	// ErrMaxSteps is returned when a run exceeds its step budget.
	ErrMaxSteps = errors.New("graph exceeded maximum steps")
	// ErrNoCheckpoint is returned by Resume when nothing was saved for the thread.
	ErrNoCheckpoint = errors.New("no checkpoint for thread")
	// ErrUnknownRoute is returned when a router yields a label it did not declare.
	ErrUnknownRoute = errors.New("router returned unmapped label")
)

// RunConfig carries per-run values to nodes and routers.
type RunConfig[C any] struct {
	// ThreadID keys checkpoints. Runs that should be resumable need one.
	ThreadID string
	Config   C
}

// NodeFunc does the work of one node and returns the update to merge.
type NodeFunc[S, U, C any] func(ctx context.Context, s S, cfg RunConfig[C]) (U, error)

// Reducer folds an update into a state, producing a new state.
type Reducer[S, U any] func(s S, u U) (S, error)

// Router chooses a conditional edge. Route must return one of Labels and
// must not have side effects.
type Router[S, C any] struct {
	Labels []string
	Route  func(s S, cfg C) string
}

// NodeError wraps a failure raised by a node.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string { return fmt.Sprintf("node %s: %v", e.Node, e.Err) }

func (e *NodeError) Unwrap() error { return e.Err }

type conditional[S, C any] struct {
	router  Router[S, C]
	mapping map[string]string
}

// Graph is a graph definition under construction.
type Graph[S, U, C any] struct {
	name         string
	reducer      Reducer[S, U]
	nodes        map[string]NodeFunc[S, U, C]
	order        []string
	edges        map[string]string
	conditionals map[string]conditional[S, C]
	entry        string
	errs         []error
}

// New starts a graph definition.
func New[S, U, C any](name string, reducer Reducer[S, U]) *Graph[S, U, C] {
	return &Graph[S, U, C]{
		name:         name,
		reducer:      reducer,
		nodes:        make(map[string]NodeFunc[S, U, C]),
		edges:        make(map[string]string),
		conditionals: make(map[string]conditional[S, C]),
	}
}

// AddNode registers a node. Definition errors are reported by Compile.
func (g *Graph[S, U, C]) AddNode(name string, fn NodeFunc[S, U, C]) *Graph[S, U, C] {
	switch {
	case name == "" || name == END:
		g.errs = append(g.errs, fmt.Errorf("invalid node name %q", name))
	case fn == nil:
		g.errs = append(g.errs, fmt.Errorf("node %s has nil function", name))
	case g.nodes[name] != nil:
		g.errs = append(g.errs, fmt.Errorf("duplicate node %s", name))
	default:
		g.nodes[name] = fn
		g.order = append(g.order, name)
	}
	return g
}

// AddEdge adds an unconditional edge.
func (g *Graph[S, U, C]) AddEdge(from, to string) *Graph[S, U, C] {
	if _, dup := g.edges[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("node %s already has an edge", from))
		return g
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdges routes from a node through router; mapping translates
// each label to a target node or END.
func (g *Graph[S, U, C]) AddConditionalEdges(from string, router Router[S, C], mapping map[string]string) *Graph[S, U, C] {
	if _, dup := g.conditionals[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("node %s already has conditional edges", from))
		return g
	}
	if router.Route == nil {
		g.errs = append(g.errs, fmt.Errorf("node %s has a nil router", from))
		return g
	}
	m := make(map[string]string, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	g.conditionals[from] = conditional[S, C]{router: router, mapping: m}
	return g
}

// SetEntryPoint names the first node.
func (g *Graph[S, U, C]) SetEntryPoint(name string) *Graph[S, U, C] {
	g.entry = name
	return g
}

// Name returns the graph name.
func (g *Graph[S, U, C]) Name() string { return g.name }

func (g *Graph[S, U, C]) validate(interrupts []string) error {
	errs := append([]error(nil), g.errs...)
	isTarget := func(n string) bool { return n == END || g.nodes[n] != nil }

	if g.reducer == nil {
		errs = append(errs, errors.New("reducer is required"))
	}
	if g.entry == "" {
		errs = append(errs, errors.New("entry point not set"))
	} else if g.nodes[g.entry] == nil {
		errs = append(errs, fmt.Errorf("entry point %s is not a node", g.entry))
	}

	for _, from := range sortedKeys(g.edges) {
		if g.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("edge from unknown node %s", from))
		}
		if to := g.edges[from]; !isTarget(to) {
			errs = append(errs, fmt.Errorf("edge %s -> %s targets unknown node", from, to))
		}
	}

	for _, from := range sortedKeys(g.conditionals) {
		c := g.conditionals[from]
		if g.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("conditional edges from unknown node %s", from))
		}
		declared := make(map[string]bool, len(c.router.Labels))
		for _, label := range c.router.Labels {
			declared[label] = true
			if _, ok := c.mapping[label]; !ok {
				errs = append(errs, fmt.Errorf("node %s: label %q is not mapped", from, label))
			}
		}
		for _, label := range sortedKeys(c.mapping) {
			if !declared[label] {
				errs = append(errs, fmt.Errorf("node %s: mapped label %q is not declared by the router", from, label))
			}
			if to := c.mapping[label]; !isTarget(to) {
				errs = append(errs, fmt.Errorf("node %s: label %q targets unknown node %s", from, label, to))
			}
		}
	}

	for _, name := range g.order {
		_, static := g.edges[name]
		_, cond := g.conditionals[name]
		switch {
		case static && cond:
			errs = append(errs, fmt.Errorf("node %s has both an edge and conditional edges", name))
		case !static && !cond:
			errs = append(errs, fmt.Errorf("node %s has no outgoing edge", name))
		}
	}

	for _, name := range interrupts {
		if g.nodes[name] == nil {
			errs = append(errs, fmt.Errorf("interrupt before unknown node %s", name))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Errorf("graph %s: %s", g.name, strings.Join(msgs, "; "))
}

// Compile validates the definition and returns an executable graph.
func (g *Graph[S, U, C]) Compile(opts ...Option) (*Compiled[S, U, C], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := g.validate(o.interruptBefore); err != nil {
		return nil, err
	}

	interrupts := make(map[string]bool, len(o.interruptBefore))
	for _, n := range o.interruptBefore {
		interrupts[n] = true
	}

	c := &Compiled[S, U, C]{
		name:         g.name,
		reducer:      g.reducer,
		nodes:        copyMap(g.nodes),
		edges:        copyMap(g.edges),
		conditionals: copyMap(g.conditionals),
		entry:        g.entry,
		interrupts:   interrupts,
		opts:         o,
	}
	if c.opts.logger == nil {
		c.opts.logger = defaultLogger(g.name)
	}
	return c, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
